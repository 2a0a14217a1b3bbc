package entity

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/tinode/livesync/server/logs"
	"github.com/tinode/livesync/server/store"
	"github.com/tinode/livesync/server/store/types"
)

// DefaultACLField is the name of the entity field holding the ACL.
const DefaultACLField = "acl"

// Config configures a Service.
type Config struct {
	// Name of the service, unique per dispatcher. Used as the event namespace.
	Name string
	// Store is the CRUD delegate of the collection backing the service.
	Store store.Collection
	// HasEntryACL enables entry-level ACLs stored in the entities.
	HasEntryACL bool
	// ACLField is the name of the ACL field. Default "acl".
	ACLField string
	// Hooks customize access and filtering.
	Hooks Hooks
	// Groups receive peers subscribed to entries. Optional.
	Groups Groups
	// Observer receives metrics events. Optional.
	Observer Observer
	// NewId generates ids of created entities which don't have one. Default: store uid generator.
	NewId func() string
}

// Service exposes one collection of entities to peers.
type Service struct {
	name        string
	db          store.Collection
	hasEntryACL bool
	aclField    string
	hooks       Hooks
	groups      Groups
	observer    Observer
	newId       func() string

	subs *Registry
	eval *Evaluator

	methodsLock sync.Mutex
	methods     map[string]*Method
	finalized   bool
}

// NewService creates a service.
func NewService(conf Config) (*Service, error) {
	if !isValidName(conf.Name) {
		return nil, errors.New("entity: invalid service name '" + conf.Name + "'")
	}
	if conf.Store == nil {
		return nil, errors.New("entity: service '" + conf.Name + "' has no store")
	}

	s := &Service{
		name:        conf.Name,
		db:          conf.Store,
		hasEntryACL: conf.HasEntryACL,
		aclField:    conf.ACLField,
		groups:      conf.Groups,
		observer:    conf.Observer,
		newId:       conf.NewId,
		subs:        NewRegistry(),
		methods:     make(map[string]*Method),
	}
	if s.aclField == "" {
		s.aclField = DefaultACLField
	}
	if s.groups == nil {
		s.groups = nopGroups{}
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	if s.newId == nil {
		s.newId = store.Store.GetUidString
	}
	s.hooks = s.defaultHooks(conf.Hooks)
	s.eval = &Evaluator{
		Service:     s.name,
		Custom:      s.hooks.CheckAccess,
		HasEntryACL: s.hasEntryACL,
		LoadACL:     s.loadACL,
	}

	return s, nil
}

// Name returns the name of the service.
func (s *Service) Name() string {
	return s.name
}

// Store returns the CRUD delegate.
func (s *Service) Store() store.Collection {
	return s.db
}

// ACLField returns the name of the field with the entry ACL.
func (s *Service) ACLField() string {
	return s.aclField
}

// HasEntryACL reports if the service stores ACLs in entries.
func (s *Service) HasEntryACL() bool {
	return s.hasEntryACL
}

func (s *Service) loadACL(ctx context.Context, entryId string) (types.ACL, error) {
	ent, err := s.db.FindUnique(ctx, map[string]any{types.IdField: entryId}, []string{types.IdField, s.aclField})
	if err != nil {
		return nil, err
	}
	return types.ParseACL(ent[s.aclField])
}

// CanAccessEntry checks if the peer has at least the required level for the entry.
func (s *Service) CanAccessEntry(ctx context.Context, peer Peer, entryId string, required types.AccessLevel) bool {
	return s.eval.CanAccessEntry(ctx, peer, entryId, required)
}

// EnsureAccessForMethod returns nil if the peer may invoke an operation at the required level,
// ErrAuthRequired if the peer is anonymous, ErrPermissionDenied otherwise.
func (s *Service) EnsureAccessForMethod(ctx context.Context, required types.AccessLevel, peer Peer, entryId string) error {
	if required == types.AccessPublic {
		return nil
	}
	if peer == nil || peer.UserId() == "" {
		return ErrAuthRequired
	}
	if !s.eval.CanAccessEntry(ctx, peer, entryId, required) {
		return ErrPermissionDenied
	}
	return nil
}

// Subscribe registers the peer for updates of the entry and returns the entity as seen by the peer.
// Returns nil if the peer is anonymous, lacks access, or the entity does not exist.
func (s *Service) Subscribe(ctx context.Context, entryId string, peer Peer, required types.AccessLevel) types.Entity {
	if peer == nil || peer.UserId() == "" || entryId == "" {
		return nil
	}
	if !s.eval.CanAccessEntry(ctx, peer, entryId, required) {
		return nil
	}

	ent, err := s.db.FindUnique(ctx, map[string]any{types.IdField: entryId}, nil)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			logs.Warn.Println("entity: subscribe", s.name, entryId, err)
		}
		return nil
	}

	if s.subs.Add(entryId, peer) {
		s.groups.Join(GroupName(s.name, entryId), peer)
		s.observer.SubscriptionsChanged(s.name, 1)
	}

	return s.assign(peer, entryId, ComputeProjections(ent, s.hooks.ProtectedFields()))
}

// Unsubscribe removes the peer from the entry's subscribers. Idempotent.
func (s *Service) Unsubscribe(entryId string, peer Peer) {
	if s.subs.Remove(entryId, peer) {
		s.groups.Leave(GroupName(s.name, entryId), peer)
		s.observer.SubscriptionsChanged(s.name, -1)
	}
}

// UnsubscribeAll removes the peer from all entries of the service.
func (s *Service) UnsubscribeAll(peer Peer) {
	removed := s.subs.RemoveAll(peer)
	for _, entryId := range removed {
		s.groups.Leave(GroupName(s.name, entryId), peer)
	}
	if len(removed) > 0 {
		s.observer.SubscriptionsChanged(s.name, -len(removed))
	}
}

// IsSubscribed checks if the peer is subscribed to the entry.
func (s *Service) IsSubscribed(entryId string, peer Peer) bool {
	return s.subs.Has(entryId, peer)
}

// Create persists a new entity and pushes it to subscribers of its id, if any.
// An id is generated if the data has none.
func (s *Service) Create(ctx context.Context, data types.Entity) (types.Entity, error) {
	data = data.Clone()
	if data == nil {
		data = types.Entity{}
	}
	if data.Id() == "" {
		id := s.newId()
		if id == "" {
			return nil, types.ErrNotOpen
		}
		data[types.IdField] = id
	}

	created, err := s.db.Create(ctx, data)
	if err != nil {
		return nil, err
	}
	s.broadcast(created.Id(), created)
	return created, nil
}

// Update applies a shallow patch to the entity and pushes the result to subscribers.
// Returns nil if the update failed.
func (s *Service) Update(ctx context.Context, entryId string, patch map[string]any) types.Entity {
	if len(patch) > 0 {
		// The id cannot be changed.
		if id, ok := patch[types.IdField]; ok && id != entryId {
			patch = types.Entity(patch).Without(types.IdField)
		}
	}

	updated, err := s.db.Update(ctx, map[string]any{types.IdField: entryId}, patch)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			logs.Info.Println("entity: update of missing entry", s.name, entryId)
		} else {
			logs.Warn.Println("entity: update failed", s.name, entryId, err)
		}
		return nil
	}
	s.broadcast(entryId, updated)
	return updated
}

// Delete removes the entity and sends a tombstone to subscribers. Subscriptions are kept.
// Returns false if the deletion failed.
func (s *Service) Delete(ctx context.Context, entryId string) bool {
	if err := s.db.Delete(ctx, map[string]any{types.IdField: entryId}); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			logs.Info.Println("entity: delete of missing entry", s.name, entryId)
		} else {
			logs.Warn.Println("entity: delete failed", s.name, entryId, err)
		}
		return false
	}
	s.broadcastTombstone(entryId)
	return true
}

// Reemit pushes the current state of the entity to its subscribers. Returns false if
// the entity cannot be read.
func (s *Service) Reemit(ctx context.Context, entryId string) bool {
	ent, err := s.db.FindUnique(ctx, map[string]any{types.IdField: entryId}, nil)
	if err != nil {
		return false
	}
	s.broadcast(entryId, ent)
	return true
}

// ForceUnsubscribe removes subscribers of the entry and notifies them. If userId is not empty
// only that user's connections are removed. Returns the number of removed subscriptions.
func (s *Service) ForceUnsubscribe(entryId, userId, reason string) int {
	event := UnsubscribedEvent(s.name, entryId)
	payload := map[string]any{"reason": reason}

	count := 0
	for _, p := range s.subs.Peers(entryId) {
		if userId != "" && p.UserId() != userId {
			continue
		}
		if s.subs.Remove(entryId, p) {
			s.groups.Leave(GroupName(s.name, entryId), p)
			p.Push(event, payload)
			count++
		}
	}
	if count > 0 {
		s.observer.SubscriptionsChanged(s.name, -count)
	}
	return count
}

// SubscriberInfo describes one subscription.
type SubscriberInfo struct {
	SessionId string `json:"sessionId"`
	UserId    string `json:"userId"`
}

// Subscribers lists subscribers of the entry ordered by user then session.
func (s *Service) Subscribers(entryId string) []SubscriberInfo {
	peers := s.subs.Peers(entryId)
	out := make([]SubscriberInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, SubscriberInfo{SessionId: p.SessionId(), UserId: p.UserId()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserId != out[j].UserId {
			return out[i].UserId < out[j].UserId
		}
		return out[i].SessionId < out[j].SessionId
	})
	return out
}

// Notify publishes an arbitrary event to the broadcast group of an entry of any service.
// The data is sent as is to every member of the group.
func (s *Service) Notify(ctx context.Context, service, entryId, event string, data any) {
	s.groups.Publish(ctx, GroupName(service, entryId), event, data)
}

func (s *Service) assign(peer Peer, entryId string, p *Projections) types.Entity {
	return s.hooks.FilterForSubscriber(peer, entryId, p)
}

// broadcast pushes the entity to every subscriber of the entry. Projections are computed once.
func (s *Service) broadcast(entryId string, ent types.Entity) {
	peers := s.subs.Peers(entryId)
	if len(peers) == 0 {
		return
	}

	proj := ComputeProjections(ent, s.hooks.ProtectedFields())
	event := UpdateEvent(s.name, entryId)
	for _, p := range peers {
		p.Push(event, s.assign(p, entryId, proj))
	}
	s.observer.Pushed(s.name, len(peers))
}

func (s *Service) broadcastTombstone(entryId string) {
	peers := s.subs.Peers(entryId)
	if len(peers) == 0 {
		return
	}

	tomb := types.Tombstone(entryId)
	event := UpdateEvent(s.name, entryId)
	for _, p := range peers {
		p.Push(event, tomb)
	}
	s.observer.Pushed(s.name, len(peers))
}
