package entity

import (
	"context"

	"github.com/tinode/livesync/server/store/types"
)

// IsSufficient checks if the granted level satisfies the required level.
func IsSufficient(granted, required types.AccessLevel) bool {
	return granted.BetterEqual(required)
}

// Evaluator decides whether a peer may act on or observe an entry of one service.
// Access is granted if any of the three paths grants it: service-level grant of the peer,
// custom predicate, entry ACL.
type Evaluator struct {
	// Name of the service.
	Service string
	// Custom grant. May be nil.
	Custom func(ctx context.Context, peer Peer, entryId string, required types.AccessLevel) bool
	// The service stores ACLs in its entries.
	HasEntryACL bool
	// Loads the ACL of the entry. Required if HasEntryACL is true.
	LoadACL func(ctx context.Context, entryId string) (types.ACL, error)
}

// CanAccessEntry checks if the peer has the required level for the entry. The entryId may be empty
// for operations not bound to a specific entry; the ACL path is skipped then.
func (ev *Evaluator) CanAccessEntry(ctx context.Context, peer Peer, entryId string, required types.AccessLevel) bool {
	if required == types.AccessPublic {
		return true
	}
	if peer == nil || peer.UserId() == "" {
		return false
	}

	if IsSufficient(peer.ServiceAccess().Get(ev.Service), required) {
		return true
	}

	if ev.Custom != nil && ev.Custom(ctx, peer, entryId, required) {
		return true
	}

	if !ev.HasEntryACL || entryId == "" || ev.LoadACL == nil {
		return false
	}

	acl, err := ev.LoadACL(ctx, entryId)
	if err != nil {
		// Missing entry or unreadable ACL means no access.
		return false
	}
	return acl.Grants(peer.UserId(), required)
}
