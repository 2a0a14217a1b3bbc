package entity

import (
	"sync"
)

// Registry maps entry ids to the set of subscribed peers. Empty sets are removed.
// All methods are safe for concurrent use.
type Registry struct {
	lock    sync.Mutex
	entries map[string]map[Peer]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]map[Peer]struct{})}
}

// Add subscribes the peer to the entry. Returns true if the peer was not subscribed before.
func (r *Registry) Add(entryId string, p Peer) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	set, ok := r.entries[entryId]
	if !ok {
		set = make(map[Peer]struct{})
		r.entries[entryId] = set
	}
	if _, ok := set[p]; ok {
		return false
	}
	set[p] = struct{}{}
	return true
}

// Remove unsubscribes the peer from the entry. Returns true if the peer was subscribed.
func (r *Registry) Remove(entryId string, p Peer) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.removeLocked(entryId, p)
}

func (r *Registry) removeLocked(entryId string, p Peer) bool {
	set, ok := r.entries[entryId]
	if !ok {
		return false
	}
	if _, ok := set[p]; !ok {
		return false
	}
	delete(set, p)
	if len(set) == 0 {
		delete(r.entries, entryId)
	}
	return true
}

// RemoveAll unsubscribes the peer from every entry. Returns ids of the entries
// the peer was subscribed to.
func (r *Registry) RemoveAll(p Peer) []string {
	r.lock.Lock()
	defer r.lock.Unlock()

	var removed []string
	for entryId := range r.entries {
		if r.removeLocked(entryId, p) {
			removed = append(removed, entryId)
		}
	}
	return removed
}

// RemoveEntry drops all subscribers of the entry and returns them.
func (r *Registry) RemoveEntry(entryId string) []Peer {
	r.lock.Lock()
	defer r.lock.Unlock()

	set := r.entries[entryId]
	delete(r.entries, entryId)
	peers := make([]Peer, 0, len(set))
	for p := range set {
		peers = append(peers, p)
	}
	return peers
}

// Peers returns a snapshot of the entry's subscribers.
func (r *Registry) Peers(entryId string) []Peer {
	r.lock.Lock()
	defer r.lock.Unlock()

	set := r.entries[entryId]
	if len(set) == 0 {
		return nil
	}
	peers := make([]Peer, 0, len(set))
	for p := range set {
		peers = append(peers, p)
	}
	return peers
}

// Has checks if the peer is subscribed to the entry.
func (r *Registry) Has(entryId string, p Peer) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	_, ok := r.entries[entryId][p]
	return ok
}

// Len returns the number of entries with at least one subscriber.
func (r *Registry) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()

	return len(r.entries)
}
