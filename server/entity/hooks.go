package entity

import (
	"context"

	"github.com/tinode/livesync/server/store/types"
)

// Hooks are the customization points of a service. Any nil hook gets the default behavior.
type Hooks struct {
	// CheckAccess is the custom access grant. Default: grants nothing.
	CheckAccess func(ctx context.Context, peer Peer, entryId string, required types.AccessLevel) bool
	// ProtectedFields lists fields hidden from non-elevated subscribers. Default: none.
	ProtectedFields func() []string
	// HasElevatedAccess decides if the peer sees protected fields of the entry.
	// Default: the peer is the entry itself or holds service-level Admin.
	HasElevatedAccess func(peer Peer, entryId string) bool
	// FilterForSubscriber picks what the peer receives. Default: full view for elevated peers,
	// redacted otherwise.
	FilterForSubscriber func(peer Peer, entryId string, p *Projections) types.Entity
}

func (s *Service) defaultHooks(h Hooks) Hooks {
	if h.ProtectedFields == nil {
		h.ProtectedFields = func() []string { return nil }
	}
	if h.HasElevatedAccess == nil {
		h.HasElevatedAccess = func(peer Peer, entryId string) bool {
			if peer == nil {
				return false
			}
			uid := peer.UserId()
			if uid != "" && uid == entryId {
				return true
			}
			return IsSufficient(peer.ServiceAccess().Get(s.name), types.AccessAdmin)
		}
	}
	if h.FilterForSubscriber == nil {
		elevated := h.HasElevatedAccess
		h.FilterForSubscriber = func(peer Peer, entryId string, p *Projections) types.Entity {
			return p.Assign(elevated(peer, entryId))
		}
	}
	return h
}
