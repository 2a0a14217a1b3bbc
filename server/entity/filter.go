package entity

import (
	"github.com/tinode/livesync/server/store/types"
)

// Projections is a pair of views of one entity: everything, and everything except protected fields.
type Projections struct {
	Full     types.Entity
	Redacted types.Entity
}

// ComputeProjections builds both views. The views share values with the source: they must not be modified.
func ComputeProjections(e types.Entity, protected []string) *Projections {
	if e == nil {
		return &Projections{}
	}
	p := &Projections{Full: e}
	if len(protected) == 0 {
		p.Redacted = e
	} else {
		p.Redacted = e.Without(protected...)
	}
	return p
}

// Assign picks the view for a subscriber.
func (p *Projections) Assign(elevated bool) types.Entity {
	if elevated {
		return p.Full
	}
	return p.Redacted
}
