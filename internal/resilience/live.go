package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/livevoice/pkg/provider/live"
)

var _ live.Provider = (*Failover)(nil)

// Failover is a [live.Provider] that connects through the first healthy
// provider of a [Group]. Only Connect fails over; a transport that connected
// but whose handshake later fails is the caller's to handle.
type Failover struct {
	group *Group[live.Provider]
}

// NewFailover returns a Failover over group. The group must not be empty.
func NewFailover(group *Group[live.Provider]) (*Failover, error) {
	if group == nil || group.Len() == 0 {
		return nil, errors.New("resilience: failover needs at least one provider")
	}
	return &Failover{group: group}, nil
}

// Connect implements [live.Provider].
func (f *Failover) Connect(ctx context.Context, cfg live.SessionConfig) (live.Transport, error) {
	return Do(ctx, f.group, func(ctx context.Context, p live.Provider) (live.Transport, error) {
		return p.Connect(ctx, cfg)
	})
}

// Capabilities returns the primary provider's capabilities.
func (f *Failover) Capabilities() live.Capabilities {
	return f.group.entries[0].value.Capabilities()
}
