package transport

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Handler receives inbound envelopes. The bus invokes it sequentially per
// sender, preserving the per-sender FIFO guarantee the ceremonies assume.
type Handler func(ctx context.Context, env *Envelope) error

// Bus abstracts reliable message passing between the N parties. Broadcast
// is N-1 unicasts; a partial broadcast returns a PartialBroadcastError and
// higher layers must tolerate it.
type Bus interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, to PartyID, env *Envelope) error
	Broadcast(ctx context.Context, env *Envelope) error
	SetHandler(h Handler)
	Self() PartyID
}

// PartialBroadcastError reports the subset of peers a broadcast failed to
// reach.
type PartialBroadcastError struct {
	Failed map[PartyID]error
}

func (e *PartialBroadcastError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for id, err := range e.Failed {
		parts = append(parts, errors.Wrapf(err, "party %d", id).Error())
	}
	return "partial broadcast: " + strings.Join(parts, "; ")
}

// seqCounter hands out the monotonic per-ceremony sequence numbers stamped
// onto outgoing envelopes.
type seqCounter struct {
	mu   sync.Mutex
	next map[string]uint64
}

func newSeqCounter() *seqCounter {
	return &seqCounter{next: make(map[string]uint64)}
}

func (c *seqCounter) assign(ceremonyID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.next[ceremonyID]
	c.next[ceremonyID] = seq + 1
	return seq
}
