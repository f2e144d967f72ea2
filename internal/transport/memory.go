package transport

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

const memoryQueueDepth = 1024

// MemoryNetwork wires MemoryBus instances together in-process. It keeps the
// same delivery semantics as the WebSocket mesh (per-sender FIFO, receiver
// dedup, tolerated partial broadcasts) so ceremony tests exercise the real
// protocol paths.
type MemoryNetwork struct {
	mu       sync.RWMutex
	buses    map[PartyID]*MemoryBus
	detached map[PartyID]bool
}

// NewMemoryNetwork creates an empty in-process network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		buses:    make(map[PartyID]*MemoryBus),
		detached: make(map[PartyID]bool),
	}
}

// Join registers a party and returns its bus endpoint.
func (n *MemoryNetwork) Join(id PartyID) *MemoryBus {
	n.mu.Lock()
	defer n.mu.Unlock()
	bus := &MemoryBus{
		id:    id,
		net:   n,
		seq:   newSeqCounter(),
		dedup: newDedupSet(memoryQueueDepth * 4),
		queue: make(chan *Envelope, memoryQueueDepth),
		done:  make(chan struct{}),
	}
	n.buses[id] = bus
	return bus
}

// Detach simulates a crashed or partitioned party: sends to it fail and it
// stops emitting.
func (n *MemoryNetwork) Detach(id PartyID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.detached[id] = true
}

func (n *MemoryNetwork) deliver(from, to PartyID, env *Envelope) error {
	n.mu.RLock()
	target, ok := n.buses[to]
	cut := n.detached[to] || n.detached[from]
	n.mu.RUnlock()
	if !ok {
		return errors.Errorf("party %d is not on the network", to)
	}
	if cut {
		return errors.Errorf("party %d is unreachable", to)
	}
	select {
	case target.queue <- env:
		return nil
	case <-target.done:
		return errors.Errorf("party %d has stopped", to)
	}
}

// MemoryBus is the in-process Bus implementation.
type MemoryBus struct {
	id    PartyID
	net   *MemoryNetwork
	seq   *seqCounter
	dedup *dedupSet
	queue chan *Envelope

	mu      sync.RWMutex
	handler Handler

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// Self returns this bus's party id.
func (b *MemoryBus) Self() PartyID { return b.id }

// SetHandler registers the inbound callback. Must be called before Start.
func (b *MemoryBus) SetHandler(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

// Start begins envelope dispatch. Envelopes are handled one at a time, which
// preserves the per-sender FIFO order of the single delivery queue.
func (b *MemoryBus) Start(ctx context.Context) error {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case env := <-b.queue:
				if b.dedup.Observe(env.dedupKey()) {
					continue
				}
				b.mu.RLock()
				h := b.handler
				b.mu.RUnlock()
				if h != nil {
					_ = h(ctx, env)
				}
			case <-b.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop halts dispatch.
func (b *MemoryBus) Stop(ctx context.Context) error {
	b.stopOnce.Do(func() { close(b.done) })
	b.wg.Wait()
	return nil
}

// Send delivers one envelope to a single peer.
func (b *MemoryBus) Send(ctx context.Context, to PartyID, env *Envelope) error {
	stamped := *env
	stamped.Sender = b.id
	stamped.Seq = b.seq.assign(env.CeremonyID)
	return b.net.deliver(b.id, to, &stamped)
}

// Broadcast sends to every other party on the network. Failed peers are
// collected into a PartialBroadcastError; reached peers keep the message.
func (b *MemoryBus) Broadcast(ctx context.Context, env *Envelope) error {
	b.net.mu.RLock()
	targets := make([]PartyID, 0, len(b.net.buses))
	for id := range b.net.buses {
		if id != b.id {
			targets = append(targets, id)
		}
	}
	b.net.mu.RUnlock()

	failed := make(map[PartyID]error)
	for _, id := range targets {
		if err := b.Send(ctx, id, env); err != nil {
			failed[id] = err
		}
	}
	if len(failed) > 0 {
		return &PartialBroadcastError{Failed: failed}
	}
	return nil
}
