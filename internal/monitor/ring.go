package monitor

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/kashguard/go-bridge-validator/internal/store"
)

// defaultRingSize bounds the in-memory dedup window. Providers re-deliver
// logs across reconnects and short reorgs; anything older than this many
// signals is assumed settled.
const defaultRingSize = 16384

// dedupRing is the bounded set of recently observed signal ids, optionally
// backed by the persistent store so observations survive restarts.
type dedupRing struct {
	mu        sync.Mutex
	capacity  int
	order     []string
	seen      map[string]struct{}
	persisted store.Store
}

func newDedupRing(capacity int, persisted store.Store) *dedupRing {
	if capacity < defaultRingSize {
		capacity = defaultRingSize
	}
	return &dedupRing{
		capacity:  capacity,
		seen:      make(map[string]struct{}, capacity),
		persisted: persisted,
	}
}

// Observe reports whether the signal is new on this chain, recording it.
func (r *dedupRing) Observe(ctx context.Context, chain, signalID string) bool {
	key := chain + ":" + signalID

	r.mu.Lock()
	if _, ok := r.seen[key]; ok {
		r.mu.Unlock()
		return false
	}
	r.seen[key] = struct{}{}
	r.order = append(r.order, key)
	if len(r.order) > r.capacity {
		evicted := r.order[0]
		r.order = r.order[1:]
		delete(r.seen, evicted)
	}
	r.mu.Unlock()

	if r.persisted != nil {
		fresh, err := r.persisted.MarkSignalObserved(ctx, chain, signalID)
		if err != nil {
			// The in-memory ring already filtered this process; losing the
			// persistent mark only widens the restart window.
			log.Warn().Err(err).Str("chain", chain).Msg("Failed to persist signal observation")
			return true
		}
		return fresh
	}
	return true
}
