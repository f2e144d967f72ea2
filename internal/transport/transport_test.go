package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectEnvelopes(t *testing.T, bus *MemoryBus) (*sync.Mutex, *[]*Envelope) {
	t.Helper()
	var mu sync.Mutex
	var got []*Envelope
	bus.SetHandler(func(ctx context.Context, env *Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, env)
		return nil
	})
	return &mu, &got
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestMemoryBusFIFOPerSender(t *testing.T) {
	ctx := context.Background()
	net := NewMemoryNetwork()
	sender := net.Join(1)
	receiver := net.Join(2)

	mu, got := collectEnvelopes(t, receiver)
	require.NoError(t, receiver.Start(ctx))
	defer receiver.Stop(ctx)

	const n = 50
	for i := 0; i < n; i++ {
		env, err := NewEnvelope(TypeHeartbeat, 1, "ceremony-1", Heartbeat{Pending: i})
		require.NoError(t, err)
		require.NoError(t, sender.Send(ctx, 2, env))
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*got) == n
	})

	mu.Lock()
	defer mu.Unlock()
	for i, env := range *got {
		assert.Equal(t, uint64(i), env.Seq)
		assert.Equal(t, PartyID(1), env.Sender)
	}
}

func TestMemoryBusDedup(t *testing.T) {
	ctx := context.Background()
	net := NewMemoryNetwork()
	sender := net.Join(1)
	receiver := net.Join(2)

	mu, got := collectEnvelopes(t, receiver)
	require.NoError(t, receiver.Start(ctx))
	defer receiver.Stop(ctx)

	env, err := NewEnvelope(TypeDKGStart, 1, "ceremony-1", DKGStart{CeremonyID: "ceremony-1", Threshold: 3, Parties: 5})
	require.NoError(t, err)
	require.NoError(t, sender.Send(ctx, 2, env))

	// Redeliver the identical stamped frame, as a flaky link would.
	stamped := *env
	stamped.Sender = 1
	stamped.Seq = 0
	require.NoError(t, net.deliver(1, 2, &stamped))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*got) >= 1
	})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, *got, 1)
}

func TestMemoryBusPartialBroadcast(t *testing.T) {
	ctx := context.Background()
	net := NewMemoryNetwork()
	sender := net.Join(1)
	alive := net.Join(2)
	net.Join(3)
	net.Detach(3)

	mu, got := collectEnvelopes(t, alive)
	require.NoError(t, alive.Start(ctx))
	defer alive.Stop(ctx)

	env, err := NewEnvelope(TypeHeartbeat, 1, "", Heartbeat{})
	require.NoError(t, err)
	err = sender.Broadcast(ctx, env)

	var partial *PartialBroadcastError
	require.ErrorAs(t, err, &partial)
	assert.Contains(t, partial.Failed, PartyID(3))
	assert.NotContains(t, partial.Failed, PartyID(2))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*got) == 1
	})
}

func TestEnvelopeDecodeRoundTrip(t *testing.T) {
	payload := DKGCommitment{
		CeremonyID:  "ceremony-9",
		PartyID:     4,
		Commitments: []string{"02aa", "03bb"},
	}
	env, err := NewEnvelope(TypeDKGCommitment, 4, "ceremony-9", payload)
	require.NoError(t, err)

	var decoded DKGCommitment
	require.NoError(t, env.Decode(&decoded))
	assert.Equal(t, payload, decoded)
}

func TestDedupSetBounded(t *testing.T) {
	d := newDedupSet(3)
	assert.False(t, d.Observe("a"))
	assert.False(t, d.Observe("b"))
	assert.False(t, d.Observe("c"))
	assert.True(t, d.Observe("a"))

	// Inserting a fourth key evicts the oldest.
	assert.False(t, d.Observe("d"))
	assert.Equal(t, 3, d.Len())
	assert.False(t, d.Observe("a"))
}

func TestPartyIDValidity(t *testing.T) {
	assert.True(t, PartyID(1).IsValid(5))
	assert.True(t, PartyID(5).IsValid(5))
	assert.False(t, PartyID(0).IsValid(5))
	assert.False(t, PartyID(6).IsValid(5))
	assert.Equal(t, "validator-3", PartyID(3).String())
}
