package dkg

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"math/big"
	"sync"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kashguard/go-bridge-validator/internal/crypto"
	"github.com/kashguard/go-bridge-validator/internal/keystore"
	"github.com/kashguard/go-bridge-validator/internal/store"
	"github.com/kashguard/go-bridge-validator/internal/transport"
)

// testDirectory is a static PeerDirectory over generated identities.
type testDirectory struct {
	keys map[transport.PartyID]*ecdsa.PrivateKey
}

func newTestDirectory(t *testing.T, parties int) *testDirectory {
	t.Helper()
	d := &testDirectory{keys: make(map[transport.PartyID]*ecdsa.PrivateKey)}
	for j := 1; j <= parties; j++ {
		key, err := ethcrypto.GenerateKey()
		require.NoError(t, err)
		d.keys[transport.PartyID(j)] = key
	}
	return d
}

func (d *testDirectory) EncryptionKey(id transport.PartyID) (*ecdsa.PublicKey, error) {
	key, ok := d.keys[id]
	if !ok {
		return nil, errors.Errorf("no key for party %d", id)
	}
	return &key.PublicKey, nil
}

type testParty struct {
	id     transport.PartyID
	bus    *transport.MemoryBus
	keys   *keystore.MemoryStore
	engine *Engine
}

func newTestParty(t *testing.T, net *transport.MemoryNetwork, dir *testDirectory, id transport.PartyID, threshold, parties int, timeout time.Duration) *testParty {
	t.Helper()
	bus := net.Join(id)
	keys := keystore.NewMemoryStore()
	engine, err := New(Config{
		PartyID:      id,
		Threshold:    threshold,
		Parties:      parties,
		KeyID:        "bridge-group-key",
		RoundTimeout: timeout,
	}, bus, keys, store.NewMemoryStore(), dir, dir.keys[id])
	require.NoError(t, err)
	bus.SetHandler(engine.HandleEnvelope)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Stop(context.Background()) })
	return &testParty{id: id, bus: bus, keys: keys, engine: engine}
}

func TestHappyDKG(t *testing.T) {
	const threshold, parties = 3, 5
	net := transport.NewMemoryNetwork()
	dir := newTestDirectory(t, parties)

	members := make([]*testParty, 0, parties)
	for j := 1; j <= parties; j++ {
		members = append(members, newTestParty(t, net, dir, transport.PartyID(j), threshold, parties, 5*time.Second))
	}

	var wg sync.WaitGroup
	results := make([]*Result, parties)
	errs := make([]error, parties)
	for i, m := range members {
		wg.Add(1)
		go func(i int, m *testParty) {
			defer wg.Done()
			results[i], errs[i] = m.engine.Run(context.Background(), "ceremony-1")
		}(i, m)
	}
	wg.Wait()

	for i := range members {
		require.NoError(t, errs[i], "party %d failed", i+1)
		require.NotNil(t, results[i])
	}

	// Every party must compute the identical 33-byte group key.
	groupKey := results[0].GroupKey
	assert.Len(t, groupKey.Compress(), crypto.CompressedPointSize)
	for i := 1; i < parties; i++ {
		assert.True(t, groupKey.Equal(results[i].GroupKey), "party %d computed a different group key", i+1)
	}

	// Public share views must agree, and every key share must have been
	// persisted under the agreed key id.
	for i, m := range members {
		for id, pt := range results[0].PublicShares {
			assert.True(t, pt.Equal(results[i].PublicShares[id]))
		}
		pub, err := m.keys.PublicKey(context.Background(), "bridge-group-key")
		require.NoError(t, err)
		assert.True(t, pub.Equal(results[0].PublicShares[m.id]))
	}

	// Any t-subset of public shares must interpolate to the group key.
	for _, subset := range [][]int{{1, 2, 3}, {2, 4, 5}, {1, 3, 5}} {
		interpolated := crypto.Point{}
		for _, id := range subset {
			lambda, err := crypto.LagrangeCoefficient(id, subset)
			require.NoError(t, err)
			interpolated = interpolated.Add(results[0].PublicShares[transport.PartyID(id)].ScalarMult(lambda))
		}
		assert.True(t, interpolated.Equal(groupKey), "subset %v must interpolate to the group key", subset)
	}
}

func TestDKGTimeoutOnSilentParty(t *testing.T) {
	const threshold, parties = 3, 5
	net := transport.NewMemoryNetwork()
	dir := newTestDirectory(t, parties)

	members := make([]*testParty, 0, parties-1)
	for j := 1; j <= 4; j++ {
		members = append(members, newTestParty(t, net, dir, transport.PartyID(j), threshold, parties, 500*time.Millisecond))
	}

	// Party 5 broadcasts a valid round-2 commitment and then goes silent.
	silent := net.Join(5)
	require.NoError(t, silent.Start(context.Background()))
	defer silent.Stop(context.Background())
	poly, err := NewPolynomial(threshold)
	require.NoError(t, err)
	comms := poly.Commitments()
	proof, err := crypto.ProveKnowledge(poly.Secret(), comms[0], proofContext("ceremony-1", 5))
	require.NoError(t, err)
	commitHex := make([]string, len(comms))
	for k, c := range comms {
		commitHex[k] = hex.EncodeToString(c.Compress())
	}
	env, err := transport.NewEnvelope(transport.TypeDKGCommitment, 5, "ceremony-1", transport.DKGCommitment{
		CeremonyID:  "ceremony-1",
		PartyID:     5,
		Commitments: commitHex,
		Proof:       proof,
	})
	require.NoError(t, err)
	require.NoError(t, silent.Broadcast(context.Background(), env))

	var wg sync.WaitGroup
	errs := make([]error, len(members))
	for i, m := range members {
		wg.Add(1)
		go func(i int, m *testParty) {
			defer wg.Done()
			_, errs[i] = m.engine.Run(context.Background(), "ceremony-1")
		}(i, m)
	}
	wg.Wait()

	for i, m := range members {
		require.Error(t, errs[i], "party %d should have timed out", m.id)
		var timeout *TimeoutError
		require.ErrorAs(t, errs[i], &timeout)
		assert.Equal(t, RoundVerifyShares, timeout.Round)
		assert.Equal(t, []transport.PartyID{5}, timeout.Missing)

		// No key share may have been persisted.
		_, err := m.keys.PublicKey(context.Background(), "bridge-group-key")
		assert.ErrorIs(t, err, keystore.ErrKeyNotFound)
	}
}

func TestDKGRejectsCorruptedShare(t *testing.T) {
	const threshold, parties = 2, 3
	net := transport.NewMemoryNetwork()
	dir := newTestDirectory(t, parties)

	victim := newTestParty(t, net, dir, 1, threshold, parties, 2*time.Second)
	honest := newTestParty(t, net, dir, 2, threshold, parties, 500*time.Millisecond)

	// Party 3 is malicious: honest commitments, corrupted share to party 1.
	malicious := net.Join(3)
	require.NoError(t, malicious.Start(context.Background()))
	defer malicious.Stop(context.Background())

	poly, err := NewPolynomial(threshold)
	require.NoError(t, err)
	comms := poly.Commitments()
	proof, err := crypto.ProveKnowledge(poly.Secret(), comms[0], proofContext("ceremony-1", 3))
	require.NoError(t, err)
	commitHex := make([]string, len(comms))
	for k, c := range comms {
		commitHex[k] = hex.EncodeToString(c.Compress())
	}
	commitEnv, err := transport.NewEnvelope(transport.TypeDKGCommitment, 3, "ceremony-1", transport.DKGCommitment{
		CeremonyID:  "ceremony-1",
		PartyID:     3,
		Commitments: commitHex,
		Proof:       proof,
	})
	require.NoError(t, err)
	require.NoError(t, malicious.Broadcast(context.Background(), commitEnv))

	sendShare := func(to transport.PartyID, share *big.Int) {
		shareBytes := make([]byte, 32)
		share.FillBytes(shareBytes)
		encKey, err := dir.EncryptionKey(to)
		require.NoError(t, err)
		sealed, err := crypto.EncryptForPeer(shareBytes, encKey)
		require.NoError(t, err)
		env, err := transport.NewEnvelope(transport.TypeDKGShare, 3, "ceremony-1", transport.DKGShare{
			CeremonyID:     "ceremony-1",
			FromParty:      3,
			ToParty:        int(to),
			EncryptedShare: hex.EncodeToString(sealed),
		})
		require.NoError(t, err)
		require.NoError(t, malicious.Send(context.Background(), to, env))
	}

	shareFor1, err := poly.Evaluate(1)
	require.NoError(t, err)
	sendShare(1, crypto.AddScalars(shareFor1, big.NewInt(1))) // corrupted
	shareFor2, err := poly.Evaluate(2)
	require.NoError(t, err)
	sendShare(2, shareFor2) // honest

	var wg sync.WaitGroup
	var victimErr, honestErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, victimErr = victim.engine.Run(context.Background(), "ceremony-1")
	}()
	go func() {
		defer wg.Done()
		_, honestErr = honest.engine.Run(context.Background(), "ceremony-1")
	}()
	wg.Wait()

	// The corrupted share must abort party 1's ceremony, naming party 3.
	var violation *ProtocolError
	require.ErrorAs(t, victimErr, &violation)
	assert.Equal(t, transport.PartyID(3), violation.Party)
	assert.Equal(t, RoundVerifyShares, violation.Round)

	// No key share may be persisted by either party.
	_, err = victim.keys.PublicKey(context.Background(), "bridge-group-key")
	assert.ErrorIs(t, err, keystore.ErrKeyNotFound)
	_, err = honest.keys.PublicKey(context.Background(), "bridge-group-key")
	assert.ErrorIs(t, err, keystore.ErrKeyNotFound)
	assert.Error(t, honestErr) // party 3 never finishes, so party 2 times out
}

func TestSingleCeremonyGuard(t *testing.T) {
	net := transport.NewMemoryNetwork()
	dir := newTestDirectory(t, 3)
	member := newTestParty(t, net, dir, 1, 2, 3, 200*time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = member.engine.Run(context.Background(), "ceremony-a")
	}()

	// Give the first ceremony time to take the guard, then the second
	// invocation must be refused.
	time.Sleep(50 * time.Millisecond)
	_, err := member.engine.Run(context.Background(), "ceremony-b")
	assert.ErrorIs(t, err, ErrCeremonyActive)
	wg.Wait()
}
