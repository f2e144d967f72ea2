package dkg

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/kashguard/go-bridge-validator/internal/crypto"
	"github.com/kashguard/go-bridge-validator/internal/keystore"
	"github.com/kashguard/go-bridge-validator/internal/store"
	"github.com/kashguard/go-bridge-validator/internal/transport"
)

const defaultRoundTimeout = 60 * time.Second

// PeerDirectory resolves a peer's share-encryption identity, as announced
// in its VALIDATOR_REGISTER message.
type PeerDirectory interface {
	EncryptionKey(id transport.PartyID) (*ecdsa.PublicKey, error)
}

// Engine drives the Feldman-VSS Pedersen DKG for this party. It is
// strictly single-instance: at most one ceremony runs per process.
type Engine struct {
	cfg       Config
	bus       transport.Bus
	keys      keystore.Store
	artifacts store.Store
	peers     PeerDirectory
	identity  *ecdsa.PrivateKey

	mu      sync.Mutex
	running bool
	inboxes map[string]*inbox
}

// inbox buffers a ceremony's peer messages per round. Messages for rounds
// the engine has not reached yet simply wait in their channel, which is how
// the strictly-forward state machine avoids early application.
type inbox struct {
	commits   chan *transport.DKGCommitment
	shares    chan *transport.DKGShare
	pubShares chan *transport.DKGPublicKeyShare
}

// New builds an engine. identity is this party's long-lived secp256k1
// transport identity used to decrypt round-4 shares.
func New(cfg Config, bus transport.Bus, keys keystore.Store, artifacts store.Store, peers PeerDirectory, identity *ecdsa.PrivateKey) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid dkg config")
	}
	if cfg.RoundTimeout == 0 {
		cfg.RoundTimeout = defaultRoundTimeout
	}
	if identity == nil {
		return nil, errors.New("transport identity key is required")
	}
	return &Engine{
		cfg:       cfg,
		bus:       bus,
		keys:      keys,
		artifacts: artifacts,
		peers:     peers,
		identity:  identity,
		inboxes:   make(map[string]*inbox),
	}, nil
}

func (e *Engine) inboxFor(ceremonyID string) *inbox {
	e.mu.Lock()
	defer e.mu.Unlock()
	ib, ok := e.inboxes[ceremonyID]
	if !ok {
		depth := e.cfg.Parties * 2
		ib = &inbox{
			commits:   make(chan *transport.DKGCommitment, depth),
			shares:    make(chan *transport.DKGShare, depth),
			pubShares: make(chan *transport.DKGPublicKeyShare, depth),
		}
		e.inboxes[ceremonyID] = ib
	}
	return ib
}

// Running reports whether a ceremony is in flight.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) dropInbox(ceremonyID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inboxes, ceremonyID)
}

// HandleEnvelope is the bus callback for DKG message types. Envelopes are
// buffered into the ceremony inbox; a full inbox indicates a misbehaving
// peer and the surplus is dropped.
func (e *Engine) HandleEnvelope(ctx context.Context, env *transport.Envelope) error {
	switch env.Type {
	case transport.TypeDKGCommitment:
		var msg transport.DKGCommitment
		if err := env.Decode(&msg); err != nil {
			return err
		}
		if transport.PartyID(msg.PartyID) != env.Sender {
			return errors.Errorf("commitment names party %d but was sent by %d", msg.PartyID, env.Sender)
		}
		select {
		case e.inboxFor(msg.CeremonyID).commits <- &msg:
		default:
		}
	case transport.TypeDKGShare:
		var msg transport.DKGShare
		if err := env.Decode(&msg); err != nil {
			return err
		}
		if transport.PartyID(msg.FromParty) != env.Sender {
			return errors.Errorf("share names party %d but was sent by %d", msg.FromParty, env.Sender)
		}
		if transport.PartyID(msg.ToParty) != e.cfg.PartyID {
			return errors.Errorf("share for party %d delivered to %d", msg.ToParty, e.cfg.PartyID)
		}
		select {
		case e.inboxFor(msg.CeremonyID).shares <- &msg:
		default:
		}
	case transport.TypeDKGPublicKeyShare:
		var msg transport.DKGPublicKeyShare
		if err := env.Decode(&msg); err != nil {
			return err
		}
		if transport.PartyID(msg.PartyID) != env.Sender {
			return errors.Errorf("public share names party %d but was sent by %d", msg.PartyID, env.Sender)
		}
		select {
		case e.inboxFor(msg.CeremonyID).pubShares <- &msg:
		default:
		}
	default:
		return errors.Errorf("unexpected message type %s", env.Type)
	}
	return nil
}

// proofContext binds a commitment proof to one ceremony and party.
func proofContext(ceremonyID string, party transport.PartyID) []byte {
	return []byte(fmt.Sprintf("%s:%d", ceremonyID, party))
}

// Run executes the seven rounds and persists the outcome. It blocks until
// the ceremony completes, fails or times out.
func (e *Engine) Run(ctx context.Context, ceremonyID string) (*Result, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrCeremonyActive
	}
	e.running = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		e.dropInbox(ceremonyID)
	}()

	logger := log.With().
		Str("ceremony_id", ceremonyID).
		Int("party_id", int(e.cfg.PartyID)).
		Int("threshold", e.cfg.Threshold).
		Int("parties", e.cfg.Parties).
		Logger()
	logger.Info().Msg("Starting DKG ceremony")

	ib := e.inboxFor(ceremonyID)

	// Round 1: sample the polynomial and commit to its coefficients.
	poly, err := NewPolynomial(e.cfg.Threshold)
	if err != nil {
		return nil, err
	}
	commitments := poly.Commitments()
	proof, err := crypto.ProveKnowledge(poly.Secret(), commitments[0], proofContext(ceremonyID, e.cfg.PartyID))
	if err != nil {
		return nil, errors.Wrap(err, "failed to prove commitment knowledge")
	}
	logger.Debug().Str("round", RoundCommit.String()).Msg("Committed to polynomial")

	// Round 2: broadcast commitments with the proof of knowledge.
	commitHex := make([]string, len(commitments))
	for k, c := range commitments {
		commitHex[k] = hex.EncodeToString(c.Compress())
	}
	env, err := transport.NewEnvelope(transport.TypeDKGCommitment, e.cfg.PartyID, ceremonyID, transport.DKGCommitment{
		CeremonyID:  ceremonyID,
		PartyID:     int(e.cfg.PartyID),
		Commitments: commitHex,
		Proof:       proof,
	})
	if err != nil {
		return nil, err
	}
	if err := e.bus.Broadcast(ctx, env); err != nil {
		logger.Warn().Err(err).Msg("Commitment broadcast reached only part of the committee")
	}

	// Round 3: collect and verify every peer's commitments.
	peerCommitments := map[transport.PartyID][]crypto.Point{e.cfg.PartyID: commitments}
	err = e.collect(ctx, RoundVerifyCommitments, func(deadline <-chan time.Time) (transport.PartyID, error) {
		for {
			select {
			case msg := <-ib.commits:
				from := transport.PartyID(msg.PartyID)
				if _, seen := peerCommitments[from]; seen {
					continue // duplicate within round, ignore after first accepted
				}
				comms, err := e.verifyCommitment(ceremonyID, msg)
				if err != nil {
					return 0, err
				}
				peerCommitments[from] = comms
				return from, nil
			case <-deadline:
				return 0, timeoutError(e.cfg.Parties, RoundVerifyCommitments, peerCommitments)
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
	})
	if err != nil {
		return nil, err
	}
	logger.Debug().Str("round", RoundVerifyCommitments.String()).Msg("All commitments verified")

	// Round 4: evaluate the polynomial at every peer's id and send each
	// share encrypted to that peer's transport identity.
	for j := 1; j <= e.cfg.Parties; j++ {
		peer := transport.PartyID(j)
		if peer == e.cfg.PartyID {
			continue
		}
		shareVal, err := poly.Evaluate(j)
		if err != nil {
			return nil, err
		}
		encKey, err := e.peers.EncryptionKey(peer)
		if err != nil {
			return nil, errors.Wrapf(err, "no encryption key for party %d", peer)
		}
		shareBytes := make([]byte, 32)
		shareVal.FillBytes(shareBytes)
		sealed, err := crypto.EncryptForPeer(shareBytes, encKey)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encrypt share for party %d", peer)
		}
		shareEnv, err := transport.NewEnvelope(transport.TypeDKGShare, e.cfg.PartyID, ceremonyID, transport.DKGShare{
			CeremonyID:     ceremonyID,
			FromParty:      int(e.cfg.PartyID),
			ToParty:        j,
			EncryptedShare: hex.EncodeToString(sealed),
		})
		if err != nil {
			return nil, err
		}
		if err := e.bus.Send(ctx, peer, shareEnv); err != nil {
			logger.Warn().Err(err).Int("peer", j).Msg("Share delivery failed")
		}
	}

	// Round 5: collect every peer's share and run the Feldman check
	// against its commitments. A non-verifying share aborts the ceremony;
	// it is never silently accepted.
	selfShare, err := poly.Evaluate(int(e.cfg.PartyID))
	if err != nil {
		return nil, err
	}
	receivedShares := map[transport.PartyID]*big.Int{e.cfg.PartyID: selfShare}
	err = e.collect(ctx, RoundVerifyShares, func(deadline <-chan time.Time) (transport.PartyID, error) {
		for {
			select {
			case msg := <-ib.shares:
				from := transport.PartyID(msg.FromParty)
				if _, seen := receivedShares[from]; seen {
					continue
				}
				comms, ok := peerCommitments[from]
				if !ok {
					return 0, &ProtocolError{Party: from, Round: RoundVerifyShares, Reason: "share from party without verified commitments"}
				}
				shareVal, err := e.openShare(msg)
				if err != nil {
					return 0, &ProtocolError{Party: from, Round: RoundVerifyShares, Reason: err.Error()}
				}
				if !VerifyShare(shareVal, int(e.cfg.PartyID), comms) {
					return 0, &ProtocolError{Party: from, Round: RoundVerifyShares, Reason: "share does not match Feldman commitments"}
				}
				receivedShares[from] = shareVal
				return from, nil
			case <-deadline:
				return 0, timeoutError(e.cfg.Parties, RoundVerifyShares, receivedShares)
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
	})
	if err != nil {
		return nil, err
	}
	logger.Debug().Str("round", RoundVerifyShares.String()).Msg("All shares verified")

	// Round 6: assemble the key share and broadcast the public share.
	keyShare := big.NewInt(0)
	for _, s := range receivedShares {
		keyShare = crypto.AddScalars(keyShare, s)
	}
	pubShare := crypto.ScalarBaseMult(keyShare)
	pubEnv, err := transport.NewEnvelope(transport.TypeDKGPublicKeyShare, e.cfg.PartyID, ceremonyID, transport.DKGPublicKeyShare{
		CeremonyID:     ceremonyID,
		PartyID:        int(e.cfg.PartyID),
		PublicKeyShare: hex.EncodeToString(pubShare.Compress()),
	})
	if err != nil {
		return nil, err
	}
	if err := e.bus.Broadcast(ctx, pubEnv); err != nil {
		logger.Warn().Err(err).Msg("Public share broadcast reached only part of the committee")
	}

	// Round 7: collect the public shares, check each against the joint
	// commitments and aggregate the group key from the constant terms.
	pubShares := map[transport.PartyID]crypto.Point{e.cfg.PartyID: pubShare}
	err = e.collect(ctx, RoundAggregate, func(deadline <-chan time.Time) (transport.PartyID, error) {
		for {
			select {
			case msg := <-ib.pubShares:
				from := transport.PartyID(msg.PartyID)
				if _, seen := pubShares[from]; seen {
					continue
				}
				pt, err := parseHexPoint(msg.PublicKeyShare)
				if err != nil {
					return 0, &ProtocolError{Party: from, Round: RoundAggregate, Reason: "unparseable public share"}
				}
				// Feldman consistency: PubShare_j must equal the joint
				// polynomial evaluated at j in the exponent.
				expected := crypto.Point{}
				for _, comms := range peerCommitments {
					expected = expected.Add(EvaluateCommitments(comms, msg.PartyID))
				}
				if !pt.Equal(expected) {
					return 0, &ProtocolError{Party: from, Round: RoundAggregate, Reason: "public share inconsistent with commitments"}
				}
				pubShares[from] = pt
				return from, nil
			case <-deadline:
				return 0, timeoutError(e.cfg.Parties, RoundAggregate, pubShares)
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
	})
	if err != nil {
		return nil, err
	}

	groupKey := crypto.Point{}
	for _, comms := range peerCommitments {
		groupKey = groupKey.Add(comms[0])
	}

	// Persist: the share through the key store, the public artifacts for
	// audit. Only after both succeed is the ceremony done.
	shareBytes := make([]byte, 32)
	keyShare.FillBytes(shareBytes)
	err = e.keys.Put(ctx, e.cfg.KeyID, shareBytes, keystore.Metadata{
		Algorithm: keystore.AlgorithmSchnorrSecp256k1,
		CreatedAt: time.Now().UTC(),
		Usages:    []string{"threshold-sign"},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to persist key share")
	}

	participants := make([]transport.PartyID, 0, e.cfg.Parties)
	artifact := &store.DKGArtifact{
		CeremonyID:     ceremonyID,
		KeyID:          e.cfg.KeyID,
		Threshold:      e.cfg.Threshold,
		Parties:        e.cfg.Parties,
		GroupPublicKey: hex.EncodeToString(groupKey.Compress()),
		PublicShares:   make(map[int]string, len(pubShares)),
		Commitments:    make(map[int][]string, len(peerCommitments)),
		CreatedAt:      time.Now().UTC(),
	}
	for id, pt := range pubShares {
		participants = append(participants, id)
		artifact.PublicShares[int(id)] = hex.EncodeToString(pt.Compress())
	}
	sort.Slice(participants, func(a, b int) bool { return participants[a] < participants[b] })
	for _, id := range participants {
		artifact.Participants = append(artifact.Participants, int(id))
	}
	for id, comms := range peerCommitments {
		commHex := make([]string, len(comms))
		for k, c := range comms {
			commHex[k] = hex.EncodeToString(c.Compress())
		}
		artifact.Commitments[int(id)] = commHex
	}
	if err := e.artifacts.SaveDKGArtifact(ctx, artifact); err != nil {
		return nil, errors.Wrap(err, "failed to persist dkg artifacts")
	}

	logger.Info().
		Str("group_key", artifact.GroupPublicKey).
		Msg("DKG ceremony complete")

	return &Result{
		CeremonyID:   ceremonyID,
		KeyID:        e.cfg.KeyID,
		GroupKey:     groupKey,
		PublicShares: pubShares,
		Participants: participants,
	}, nil
}

// collect runs one receiving round until every peer has delivered or the
// round deadline expires.
func (e *Engine) collect(ctx context.Context, round Round, recv func(deadline <-chan time.Time) (transport.PartyID, error)) error {
	timer := time.NewTimer(e.cfg.RoundTimeout)
	defer timer.Stop()
	for received := 1; received < e.cfg.Parties; received++ {
		if _, err := recv(timer.C); err != nil {
			return err
		}
	}
	return nil
}

// timeoutError builds the round timeout error from whichever party set the
// round was tracking.
func timeoutError[V any](parties int, round Round, got map[transport.PartyID]V) error {
	var missing []transport.PartyID
	for j := 1; j <= parties; j++ {
		if _, ok := got[transport.PartyID(j)]; !ok {
			missing = append(missing, transport.PartyID(j))
		}
	}
	return &TimeoutError{Round: round, Missing: missing}
}

// verifyCommitment checks length and the proof of knowledge.
func (e *Engine) verifyCommitment(ceremonyID string, msg *transport.DKGCommitment) ([]crypto.Point, error) {
	from := transport.PartyID(msg.PartyID)
	if len(msg.Commitments) != e.cfg.Threshold {
		return nil, &ProtocolError{
			Party:  from,
			Round:  RoundVerifyCommitments,
			Reason: fmt.Sprintf("expected %d commitments, got %d", e.cfg.Threshold, len(msg.Commitments)),
		}
	}
	comms := make([]crypto.Point, len(msg.Commitments))
	for k, h := range msg.Commitments {
		pt, err := parseHexPoint(h)
		if err != nil {
			return nil, &ProtocolError{Party: from, Round: RoundVerifyCommitments, Reason: "unparseable commitment"}
		}
		comms[k] = pt
	}
	if msg.Proof == nil || !msg.Proof.Verify(comms[0], proofContext(ceremonyID, from)) {
		return nil, &ProtocolError{Party: from, Round: RoundVerifyCommitments, Reason: "invalid proof of knowledge"}
	}
	return comms, nil
}

// openShare decrypts and bounds-checks an incoming share.
func (e *Engine) openShare(msg *transport.DKGShare) (*big.Int, error) {
	sealed, err := hex.DecodeString(msg.EncryptedShare)
	if err != nil {
		return nil, errors.Wrap(err, "undecodable share")
	}
	plain, err := crypto.DecryptFromPeer(sealed, e.identity)
	if err != nil {
		return nil, errors.Wrap(err, "share decryption failed")
	}
	if len(plain) != 32 {
		return nil, errors.Errorf("share has %d bytes, want 32", len(plain))
	}
	return new(big.Int).SetBytes(plain), nil
}

func parseHexPoint(h string) (crypto.Point, error) {
	b, err := hex.DecodeString(h)
	if err != nil {
		return crypto.Point{}, errors.Wrap(err, "invalid hex")
	}
	return crypto.ParsePoint(b)
}
