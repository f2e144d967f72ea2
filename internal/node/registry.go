package node

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/kashguard/go-bridge-validator/internal/transport"
)

const defaultHeartbeatWindow = 10 * time.Second

// Peer is what the registry knows about one committee member.
type Peer struct {
	ID            transport.PartyID
	EncryptionKey *ecdsa.PublicKey
	RegisteredAt  time.Time
	LastHeartbeat time.Time
	LastStatus    transport.Heartbeat
}

// Registry tracks committee membership, share-encryption identities and
// heartbeat-based availability. It is the availability view participant
// selection runs over.
type Registry struct {
	self   transport.PartyID
	total  int
	window time.Duration

	mu    sync.RWMutex
	peers map[transport.PartyID]*Peer

	now func() time.Time
}

// NewRegistry builds a registry for a committee of total parties.
func NewRegistry(self transport.PartyID, total int, window time.Duration) *Registry {
	if window == 0 {
		window = defaultHeartbeatWindow
	}
	return &Registry{
		self:   self,
		total:  total,
		window: window,
		peers:  make(map[transport.PartyID]*Peer),
		now:    time.Now,
	}
}

// HandleRegister records a peer's VALIDATOR_REGISTER announcement.
func (r *Registry) HandleRegister(ctx context.Context, env *transport.Envelope) error {
	var msg transport.ValidatorRegister
	if err := env.Decode(&msg); err != nil {
		return err
	}
	id := transport.PartyID(msg.ValidatorID)
	if id != env.Sender {
		return errors.Errorf("registration names party %d but was sent by %d", msg.ValidatorID, env.Sender)
	}
	if !id.IsValid(r.total) {
		return errors.Errorf("registration from party %d outside committee of %d", msg.ValidatorID, r.total)
	}

	keyBytes, err := hex.DecodeString(msg.EncryptionKey)
	if err != nil {
		return errors.Wrap(err, "undecodable encryption key")
	}
	encKey, err := ethcrypto.DecompressPubkey(keyBytes)
	if err != nil {
		return errors.Wrap(err, "invalid encryption key")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.peers[id]
	if !ok {
		peer = &Peer{ID: id, RegisteredAt: r.now()}
		r.peers[id] = peer
	}
	peer.EncryptionKey = encKey
	peer.LastHeartbeat = r.now()

	log.Info().Int("party_id", int(id)).Msg("Validator registered")
	return nil
}

// HandleHeartbeat records a peer's HEARTBEAT.
func (r *Registry) HandleHeartbeat(ctx context.Context, env *transport.Envelope) error {
	var msg transport.Heartbeat
	if err := env.Decode(&msg); err != nil {
		return err
	}
	if !env.Sender.IsValid(r.total) {
		return errors.Errorf("heartbeat from party %d outside committee of %d", env.Sender, r.total)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.peers[env.Sender]
	if !ok {
		peer = &Peer{ID: env.Sender, RegisteredAt: r.now()}
		r.peers[env.Sender] = peer
	}
	peer.LastHeartbeat = r.now()
	peer.LastStatus = msg
	return nil
}

// EncryptionKey implements dkg.PeerDirectory.
func (r *Registry) EncryptionKey(id transport.PartyID) (*ecdsa.PublicKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.peers[id]
	if !ok || peer.EncryptionKey == nil {
		return nil, errors.Errorf("party %d has not registered an encryption key", id)
	}
	return peer.EncryptionKey, nil
}

// Available returns the sorted party ids currently considered live: this
// party itself plus every peer that heartbeated within the window.
func (r *Registry) Available() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cutoff := r.now().Add(-r.window)
	ids := []int{int(r.self)}
	for id, peer := range r.peers {
		if id == r.self {
			continue
		}
		if peer.LastHeartbeat.After(cutoff) {
			ids = append(ids, int(id))
		}
	}
	sort.Ints(ids)
	return ids
}

// Peers returns a snapshot for the status surface.
func (r *Registry) Peers() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}
