package node

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/kashguard/go-bridge-validator/internal/transport"
)

// Dispatcher fans inbound bus envelopes out to the component that owns the
// message type. The bus holds only this narrow callback, never the
// coordinator or engine types themselves.
type Dispatcher struct {
	registry *Registry
	dkg      transport.Handler
	signing  transport.Handler
	// onDKGStart launches a ceremony when a peer (or the operator API on a
	// peer) kicks one off.
	onDKGStart func(ctx context.Context, msg transport.DKGStart)
	// observe counts messages for the metrics surface; optional.
	observe func(msgType string)
}

// NewDispatcher wires the routing table.
func NewDispatcher(registry *Registry, dkg transport.Handler, signing transport.Handler, onDKGStart func(ctx context.Context, msg transport.DKGStart), observe func(msgType string)) *Dispatcher {
	return &Dispatcher{
		registry:   registry,
		dkg:        dkg,
		signing:    signing,
		onDKGStart: onDKGStart,
		observe:    observe,
	}
}

// Handle implements transport.Handler.
func (d *Dispatcher) Handle(ctx context.Context, env *transport.Envelope) error {
	if d.observe != nil {
		d.observe(string(env.Type))
	}
	switch env.Type {
	case transport.TypeValidatorRegister:
		return d.registry.HandleRegister(ctx, env)
	case transport.TypeHeartbeat:
		return d.registry.HandleHeartbeat(ctx, env)
	case transport.TypeDKGStart:
		var msg transport.DKGStart
		if err := env.Decode(&msg); err != nil {
			return err
		}
		if d.onDKGStart != nil {
			d.onDKGStart(ctx, msg)
		}
		return nil
	case transport.TypeDKGCommitment, transport.TypeDKGShare, transport.TypeDKGPublicKeyShare:
		return d.dkg(ctx, env)
	case transport.TypeSignalEvent, transport.TypeSigningRequest, transport.TypeNonceCommitment,
		transport.TypeNonceReveal, transport.TypePartialSignature, transport.TypeSignatureComplete:
		return d.signing(ctx, env)
	default:
		log.Warn().Str("type", string(env.Type)).Int("from", int(env.Sender)).Msg("Dropping unknown message type")
		return nil
	}
}
