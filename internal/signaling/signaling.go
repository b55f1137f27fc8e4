// Package signaling relays WebRTC negotiation frames between the two human
// sides of a session and tracks coarse call state. Payloads are opaque.
package signaling

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/park285/cheese-chess-server/internal/obslog"
	"github.com/park285/cheese-chess-server/internal/protocol"
	"go.uber.org/zap"
)

var (
	ErrNoPeer       = errors.New("no peer to relay to")
	ErrNotSignaling = errors.New("not a signaling message")
)

// Peer is the receiving end of a relayed frame.
type Peer interface {
	ID() string
	Send(protocol.Envelope)
}

// Pair resolves the counterpart of a sender and exposes call state.
// Route must be atomic with respect to membership changes.
type Pair interface {
	Route(from string, observe func(*CallState)) (Peer, error)
}

type Phase string

const (
	PhaseIdle      Phase = ""
	PhaseRequested Phase = "requested"
	PhaseActive    Phase = "active"
	PhaseEnded     Phase = "ended"
)

type CallState struct {
	Phase     Phase
	CallID    string
	Caller    string
	UpdatedAt time.Time
}

func (c *CallState) Active() bool { return c != nil && c.Phase == PhaseActive }

// Observe advances the call state for one relayed frame. Negotiation frames
// (offer, answer, candidates) leave it unchanged.
func (c *CallState) Observe(msgType, callID, from string, now time.Time) {
	switch msgType {
	case protocol.TypeVideoCallRequest:
		c.Phase = PhaseRequested
		c.CallID = callID
		c.Caller = from
	case protocol.TypeVideoCallAccepted:
		c.Phase = PhaseActive
		if callID != "" {
			c.CallID = callID
		}
	case protocol.TypeVideoCallRejected, protocol.TypeVideoCallEnded:
		c.Phase = PhaseEnded
	default:
		return
	}
	c.UpdatedAt = now
}

// End marks an open call as ended, e.g. when a side leaves.
func (c *CallState) End(now time.Time) {
	if c.Phase == PhaseRequested || c.Phase == PhaseActive {
		c.Phase = PhaseEnded
		c.UpdatedAt = now
	}
}

// Relay forwards env unchanged to the other side with From set to sender.
func Relay(pair Pair, sender Peer, env protocol.Envelope) error {
	if !protocol.IsSignaling(env.Type) {
		return ErrNotSignaling
	}
	if pair == nil {
		return ErrNoPeer
	}
	var cp protocol.CallPayload
	if len(env.Payload) > 0 {
		// payload stays opaque; callId is read only when present
		_ = json.Unmarshal(env.Payload, &cp)
	}
	peer, err := pair.Route(sender.ID(), func(c *CallState) {
		c.Observe(env.Type, cp.CallID, sender.ID(), time.Now())
	})
	if err != nil {
		return err
	}
	peer.Send(protocol.Envelope{Type: env.Type, Payload: env.Payload, From: sender.ID()})
	obslog.L().Debug("signal_relay",
		zap.String("type", env.Type),
		zap.String("from", sender.ID()),
		zap.String("to", peer.ID()),
	)
	return nil
}
