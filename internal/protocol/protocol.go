package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Message types exchanged over the game socket.
const (
	TypeSinglePlayer       = "single_player"
	TypeInitGame           = "init_game"
	TypeCreateRoom         = "create_room"
	TypeRoomCreated        = "room_created"
	TypeJoinRoom           = "join_room"
	TypeRoomJoined         = "room_joined"
	TypeRoomNotFound       = "room_not_found"
	TypeWaitingForOpponent = "waiting_for_opponent"
	TypeMove               = "move"
	TypeResign             = "resign"
	TypeGameOver           = "game_over"
	TypeError              = "error"

	TypeVideoCallRequest  = "video_call_request"
	TypeVideoCallAccepted = "video_call_accepted"
	TypeVideoCallRejected = "video_call_rejected"
	TypeVideoCallEnded    = "video_call_ended"
	TypeVideoOffer        = "video_offer"
	TypeVideoAnswer       = "video_answer"
	TypeICECandidate      = "ice_candidate"
)

// Game modes reported in init_game.
const (
	ModeSinglePlayer = "single_player"
	ModeMatched      = "matched"
	ModeRoom         = "room"
)

// Game-over reasons.
const (
	ReasonCheckmate            = "checkmate"
	ReasonStalemate            = "stalemate"
	ReasonThreefoldRepetition  = "threefold_repetition"
	ReasonInsufficientMaterial = "insufficient_material"
	ReasonFiftyMoveRule        = "fifty_move_rule"
	ReasonAbandonment          = "abandonment"
	ReasonResignation          = "resignation"
	ReasonInternalError        = "internal_error"
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
)

// Envelope is one frame on the wire. From is only set on relayed signaling frames.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	From    string          `json:"from,omitempty"`
}

var inbound = map[string]struct{}{
	TypeSinglePlayer:      {},
	TypeInitGame:          {},
	TypeCreateRoom:        {},
	TypeJoinRoom:          {},
	TypeMove:              {},
	TypeResign:            {},
	TypeVideoCallRequest:  {},
	TypeVideoCallAccepted: {},
	TypeVideoCallRejected: {},
	TypeVideoCallEnded:    {},
	TypeVideoOffer:        {},
	TypeVideoAnswer:       {},
	TypeICECandidate:      {},
}

// IsSignaling reports whether t is relayed between peers without interpretation.
func IsSignaling(t string) bool {
	switch t {
	case TypeVideoCallRequest, TypeVideoCallAccepted, TypeVideoCallRejected, TypeVideoCallEnded,
		TypeVideoOffer, TypeVideoAnswer, TypeICECandidate:
		return true
	}
	return false
}

// Decode parses a client frame. The returned envelope carries the type even when
// the error is ErrUnknownType so callers can report it.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	env.Type = strings.TrimSpace(env.Type)
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if _, ok := inbound[env.Type]; !ok {
		return env, fmt.Errorf("%w: %s", ErrUnknownType, env.Type)
	}
	// a client cannot spoof the relay sender id
	env.From = ""
	return env, nil
}

// DecodePayload unmarshals the envelope payload into v. An absent payload leaves v untouched.
func DecodePayload(env Envelope, v any) error {
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
	}
	return nil
}

// New builds an outbound envelope. Marshal failures only happen for programmer errors
// and yield an envelope without payload.
func New(t string, payload any) Envelope {
	env := Envelope{Type: t}
	if payload == nil {
		return env
	}
	raw, err := json.Marshal(payload)
	if err == nil {
		env.Payload = raw
	}
	return env
}

// MoveSpec is the move representation on the wire.
type MoveSpec struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

// UCI renders the move as a lower-case UCI token (e2e4, e7e8q).
func (m MoveSpec) UCI() string {
	return strings.ToLower(strings.TrimSpace(m.From) + strings.TrimSpace(m.To) + strings.TrimSpace(m.Promotion))
}

type MoveRequest struct {
	Move MoveSpec `json:"move"`
}

type MoveBroadcast struct {
	Move  MoveSpec `json:"move"`
	SAN   string   `json:"san"`
	FEN   string   `json:"fen"`
	Color string   `json:"color"`
	Check bool     `json:"check"`
}

type SinglePlayerRequest struct {
	Color string `json:"color,omitempty"`
	Level string `json:"level,omitempty"`
}

type JoinRoomRequest struct {
	RoomID string `json:"roomId"`
}

type InitGame struct {
	Color     string `json:"color"`
	SessionID string `json:"sessionId"`
	Mode      string `json:"mode"`
}

type RoomCreated struct {
	RoomID string `json:"roomId"`
}

type RoomJoined struct {
	Color     string `json:"color"`
	RoomID    string `json:"roomId"`
	SessionID string `json:"sessionId"`
}

type GameOver struct {
	Winner string `json:"winner,omitempty"`
	Reason string `json:"reason"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// CallPayload is the part of a signaling payload the server looks at.
type CallPayload struct {
	CallID string `json:"callId,omitempty"`
}
