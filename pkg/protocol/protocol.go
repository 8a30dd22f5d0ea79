package protocol

import (
	"encoding/json"
	"time"

	"github.com/park285/chess-arena/internal/game"
)

// EventType is the message vocabulary shared by both transports.
type EventType string

const (
	EventJoin          EventType = "join"
	EventStateSnapshot EventType = "state-snapshot"
	EventPeerJoined    EventType = "peer-joined"
	EventMoveSubmit    EventType = "move-submit"
	EventMoveApplied   EventType = "move-applied"
	EventPeerLeft      EventType = "peer-left"
	EventSignalReady   EventType = "signal-ready"
	EventPeerAvailable EventType = "peer-available"
	EventSignalOffer   EventType = "signal-offer"
	EventSignalAnswer  EventType = "signal-answer"
	EventSignalICE     EventType = "signal-ice"
	EventGameOver      EventType = "game-over"
	EventError         EventType = "error"
)

// Signaling reports whether t carries addressed WebRTC handshake traffic.
func (t EventType) Signaling() bool {
	switch t {
	case EventSignalOffer, EventSignalAnswer, EventSignalICE:
		return true
	}
	return false
}

// Envelope is one frame on the persistent transport.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope.
func NewEnvelope(t EventType, payload any) (Envelope, error) {
	env := Envelope{Type: t}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return env, err
		}
		env.Payload = raw
	}
	return env, nil
}

type JoinPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// SnapshotPayload answers a join: the caller's seat plus the authoritative state.
type SnapshotPayload struct {
	Seat  game.Seat  `json:"seat"`
	State game.State `json:"state"`
}

type PeerJoinedPayload struct {
	UserID string    `json:"userId"`
	Seat   game.Seat `json:"seat"`
}

type MoveSubmitPayload struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

type MoveAppliedPayload struct {
	Move  game.Move  `json:"move"`
	State game.State `json:"state"`
}

type PeerLeftPayload struct {
	ParticipantID string `json:"participantId"`
}

type PeerAvailablePayload struct {
	PeerID string `json:"peerId"`
	// Initiator marks exactly one side of the pairing — the one that called
	// ready second — as responsible for creating the offer, so two sides
	// becoming ready in the same window never produce colliding offers.
	Initiator bool `json:"initiator"`
}

// SignalPayload wraps offer/answer/ICE traffic. The relay never interprets
// Payload; FromID is stamped server-side on delivery.
type SignalPayload struct {
	ToID    string          `json:"toId,omitempty"`
	FromID  string          `json:"fromId,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type GameOverPayload struct {
	Outcome string `json:"outcome"` // "white" | "black" | "draw"
	Method  string `json:"method,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event is one durable entry of the stateless transport's per-room log.
// TargetID restricts delivery: a targeted event is only ever returned to the
// participant it is addressed to.
type Event struct {
	ID        string          `json:"id"`
	RoomID    string          `json:"roomId"`
	SenderID  string          `json:"senderId"`
	TargetID  string          `json:"targetId,omitempty"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}
