// Package relay blindly forwards WebRTC handshake messages between the two
// seated participants of a room. Payloads are never interpreted; the relay
// only tracks readiness and per-pair handshake phase so teardown is clean.
package relay

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/park285/chess-arena/pkg/protocol"
)

// Phase of one ordered handshake pair (offerer → answerer).
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseOfferSent      Phase = "offer-sent"
	PhaseAnswerReceived Phase = "answer-received"
	PhaseConnected      Phase = "connected"
)

// SendFunc delivers an event to a participant's live connection. It returns
// false when the participant has no live connection; the relay then drops the
// message (the sender re-issues signal-ready to restart the handshake).
type SendFunc func(participantID string, t protocol.EventType, payload any) bool

// Relay is not safe for concurrent use: it is owned by the room dispatcher
// and every call happens on that goroutine.
type Relay struct {
	send   SendFunc
	log    *zap.Logger
	ready  []string         // insertion order, at most two
	phases map[string]Phase // ordered pair key → phase
}

func New(send SendFunc, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{send: send, log: log, phases: make(map[string]Phase)}
}

// Ready marks the participant as ready for media. When a second participant
// becomes ready both sides receive peer-available; the second caller gets the
// initiator flag and is the only side allowed to create an offer.
func (r *Relay) Ready(participantID string) {
	for _, id := range r.ready {
		if id == participantID {
			return
		}
	}
	if len(r.ready) >= 2 {
		r.log.Debug("signal_ready_ignored", zap.String("participant", participantID))
		return
	}
	r.ready = append(r.ready, participantID)
	if len(r.ready) < 2 {
		return
	}

	first, second := r.ready[0], r.ready[1]
	r.phases[pairKey(second, first)] = PhaseIdle
	r.send(second, protocol.EventPeerAvailable, protocol.PeerAvailablePayload{PeerID: first, Initiator: true})
	r.send(first, protocol.EventPeerAvailable, protocol.PeerAvailablePayload{PeerID: second, Initiator: false})
	r.log.Info("signal_paired", zap.String("offerer", second), zap.String("answerer", first))
}

// Relay forwards payload verbatim to toID, stamped with fromID. Dead targets
// are dropped; there is no retry built into the relay.
func (r *Relay) Relay(t protocol.EventType, fromID, toID string, payload json.RawMessage) {
	if !r.send(toID, t, protocol.SignalPayload{FromID: fromID, Payload: payload}) {
		r.log.Debug("signal_drop",
			zap.String("type", string(t)),
			zap.String("from", fromID),
			zap.String("to", toID),
		)
		return
	}
	switch t {
	case protocol.EventSignalOffer:
		if r.phases[pairKey(fromID, toID)] != PhaseConnected {
			r.phases[pairKey(fromID, toID)] = PhaseOfferSent
		}
	case protocol.EventSignalAnswer:
		if r.phases[pairKey(toID, fromID)] == PhaseOfferSent {
			r.phases[pairKey(toID, fromID)] = PhaseAnswerReceived
		}
	case protocol.EventSignalICE:
		for _, k := range []string{pairKey(fromID, toID), pairKey(toID, fromID)} {
			if r.phases[k] == PhaseAnswerReceived {
				r.phases[k] = PhaseConnected
			}
		}
	}
}

// Disconnect tears down the participant's signaling state and tells the
// remaining ready peer to release its media resources. This is the single
// removal site for relay entries.
func (r *Relay) Disconnect(participantID string) {
	idx := -1
	for i, id := range r.ready {
		if id == participantID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	r.ready = append(r.ready[:idx], r.ready[idx+1:]...)
	for k := range r.phases {
		delete(r.phases, k)
	}
	for _, peer := range r.ready {
		r.send(peer, protocol.EventPeerLeft, protocol.PeerLeftPayload{ParticipantID: participantID})
	}
}

// Phase reports the handshake phase for the ordered pair offerer→answerer.
func (r *Relay) Phase(offererID, answererID string) Phase {
	if p, ok := r.phases[pairKey(offererID, answererID)]; ok {
		return p
	}
	return PhaseIdle
}

func pairKey(from, to string) string { return from + "->" + to }
