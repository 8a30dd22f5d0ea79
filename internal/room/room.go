package room

import (
	"errors"

	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/game"
	"github.com/park285/chess-arena/internal/relay"
	"github.com/park285/chess-arena/pkg/protocol"
)

var errRoomClosed = errors.New("room closed")

type participant struct {
	sess   Session
	userID string
	seat   game.Seat
}

// Room state is owned by a single dispatcher goroutine; every mutation is an
// op executed on that goroutine, so no locking is needed inside.
type Room struct {
	id  string
	reg *Registry
	log *zap.Logger

	ops  chan func()
	done chan struct{}

	// owned by the dispatcher goroutine
	state   *game.State
	members map[string]*participant // connection id → participant
	relay   *relay.Relay
	closing bool
}

func newRoom(id string, reg *Registry) *Room {
	rm := &Room{
		id:      id,
		reg:     reg,
		log:     reg.log.With(zap.String("room_id", id)),
		ops:     make(chan func(), 32),
		done:    make(chan struct{}),
		state:   game.NewState(),
		members: make(map[string]*participant),
	}
	rm.relay = relay.New(rm.sendTo, rm.log)
	return rm
}

func (rm *Room) run() {
	defer close(rm.done)
	for op := range rm.ops {
		op()
		if rm.closing {
			return
		}
	}
}

func (rm *Room) stop() {
	rm.do(func() { rm.closing = true })
}

// do runs op on the dispatcher goroutine and waits for it. Returns
// errRoomClosed when the room has been evicted.
func (rm *Room) do(op func()) error {
	ran := make(chan struct{})
	wrapped := func() {
		op()
		close(ran)
	}
	select {
	case rm.ops <- wrapped:
	case <-rm.done:
		return errRoomClosed
	}
	select {
	case <-ran:
		return nil
	case <-rm.done:
		// The op may still have run right before shutdown.
		select {
		case <-ran:
			return nil
		default:
			return errRoomClosed
		}
	}
}

func (rm *Room) join(userID string, sess Session) (*JoinReply, error) {
	var reply *JoinReply
	err := rm.do(func() {
		seat := game.SeatSpectator
		switch {
		case rm.seatHolder(game.SeatWhite) == nil:
			seat = game.SeatWhite
		case rm.seatHolder(game.SeatBlack) == nil && rm.seatHolder(game.SeatWhite).userID != userID:
			seat = game.SeatBlack
		}
		p := &participant{sess: sess, userID: userID, seat: seat}
		rm.broadcast(protocol.EventPeerJoined, protocol.PeerJoinedPayload{UserID: userID, Seat: seat}, "")
		rm.members[sess.ID()] = p
		reply = &JoinReply{Seat: seat, State: *rm.state.Clone()}
		rm.log.Info("room_join",
			zap.String("user_id", userID),
			zap.String("conn_id", sess.ID()),
			zap.String("seat", string(seat)),
		)
	})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

func (rm *Room) leave(connID string) {
	_ = rm.do(func() {
		p := rm.members[connID]
		if p == nil {
			return
		}
		delete(rm.members, connID)
		rm.relay.Disconnect(connID)
		rm.broadcast(protocol.EventPeerLeft, protocol.PeerLeftPayload{ParticipantID: connID}, "")
		rm.log.Info("room_leave", zap.String("conn_id", connID), zap.String("user_id", p.userID))
		if len(rm.members) == 0 {
			rm.reg.evict(rm)
			rm.closing = true
		}
	})
}

func (rm *Room) submitMove(connID string, mp protocol.MoveSubmitPayload) error {
	var out error
	err := rm.do(func() {
		p := rm.members[connID]
		if p == nil {
			out = game.ErrNotParticipant
			return
		}
		mv, err := rm.reg.machine.Apply(rm.state, p.seat, mp.From, mp.To, mp.Promotion)
		if err != nil {
			out = err
			return
		}
		snapshot := *rm.state.Clone()
		rm.broadcast(protocol.EventMoveApplied, protocol.MoveAppliedPayload{Move: mv, State: snapshot}, "")
		rm.log.Info("move_applied",
			zap.String("user_id", p.userID),
			zap.String("san", mv.SAN),
			zap.String("turn", string(snapshot.Turn)),
			zap.Int("history", len(snapshot.History)),
		)
		if snapshot.Status != game.StatusActive {
			rm.broadcast(protocol.EventGameOver, protocol.GameOverPayload{Outcome: snapshot.Outcome, Method: snapshot.Method}, "")
			white, black := rm.seatUser(game.SeatWhite), rm.seatUser(game.SeatBlack)
			st := rm.state.Clone()
			go rm.reg.archiveResult(rm.id, white, black, st)
		}
	})
	if err != nil {
		return game.ErrRoomNotFound
	}
	return out
}

func (rm *Room) ready(connID string) error {
	var out error
	err := rm.do(func() {
		p := rm.members[connID]
		if p == nil {
			out = game.ErrNotParticipant
			return
		}
		if _, seated := p.seat.Color(); !seated {
			// Media is a player-to-player channel; spectators never signal.
			out = game.ErrInvalidRequest
			return
		}
		rm.relay.Ready(connID)
	})
	if err != nil {
		return game.ErrRoomNotFound
	}
	return out
}

func (rm *Room) signal(t protocol.EventType, connID string, sp protocol.SignalPayload) error {
	var out error
	err := rm.do(func() {
		if rm.members[connID] == nil {
			out = game.ErrNotParticipant
			return
		}
		rm.relay.Relay(t, connID, sp.ToID, sp.Payload)
	})
	if err != nil {
		return game.ErrRoomNotFound
	}
	return out
}

// broadcast fans an event out to every member except the excluded connection.
func (rm *Room) broadcast(t protocol.EventType, payload any, exceptConnID string) {
	for id, p := range rm.members {
		if id == exceptConnID {
			continue
		}
		if !p.sess.Send(t, payload) {
			rm.log.Warn("broadcast_drop", zap.String("conn_id", id), zap.String("type", string(t)))
		}
	}
}

func (rm *Room) sendTo(connID string, t protocol.EventType, payload any) bool {
	p := rm.members[connID]
	if p == nil {
		return false
	}
	return p.sess.Send(t, payload)
}

func (rm *Room) seatHolder(seat game.Seat) *participant {
	for _, p := range rm.members {
		if p.seat == seat {
			return p
		}
	}
	return nil
}

func (rm *Room) seatUser(seat game.Seat) string {
	if p := rm.seatHolder(seat); p != nil {
		return p.userID
	}
	return ""
}
