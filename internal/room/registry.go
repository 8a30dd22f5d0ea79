// Package room owns seat assignment, room lifecycle, and authoritative move
// application for the persistent-transport deployment. A registry is
// constructed once per process and injected into connection handlers; rooms
// are created lazily on first join and evicted when the last connection
// leaves.
package room

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/game"
	"github.com/park285/chess-arena/pkg/protocol"
)

// Session is one live connection. Send must not block: implementations queue
// the frame and report false when the connection is gone or saturated.
type Session interface {
	ID() string
	UserID() string
	Send(t protocol.EventType, payload any) bool
}

// Archiver persists finished games. Optional.
type Archiver interface {
	SaveResult(ctx context.Context, roomID, whiteID, blackID string, st *game.State, method string) error
}

// JoinReply is the synchronous answer to a join.
type JoinReply struct {
	Seat  game.Seat
	State game.State
}

type Registry struct {
	mu      sync.Mutex
	rooms   map[string]*Room
	conns   map[string]*Room // connection id → room
	machine *game.Machine
	archive Archiver
	log     *zap.Logger
}

func NewRegistry(machine *game.Machine, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		rooms:   make(map[string]*Room),
		conns:   make(map[string]*Room),
		machine: machine,
		log:     log,
	}
}

// AttachArchive wires a repository for persisting finished games.
func (reg *Registry) AttachArchive(a Archiver) {
	if reg != nil {
		reg.archive = a
	}
}

// Join places the session into the room, creating it lazily. Seat policy: the
// empty white seat first, then black unless the caller already holds white,
// otherwise spectator. Existing participants are notified with peer-joined.
func (reg *Registry) Join(roomID, userID string, sess Session) (*JoinReply, error) {
	roomID = strings.TrimSpace(roomID)
	userID = strings.TrimSpace(userID)
	if roomID == "" || userID == "" || sess == nil {
		return nil, game.ErrInvalidRequest
	}

	for {
		reg.mu.Lock()
		rm := reg.rooms[roomID]
		if rm == nil {
			rm = newRoom(roomID, reg)
			reg.rooms[roomID] = rm
			go rm.run()
		}
		reg.conns[sess.ID()] = rm
		reg.mu.Unlock()

		reply, err := rm.join(userID, sess)
		if err == errRoomClosed {
			// Lost a race with eviction; retry against a fresh room.
			continue
		}
		if err != nil {
			reg.mu.Lock()
			delete(reg.conns, sess.ID())
			reg.mu.Unlock()
		}
		return reply, err
	}
}

// Leave removes whichever participant holds the connection. Idempotent: an
// unknown connection id is a no-op.
func (reg *Registry) Leave(connID string) {
	reg.mu.Lock()
	rm := reg.conns[connID]
	delete(reg.conns, connID)
	reg.mu.Unlock()
	if rm == nil {
		return
	}
	rm.leave(connID)
}

// SubmitMove applies a move on behalf of the connection's seat and broadcasts
// move-applied to every participant of the room, spectators included.
// A move for an evicted room is reported as game.ErrRoomNotFound.
func (reg *Registry) SubmitMove(connID string, p protocol.MoveSubmitPayload) error {
	rm := reg.roomOf(connID)
	if rm == nil {
		return game.ErrRoomNotFound
	}
	return rm.submitMove(connID, p)
}

// Ready marks the connection as ready for media signaling.
func (reg *Registry) Ready(connID string) error {
	rm := reg.roomOf(connID)
	if rm == nil {
		return game.ErrRoomNotFound
	}
	return rm.ready(connID)
}

// Signal relays one offer/answer/ICE message to its addressee in the same room.
func (reg *Registry) Signal(t protocol.EventType, connID string, p protocol.SignalPayload) error {
	rm := reg.roomOf(connID)
	if rm == nil {
		return game.ErrRoomNotFound
	}
	return rm.signal(t, connID, p)
}

// Rooms reports the number of live rooms.
func (reg *Registry) Rooms() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// Shutdown stops every room dispatcher. Connections are expected to be closed
// by the transport first.
func (reg *Registry) Shutdown() {
	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, rm := range reg.rooms {
		rooms = append(rooms, rm)
	}
	reg.rooms = make(map[string]*Room)
	reg.conns = make(map[string]*Room)
	reg.mu.Unlock()
	for _, rm := range rooms {
		rm.stop()
	}
}

func (reg *Registry) roomOf(connID string) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.conns[connID]
}

// evict drops the room from the registry. Called from the room's own
// dispatcher once its last participant has left.
func (reg *Registry) evict(rm *Room) {
	reg.mu.Lock()
	if reg.rooms[rm.id] == rm {
		delete(reg.rooms, rm.id)
	}
	reg.mu.Unlock()
	reg.log.Info("room_evicted", zap.String("room_id", rm.id))
}

func (reg *Registry) archiveResult(roomID, whiteID, blackID string, st *game.State) {
	if reg.archive == nil || st == nil || st.Status == game.StatusActive {
		return
	}
	method := st.Method
	if method == "" {
		method = strings.ToLower(string(st.Status))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := reg.archive.SaveResult(ctx, roomID, whiteID, blackID, st, method); err != nil {
		reg.log.Error("archive_error", zap.String("room_id", roomID), zap.Error(err))
	}
}
