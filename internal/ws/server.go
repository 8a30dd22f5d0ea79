// Package ws is the persistent transport's server side: one WebSocket per
// participant, JSON envelopes both ways, room membership bound to connection
// lifetime. Event order on a connection is delivery order.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/chess-arena/internal/config"
	"github.com/park285/chess-arena/internal/game"
	"github.com/park285/chess-arena/internal/room"
	"github.com/park285/chess-arena/pkg/protocol"
)

const (
	writeTimeout = 5 * time.Second
	sendBuffer   = 64
)

type Server struct {
	reg *room.Registry
	ice []config.ICEServer
	log *zap.Logger
	wg  sync.WaitGroup
}

func NewServer(reg *room.Registry, ice []config.ICEServer, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{reg: reg, ice: ice, log: log}
}

// Mux returns the HTTP handler: /ws upgrades, /config and /healthz are plain
// JSON.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/config", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"iceServers": s.ice})
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// Wait blocks until every connection handler has returned. Call after the
// HTTP server has shut down.
func (s *Server) Wait() { s.wg.Wait() }

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		s.log.Warn("ws_accept_error", zap.Error(err))
		return
	}

	sess := &session{
		id:   uuid.NewString(),
		conn: conn,
		out:  make(chan protocol.Envelope, sendBuffer),
		done: make(chan struct{}),
		log:  s.log,
	}
	// Block here: the request context is canceled once the handler returns,
	// and the hijacked connection lives exactly as long as this call.
	s.wg.Add(1)
	defer s.wg.Done()
	s.serve(r.Context(), sess)
}

// serve runs the connection: the first frame must be join, then the read loop
// dispatches until the peer goes away. A write pump drains the session's out
// channel so Send never blocks room dispatchers.
func (s *Server) serve(ctx context.Context, sess *session) {
	defer sess.close(websocket.StatusNormalClosure, "bye")
	defer s.reg.Leave(sess.id)

	go sess.writePump(ctx)

	var env protocol.Envelope
	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err := wsjson.Read(readCtx, sess.conn, &env)
	cancel()
	if err != nil || env.Type != protocol.EventJoin {
		sess.sendError("bad_request", "first message must be join")
		return
	}
	var jp protocol.JoinPayload
	if err := json.Unmarshal(env.Payload, &jp); err != nil {
		sess.sendError("bad_request", "malformed join payload")
		return
	}
	sess.userID = jp.UserID

	reply, err := s.reg.Join(jp.RoomID, jp.UserID, sess)
	if err != nil {
		sess.sendError(codeFor(err), err.Error())
		return
	}
	sess.Send(protocol.EventStateSnapshot, protocol.SnapshotPayload{Seat: reply.Seat, State: reply.State})
	s.log.Info("ws_join",
		zap.String("conn_id", sess.id),
		zap.String("room_id", jp.RoomID),
		zap.String("user_id", jp.UserID),
		zap.String("seat", string(reply.Seat)),
	)

	for {
		var env protocol.Envelope
		if err := wsjson.Read(ctx, sess.conn, &env); err != nil {
			s.log.Debug("ws_read_end", zap.String("conn_id", sess.id), zap.Error(err))
			return
		}
		if err := s.dispatch(sess, env); err != nil {
			sess.sendError(codeFor(err), err.Error())
		}
	}
}

func (s *Server) dispatch(sess *session, env protocol.Envelope) error {
	switch env.Type {
	case protocol.EventMoveSubmit:
		var p protocol.MoveSubmitPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return game.ErrInvalidRequest
		}
		return s.reg.SubmitMove(sess.id, p)
	case protocol.EventSignalReady:
		return s.reg.Ready(sess.id)
	case protocol.EventSignalOffer, protocol.EventSignalAnswer, protocol.EventSignalICE:
		var p protocol.SignalPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return game.ErrInvalidRequest
		}
		return s.reg.Signal(env.Type, sess.id, p)
	case protocol.EventPeerLeft:
		s.reg.Leave(sess.id)
		return nil
	default:
		return game.ErrInvalidRequest
	}
}

// session implements room.Session over one nhooyr connection.
type session struct {
	id     string
	userID string
	conn   *websocket.Conn
	out    chan protocol.Envelope
	done   chan struct{}
	once   sync.Once
	log    *zap.Logger
}

func (c *session) ID() string     { return c.id }
func (c *session) UserID() string { return c.userID }

// Send queues one frame. Returns false when the connection is closed or the
// buffer is full; the caller treats either as a dead peer.
func (c *session) Send(t protocol.EventType, payload any) bool {
	env, err := protocol.NewEnvelope(t, payload)
	if err != nil {
		c.log.Warn("ws_encode_error", zap.String("conn_id", c.id), zap.Error(err))
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- env:
		return true
	default:
		return false
	}
}

func (c *session) sendError(code, message string) {
	c.Send(protocol.EventError, protocol.ErrorPayload{Code: code, Message: message})
}

func (c *session) writePump(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case env := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.conn, env)
			cancel()
			if err != nil {
				c.close(websocket.StatusGoingAway, "write failure")
				return
			}
		}
	}
}

func (c *session) close(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close(code, reason)
	})
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, game.ErrInvalidRequest):
		return "bad_request"
	case errors.Is(err, game.ErrRoomNotFound):
		return "room_not_found"
	case errors.Is(err, game.ErrNotParticipant):
		return "not_participant"
	case errors.Is(err, game.ErrOutOfTurn):
		return "out_of_turn"
	case errors.Is(err, game.ErrIllegalMove):
		return "illegal_move"
	case errors.Is(err, game.ErrGameOver):
		return "game_over"
	default:
		return "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
