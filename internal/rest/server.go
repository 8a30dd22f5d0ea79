// Package rest is the stateless transport's server side: plain HTTP endpoints
// over the event store, safe to run behind a load balancer with any number of
// instances. No connection state lives in the process.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/config"
	"github.com/park285/chess-arena/internal/events"
	"github.com/park285/chess-arena/internal/game"
	"github.com/park285/chess-arena/pkg/protocol"
)

type Server struct {
	store *events.Store
	ice   []config.ICEServer
	log   *zap.Logger
	srv   *fasthttp.Server
}

func NewServer(store *events.Store, ice []config.ICEServer, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{store: store, ice: ice, log: log}
	s.srv = &fasthttp.Server{
		Handler:            s.handle,
		Name:               "arena-api",
		ReadTimeout:        10 * time.Second,
		WriteTimeout:       10 * time.Second,
		MaxRequestBodySize: 1 << 20,
	}
	return s
}

// ListenAndServe blocks until Shutdown or a listener error.
func (s *Server) ListenAndServe(addr string) error {
	s.log.Info("rest_listen", zap.String("addr", addr))
	return s.srv.ListenAndServe(addr)
}

// Serve accepts connections from an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("rest_listen", zap.String("addr", ln.Addr().String()))
	return s.srv.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}

// Handler exposes the request handler for tests.
func (s *Server) Handler() fasthttp.RequestHandler { return s.handle }

func (s *Server) handle(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	method := string(ctx.Method())
	s.log.Debug("http_request", zap.String("method", method), zap.String("path", path))

	switch {
	case path == "/healthz" && method == fasthttp.MethodGet:
		writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
	case path == "/config" && method == fasthttp.MethodGet:
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{"iceServers": s.ice})
	case path == "/rooms/join" && method == fasthttp.MethodPost:
		s.handleJoin(ctx)
	case strings.HasPrefix(path, "/rooms/") && method == fasthttp.MethodGet:
		s.handleRoom(ctx, strings.TrimPrefix(path, "/rooms/"))
	case path == "/events" && method == fasthttp.MethodPost:
		s.handleAppend(ctx)
	case path == "/events" && method == fasthttp.MethodGet:
		s.handlePoll(ctx)
	default:
		writeError(ctx, fasthttp.StatusNotFound, "not_found", "no such route")
	}
}

// JoinRequest creates or joins a room. Rejoining with the same userId returns
// the seat already held.
type JoinRequest struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type JoinResponse struct {
	RoomID string     `json:"roomId"`
	Seat   game.Seat  `json:"seat"`
	State  game.State `json:"state"`
}

func (s *Server) handleJoin(ctx *fasthttp.RequestCtx) {
	var req JoinRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "bad_request", "malformed json")
		return
	}
	seat, st, err := s.store.JoinRoom(ctx, req.RoomID, req.UserID)
	if err != nil {
		s.writeStoreError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, JoinResponse{RoomID: strings.TrimSpace(req.RoomID), Seat: seat, State: *st})
}

func (s *Server) handleRoom(ctx *fasthttp.RequestCtx, roomID string) {
	rec, err := s.store.Snapshot(ctx, roomID)
	if err != nil {
		s.writeStoreError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, rec)
}

// AppendRequest submits one event on behalf of userId. Move submissions are
// applied synchronously; the response carries the move-applied event so the
// caller needs no poll round-trip for its own move.
type AppendRequest struct {
	RoomID  string             `json:"roomId"`
	UserID  string             `json:"userId"`
	Type    protocol.EventType `json:"type"`
	Payload json.RawMessage    `json:"payload,omitempty"`
}

type AppendResponse struct {
	Accepted bool            `json:"accepted"`
	Event    *protocol.Event `json:"event,omitempty"`
}

func (s *Server) handleAppend(ctx *fasthttp.RequestCtx) {
	var req AppendRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "bad_request", "malformed json")
		return
	}
	ev, err := s.store.Append(ctx, req.RoomID, req.UserID, req.Type, req.Payload)
	if err != nil {
		s.writeStoreError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusAccepted, AppendResponse{Accepted: true, Event: ev})
}

// PollResponse carries events newer than the cursor plus the cursor to use on
// the next call.
type PollResponse struct {
	Events []protocol.Event `json:"events"`
	Cursor time.Time        `json:"cursor"`
}

func (s *Server) handlePoll(ctx *fasthttp.RequestCtx) {
	args := ctx.QueryArgs()
	roomID := string(args.Peek("roomId"))
	userID := string(args.Peek("userId"))

	var since time.Time
	if raw := strings.TrimSpace(string(args.Peek("since"))); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, "bad_request", "since must be RFC3339")
			return
		}
		since = t
	}

	evs, err := s.store.Poll(ctx, roomID, userID, since)
	if err != nil {
		s.writeStoreError(ctx, err)
		return
	}
	cursor := since
	if cursor.IsZero() {
		cursor = time.Now().UTC().Truncate(time.Millisecond)
	}
	if n := len(evs); n > 0 {
		cursor = evs[n-1].CreatedAt
	}
	writeJSON(ctx, fasthttp.StatusOK, PollResponse{Events: evs, Cursor: cursor})
}

func (s *Server) writeStoreError(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, game.ErrInvalidRequest):
		writeError(ctx, fasthttp.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, game.ErrRoomNotFound):
		writeError(ctx, fasthttp.StatusNotFound, "room_not_found", err.Error())
	case errors.Is(err, game.ErrNotParticipant):
		writeError(ctx, fasthttp.StatusForbidden, "not_participant", err.Error())
	case errors.Is(err, game.ErrOutOfTurn):
		writeError(ctx, fasthttp.StatusConflict, "out_of_turn", err.Error())
	case errors.Is(err, game.ErrIllegalMove):
		writeError(ctx, fasthttp.StatusUnprocessableEntity, "illegal_move", err.Error())
	case errors.Is(err, game.ErrGameOver):
		writeError(ctx, fasthttp.StatusConflict, "game_over", err.Error())
	case errors.Is(err, game.ErrStorageUnavailable):
		s.log.Error("storage_error", zap.Error(err))
		writeError(ctx, fasthttp.StatusServiceUnavailable, "storage_unavailable", "event store unavailable")
	default:
		s.log.Error("internal_error", zap.Error(err))
		writeError(ctx, fasthttp.StatusInternalServerError, "internal", "internal error")
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json; charset=utf-8")
	body, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetBody(body)
}

func writeError(ctx *fasthttp.RequestCtx, status int, code, message string) {
	writeJSON(ctx, status, protocol.ErrorPayload{Code: code, Message: message})
}
