package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/chess-arena/pkg/protocol"
)

// Socket is the persistent backend: one WebSocket, JSON envelopes, automatic
// reconnect with the join replayed on each new connection.
type Socket struct {
	wsURL string
	log   *zap.Logger
	hs    *handlerSet

	mu     sync.Mutex // guards conn and writes
	conn   *websocket.Conn
	roomID string
	userID string

	maxReconnectAttempts int
	pingInterval         time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

type SocketOption func(*Socket)

func WithReconnect(max int) SocketOption {
	return func(s *Socket) { s.maxReconnectAttempts = max }
}

func WithPingInterval(d time.Duration) SocketOption {
	return func(s *Socket) { s.pingInterval = d }
}

func NewSocket(wsURL string, log *zap.Logger, opts ...SocketOption) *Socket {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Socket{
		wsURL:                wsURL,
		log:                  log,
		hs:                   newHandlerSet(),
		maxReconnectAttempts: 5,
		pingInterval:         30 * time.Second,
		stopCh:               make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Transport = (*Socket)(nil)

func (s *Socket) On(t protocol.EventType, h Handler) { s.hs.on(t, h) }

// Connect dials, sends the join envelope, and starts the read and ping loops.
// The state-snapshot answering the join arrives through the normal dispatch
// path.
func (s *Socket) Connect(ctx context.Context, roomID, userID string) error {
	s.rootCtx, s.rootCancel = context.WithCancel(context.Background())
	s.roomID, s.userID = roomID, userID

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, s.wsURL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if err := s.Emit(ctx, protocol.EventJoin, protocol.JoinPayload{RoomID: roomID, UserID: userID}); err != nil {
		_ = conn.Close(websocket.StatusGoingAway, "join failed")
		return err
	}

	s.wg.Add(2)
	go s.listen(conn)
	go s.pingLoop()
	return nil
}

func (s *Socket) listen(conn *websocket.Conn) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		var env protocol.Envelope
		if err := wsjson.Read(s.rootCtx, conn, &env); err != nil {
			if s.isStopping() {
				return
			}
			s.log.Warn("socket_read_error", zap.Error(err))
			s.dropConn(conn)
			s.scheduleReconnect()
			return
		}
		s.hs.dispatch(env.Type, env.Payload)
	}
}

func (s *Socket) pingLoop() {
	defer s.wg.Done()
	t := time.NewTicker(s.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(s.rootCtx, 3*time.Second)
			err := conn.Ping(ctx)
			cancel()
			if err != nil {
				failures++
				if failures >= 2 {
					if s.isStopping() {
						return
					}
					s.dropConn(conn)
					s.scheduleReconnect()
					failures = 0
				}
				continue
			}
			failures = 0
		}
	}
}

func (s *Socket) scheduleReconnect() {
	if s.maxReconnectAttempts <= 0 {
		return
	}
	go func() {
		for attempt := 1; attempt <= s.maxReconnectAttempts; attempt++ {
			select {
			case <-s.stopCh:
				return
			case <-time.After(backoffDuration(attempt)):
			}

			dialCtx, cancel := context.WithTimeout(s.rootCtx, 10*time.Second)
			conn, _, err := websocket.Dial(dialCtx, s.wsURL, &websocket.DialOptions{
				CompressionMode: websocket.CompressionNoContextTakeover,
			})
			cancel()
			if err != nil {
				continue
			}

			s.mu.Lock()
			s.conn = conn
			s.mu.Unlock()

			// Room membership is bound to the connection, so rejoin. The fresh
			// state-snapshot resynchronizes any move missed during the gap.
			if err := s.Emit(s.rootCtx, protocol.EventJoin, protocol.JoinPayload{RoomID: s.roomID, UserID: s.userID}); err != nil {
				s.dropConn(conn)
				continue
			}
			s.log.Info("socket_reconnected", zap.Int("attempt", attempt))
			s.wg.Add(2)
			go s.listen(conn)
			go s.pingLoop()
			return
		}
		s.log.Error("socket_reconnect_exhausted", zap.Int("attempts", s.maxReconnectAttempts))
	}()
}

// Emit writes one envelope. Writes are serialized under the connection mutex;
// wsjson.Write is not safe for concurrent use.
func (s *Socket) Emit(ctx context.Context, t protocol.EventType, payload any) error {
	env, err := protocol.NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return errors.New("socket not connected")
	}
	wctx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return wsjson.Write(wctx, s.conn, env)
}

// Disconnect closes the connection and waits for the loops to exit. The
// server observes the close and removes the participant from its room.
func (s *Socket) Disconnect(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "bye")
		s.conn = nil
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		if s.rootCancel != nil {
			s.rootCancel()
		}
		return nil
	}
}

func (s *Socket) dropConn(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close(websocket.StatusGoingAway, "reconnect")
}

func (s *Socket) isStopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}
