package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/rest"
	"github.com/park285/chess-arena/pkg/protocol"
)

const defaultPollInterval = time.Second

// Poll is the stateless backend: join once over REST, then fetch the event
// log on a fixed interval and push submissions as they happen. Works through
// any proxy that passes plain HTTP.
type Poll struct {
	baseURL string
	http    *fasthttp.Client
	log     *zap.Logger
	hs      *handlerSet

	interval time.Duration
	timeout  time.Duration
	retryMax int

	roomID string
	userID string

	mu     sync.Mutex
	cursor time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type PollOption func(*Poll)

func WithInterval(d time.Duration) PollOption {
	return func(p *Poll) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithTimeout(d time.Duration) PollOption {
	return func(p *Poll) { p.timeout = d }
}

func WithRetry(max int) PollOption {
	return func(p *Poll) { p.retryMax = max }
}

func NewPoll(baseURL string, log *zap.Logger, opts ...PollOption) *Poll {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Poll{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 64},
		log:      log,
		hs:       newHandlerSet(),
		interval: defaultPollInterval,
		timeout:  10 * time.Second,
		retryMax: 3,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ Transport = (*Poll)(nil)

func (p *Poll) On(t protocol.EventType, h Handler) { p.hs.on(t, h) }

// Connect joins over REST, synthesizes the state-snapshot a persistent client
// would have received, and starts the polling loop. The first poll uses the
// server's lookback window, so events from just before the join are not lost.
func (p *Poll) Connect(ctx context.Context, roomID, userID string) error {
	p.roomID, p.userID = roomID, userID

	var resp rest.JoinResponse
	req := rest.JoinRequest{RoomID: roomID, UserID: userID}
	if err := p.doJSON(ctx, fasthttp.MethodPost, "/rooms/join", req, &resp, true); err != nil {
		return err
	}

	snap, err := json.Marshal(protocol.SnapshotPayload{Seat: resp.Seat, State: resp.State})
	if err != nil {
		return err
	}
	p.hs.dispatch(protocol.EventStateSnapshot, snap)

	p.wg.Add(1)
	go p.loop()
	return nil
}

func (p *Poll) loop() {
	defer p.wg.Done()
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
			err := p.pollOnce(ctx)
			cancel()
			if err != nil {
				p.log.Warn("poll_error", zap.String("room_id", p.roomID), zap.Error(err))
			}
		}
	}
}

func (p *Poll) pollOnce(ctx context.Context) error {
	p.mu.Lock()
	cursor := p.cursor
	p.mu.Unlock()

	q := url.Values{}
	q.Set("roomId", p.roomID)
	q.Set("userId", p.userID)
	if !cursor.IsZero() {
		q.Set("since", cursor.Format(time.RFC3339Nano))
	}

	var resp rest.PollResponse
	if err := p.doJSON(ctx, fasthttp.MethodGet, "/events?"+q.Encode(), nil, &resp, false); err != nil {
		return err
	}

	p.mu.Lock()
	p.cursor = resp.Cursor
	p.mu.Unlock()

	for _, ev := range resp.Events {
		p.hs.dispatch(ev.Type, ev.Payload)
	}
	return nil
}

// Emit posts one event. A move submission is applied synchronously server
// side; the returned move-applied event is dispatched locally because polls
// never echo the caller's own events.
func (p *Poll) Emit(ctx context.Context, t protocol.EventType, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = b
	}
	req := rest.AppendRequest{RoomID: p.roomID, UserID: p.userID, Type: t, Payload: raw}
	var resp rest.AppendResponse
	if err := p.doJSON(ctx, fasthttp.MethodPost, "/events", req, &resp, false); err != nil {
		return err
	}
	if resp.Event != nil && resp.Event.Type == protocol.EventMoveApplied {
		p.hs.dispatch(resp.Event.Type, resp.Event.Payload)
	}
	return nil
}

// Disconnect stops polling and releases the seat with a best-effort
// peer-left; a lost goodbye is eventually covered by the room TTL.
func (p *Poll) Disconnect(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	req := rest.AppendRequest{RoomID: p.roomID, UserID: p.userID, Type: protocol.EventPeerLeft}
	if err := p.doJSON(ctx, fasthttp.MethodPost, "/events", req, nil, false); err != nil {
		p.log.Warn("poll_leave_error", zap.String("room_id", p.roomID), zap.Error(err))
	}
	return nil
}

func (p *Poll) doJSON(ctx context.Context, method, path string, in any, out any, retry bool) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(p.baseURL + path)
	req.Header.SetContentType("application/json")

	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		req.SetBody(payload)
	}

	attempts := 1
	if retry {
		attempts = p.retryMax
		if attempts <= 0 {
			attempts = 1
		}
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := p.http.DoDeadline(req, resp, p.computeDeadline(ctx))
		if err != nil {
			if attempt == attempts || !retry {
				return fmt.Errorf("request failed: %w", err)
			}
			lastErr = err
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		status := resp.StatusCode()
		if status < 200 || status >= 300 {
			body := string(resp.Body())
			err := fmt.Errorf("arena api error: status=%d body=%s", status, truncate(body, 512))
			if attempt == attempts || !retry || !shouldRetryStatus(status) {
				return err
			}
			lastErr = err
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		if out != nil {
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}

	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return lastErr
}

func (p *Poll) computeDeadline(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		clientDL := time.Now().Add(p.timeout)
		if dl.Before(clientDL) {
			return dl
		}
		return clientDL
	}
	return time.Now().Add(p.timeout)
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
