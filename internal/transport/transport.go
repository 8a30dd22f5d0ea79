// Package transport gives clients one interface over both wire strategies:
// a live WebSocket (Socket) and REST polling (Poll). Game logic above this
// package never branches on which one is active.
package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/park285/chess-arena/pkg/protocol"
)

// Handler receives the raw payload of one event.
type Handler func(payload json.RawMessage)

// Transport is the client-side wire contract. Connect joins the room and
// starts delivery; handlers registered with On fire for every matching event,
// including the synthesized state-snapshot right after Connect.
type Transport interface {
	Connect(ctx context.Context, roomID, userID string) error
	On(t protocol.EventType, h Handler)
	Emit(ctx context.Context, t protocol.EventType, payload any) error
	Disconnect(ctx context.Context) error
}

// handlerSet is the shared callback registry. Dispatch snapshots the slice so
// a handler may register more handlers without deadlocking.
type handlerSet struct {
	mu       sync.RWMutex
	handlers map[protocol.EventType][]Handler
}

func newHandlerSet() *handlerSet {
	return &handlerSet{handlers: make(map[protocol.EventType][]Handler)}
}

func (hs *handlerSet) on(t protocol.EventType, h Handler) {
	if h == nil {
		return
	}
	hs.mu.Lock()
	hs.handlers[t] = append(hs.handlers[t], h)
	hs.mu.Unlock()
}

func (hs *handlerSet) dispatch(t protocol.EventType, payload json.RawMessage) {
	hs.mu.RLock()
	list := make([]Handler, len(hs.handlers[t]))
	copy(list, hs.handlers[t])
	hs.mu.RUnlock()
	for _, h := range list {
		h(payload)
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	base := 100 * time.Millisecond
	return time.Duration(1<<uint(attempt-1)) * base // 100ms, 200ms ...
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
