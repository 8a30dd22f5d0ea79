package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/park285/chess-arena/internal/events"
	"github.com/park285/chess-arena/internal/game"
	"github.com/park285/chess-arena/internal/rest"
	"github.com/park285/chess-arena/internal/rules"
	"github.com/park285/chess-arena/pkg/protocol"
)

func newPollBackend(t *testing.T) string {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	rdb, err := events.Connect(context.Background(), fmt.Sprintf("redis://%s/0", mr.Addr()))
	if err != nil {
		t.Fatalf("events.Connect: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })

	store := events.New(rdb, game.NewMachine(rules.New()), events.Config{}, nil)
	srv := rest.NewServer(store, nil, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return "http://" + ln.Addr().String()
}

type pollClient struct {
	tr    *Poll
	snaps chan protocol.SnapshotPayload
	moves chan protocol.MoveAppliedPayload
	avail chan protocol.PeerAvailablePayload
	offer chan protocol.SignalPayload
	left  chan protocol.PeerLeftPayload
}

func newPollClient(t *testing.T, base, roomID, userID string) *pollClient {
	t.Helper()
	c := &pollClient{
		tr:    NewPoll(base, nil, WithInterval(25*time.Millisecond)),
		snaps: make(chan protocol.SnapshotPayload, 4),
		moves: make(chan protocol.MoveAppliedPayload, 16),
		avail: make(chan protocol.PeerAvailablePayload, 4),
		offer: make(chan protocol.SignalPayload, 4),
		left:  make(chan protocol.PeerLeftPayload, 4),
	}
	c.tr.On(protocol.EventStateSnapshot, decodeInto(c.snaps))
	c.tr.On(protocol.EventMoveApplied, decodeInto(c.moves))
	c.tr.On(protocol.EventPeerAvailable, decodeInto(c.avail))
	c.tr.On(protocol.EventSignalOffer, decodeInto(c.offer))
	c.tr.On(protocol.EventPeerLeft, decodeInto(c.left))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.tr.Connect(ctx, roomID, userID); err != nil {
		t.Fatalf("connect %s: %v", userID, err)
	}
	time.Sleep(2 * time.Millisecond)
	return c
}

func decodeInto[T any](ch chan T) Handler {
	return func(raw json.RawMessage) {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			ch <- v
		}
	}
}

func waitFor[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
		var zero T
		return zero
	}
}

func TestPollTransportGameFlow(t *testing.T) {
	base := newPollBackend(t)

	alice := newPollClient(t, base, "r1", "alice")
	snap := waitFor(t, alice.snaps, "alice snapshot")
	if snap.Seat != game.SeatWhite {
		t.Fatalf("alice seat = %s, want white", snap.Seat)
	}

	bob := newPollClient(t, base, "r1", "bob")
	if snap := waitFor(t, bob.snaps, "bob snapshot"); snap.Seat != game.SeatBlack {
		t.Fatalf("bob seat = %s, want black", snap.Seat)
	}

	ctx := context.Background()
	if err := alice.tr.Emit(ctx, protocol.EventMoveSubmit, protocol.MoveSubmitPayload{From: "e2", To: "e4"}); err != nil {
		t.Fatalf("emit move: %v", err)
	}

	// The mover sees her move from the submission response, the peer from the
	// next poll.
	mp := waitFor(t, alice.moves, "alice move-applied")
	if mp.Move.SAN != "e4" {
		t.Fatalf("alice move = %+v", mp)
	}
	mp = waitFor(t, bob.moves, "bob move-applied")
	if mp.State.Turn != game.Black {
		t.Fatalf("bob move = %+v", mp)
	}

	// Out-of-turn submission surfaces as an Emit error, not an event.
	if err := alice.tr.Emit(ctx, protocol.EventMoveSubmit, protocol.MoveSubmitPayload{From: "d2", To: "d4"}); err == nil {
		t.Fatalf("expected error for out-of-turn move")
	}

	dctx, dcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dcancel()
	_ = alice.tr.Disconnect(dctx)
	if p := waitFor(t, bob.left, "peer-left"); p.ParticipantID != "alice" {
		t.Fatalf("peer-left = %+v", p)
	}
}

func TestPollTransportSignaling(t *testing.T) {
	base := newPollBackend(t)

	alice := newPollClient(t, base, "r1", "alice")
	waitFor(t, alice.snaps, "alice snapshot")
	bob := newPollClient(t, base, "r1", "bob")
	waitFor(t, bob.snaps, "bob snapshot")

	ctx := context.Background()
	if err := alice.tr.Emit(ctx, protocol.EventSignalReady, nil); err != nil {
		t.Fatalf("alice ready: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := bob.tr.Emit(ctx, protocol.EventSignalReady, nil); err != nil {
		t.Fatalf("bob ready: %v", err)
	}

	bp := waitFor(t, bob.avail, "bob peer-available")
	if !bp.Initiator || bp.PeerID != "alice" {
		t.Fatalf("bob pairing = %+v, want initiator=true peer=alice", bp)
	}
	ap := waitFor(t, alice.avail, "alice peer-available")
	if ap.Initiator || ap.PeerID != "bob" {
		t.Fatalf("alice pairing = %+v, want initiator=false peer=bob", ap)
	}

	if err := bob.tr.Emit(ctx, protocol.EventSignalOffer, protocol.SignalPayload{
		ToID:    "alice",
		Payload: json.RawMessage(`{"sdp":"offer"}`),
	}); err != nil {
		t.Fatalf("offer: %v", err)
	}
	sp := waitFor(t, alice.offer, "alice offer")
	if sp.FromID != "bob" || string(sp.Payload) != `{"sdp":"offer"}` {
		t.Fatalf("offer = %+v", sp)
	}
}
