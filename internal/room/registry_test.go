package room

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/park285/chess-arena/internal/game"
	"github.com/park285/chess-arena/internal/rules"
	"github.com/park285/chess-arena/pkg/protocol"
)

type recorded struct {
	t       protocol.EventType
	payload any
}

type fakeSession struct {
	id     string
	userID string

	mu     sync.Mutex
	events []recorded
	dead   bool
}

func (f *fakeSession) ID() string     { return f.id }
func (f *fakeSession) UserID() string { return f.userID }

func (f *fakeSession) Send(t protocol.EventType, payload any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead {
		return false
	}
	f.events = append(f.events, recorded{t: t, payload: payload})
	return true
}

func (f *fakeSession) received(t protocol.EventType) []recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recorded
	for _, e := range f.events {
		if e.t == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry(game.NewMachine(rules.New()), nil)
	t.Cleanup(reg.Shutdown)
	return reg
}

func join(t *testing.T, reg *Registry, roomID string, sess *fakeSession) *JoinReply {
	t.Helper()
	reply, err := reg.Join(roomID, sess.userID, sess)
	if err != nil {
		t.Fatalf("Join %s/%s: %v", roomID, sess.userID, err)
	}
	return reply
}

func TestJoinSeatsAndNotifies(t *testing.T) {
	reg := newTestRegistry(t)
	a := &fakeSession{id: "c1", userID: "alice"}
	b := &fakeSession{id: "c2", userID: "bob"}
	c := &fakeSession{id: "c3", userID: "carol"}

	if reply := join(t, reg, "r1", a); reply.Seat != game.SeatWhite {
		t.Fatalf("alice seat = %s, want white", reply.Seat)
	}
	if reply := join(t, reg, "r1", b); reply.Seat != game.SeatBlack {
		t.Fatalf("bob seat = %s, want black", reply.Seat)
	}
	if reply := join(t, reg, "r1", c); reply.Seat != game.SeatSpectator {
		t.Fatalf("carol seat = %s, want spectator", reply.Seat)
	}

	// Alice was told about both later arrivals, never about herself.
	joins := a.received(protocol.EventPeerJoined)
	if len(joins) != 2 {
		t.Fatalf("alice peer-joined count = %d, want 2", len(joins))
	}
	// The joiner itself gets no peer-joined for its own arrival.
	if got := c.received(protocol.EventPeerJoined); len(got) != 0 {
		t.Fatalf("carol saw her own join: %v", got)
	}
}

func TestSubmitMoveBroadcasts(t *testing.T) {
	reg := newTestRegistry(t)
	a := &fakeSession{id: "c1", userID: "alice"}
	b := &fakeSession{id: "c2", userID: "bob"}
	c := &fakeSession{id: "c3", userID: "carol"}
	join(t, reg, "r1", a)
	join(t, reg, "r1", b)
	join(t, reg, "r1", c)

	if err := reg.SubmitMove("c1", protocol.MoveSubmitPayload{From: "e2", To: "e4"}); err != nil {
		t.Fatalf("move: %v", err)
	}

	// Everyone including the mover and the spectator gets move-applied.
	for _, sess := range []*fakeSession{a, b, c} {
		got := sess.received(protocol.EventMoveApplied)
		if len(got) != 1 {
			t.Fatalf("%s move-applied count = %d, want 1", sess.userID, len(got))
		}
		mp, ok := got[0].payload.(protocol.MoveAppliedPayload)
		if !ok {
			t.Fatalf("payload type %T", got[0].payload)
		}
		if mp.Move.SAN != "e4" || mp.State.Turn != game.Black {
			t.Fatalf("%s payload wrong: %+v", sess.userID, mp)
		}
	}
}

func TestSubmitMoveRejections(t *testing.T) {
	reg := newTestRegistry(t)
	a := &fakeSession{id: "c1", userID: "alice"}
	b := &fakeSession{id: "c2", userID: "bob"}
	c := &fakeSession{id: "c3", userID: "carol"}
	join(t, reg, "r1", a)
	join(t, reg, "r1", b)
	join(t, reg, "r1", c)

	if err := reg.SubmitMove("c2", protocol.MoveSubmitPayload{From: "e7", To: "e5"}); !errors.Is(err, game.ErrOutOfTurn) {
		t.Fatalf("black first: err = %v, want ErrOutOfTurn", err)
	}
	if err := reg.SubmitMove("c3", protocol.MoveSubmitPayload{From: "e2", To: "e4"}); !errors.Is(err, game.ErrOutOfTurn) {
		t.Fatalf("spectator move: err = %v, want ErrOutOfTurn", err)
	}
	if err := reg.SubmitMove("c1", protocol.MoveSubmitPayload{From: "e2", To: "e5"}); !errors.Is(err, game.ErrIllegalMove) {
		t.Fatalf("illegal: err = %v, want ErrIllegalMove", err)
	}
	if err := reg.SubmitMove("ghost", protocol.MoveSubmitPayload{From: "e2", To: "e4"}); !errors.Is(err, game.ErrRoomNotFound) {
		t.Fatalf("unknown conn: err = %v, want ErrRoomNotFound", err)
	}
}

func TestGameOverBroadcast(t *testing.T) {
	reg := newTestRegistry(t)
	a := &fakeSession{id: "c1", userID: "alice"}
	b := &fakeSession{id: "c2", userID: "bob"}
	join(t, reg, "r1", a)
	join(t, reg, "r1", b)

	moves := []struct {
		conn, from, to string
	}{
		{"c1", "f2", "f3"}, {"c2", "e7", "e5"},
		{"c1", "g2", "g4"}, {"c2", "d8", "h4"},
	}
	for _, mv := range moves {
		if err := reg.SubmitMove(mv.conn, protocol.MoveSubmitPayload{From: mv.from, To: mv.to}); err != nil {
			t.Fatalf("move %+v: %v", mv, err)
		}
	}

	got := a.received(protocol.EventGameOver)
	if len(got) != 1 {
		t.Fatalf("game-over count = %d, want 1", len(got))
	}
	over, ok := got[0].payload.(protocol.GameOverPayload)
	if !ok || over.Outcome != "black" || over.Method != "checkmate" {
		t.Fatalf("game-over payload = %+v, want black checkmate", got[0].payload)
	}

	if err := reg.SubmitMove("c1", protocol.MoveSubmitPayload{From: "a2", To: "a3"}); !errors.Is(err, game.ErrGameOver) {
		t.Fatalf("move after mate: err = %v, want ErrGameOver", err)
	}
}

func TestSignalingPairingAndRelay(t *testing.T) {
	reg := newTestRegistry(t)
	a := &fakeSession{id: "c1", userID: "alice"}
	b := &fakeSession{id: "c2", userID: "bob"}
	c := &fakeSession{id: "c3", userID: "carol"}
	join(t, reg, "r1", a)
	join(t, reg, "r1", b)
	join(t, reg, "r1", c)

	if err := reg.Ready("c1"); err != nil {
		t.Fatalf("alice ready: %v", err)
	}
	if got := a.received(protocol.EventPeerAvailable); len(got) != 0 {
		t.Fatalf("pairing fired with one ready participant")
	}
	if err := reg.Ready("c2"); err != nil {
		t.Fatalf("bob ready: %v", err)
	}
	if err := reg.Ready("c3"); !errors.Is(err, game.ErrInvalidRequest) {
		t.Fatalf("spectator ready: err = %v, want ErrInvalidRequest", err)
	}

	// Exactly one initiator: the second ready caller.
	bobAvail := b.received(protocol.EventPeerAvailable)
	if len(bobAvail) != 1 {
		t.Fatalf("bob peer-available count = %d, want 1", len(bobAvail))
	}
	if p := bobAvail[0].payload.(protocol.PeerAvailablePayload); !p.Initiator || p.PeerID != "c1" {
		t.Fatalf("bob pairing = %+v, want initiator=true peer=c1", p)
	}
	aliceAvail := a.received(protocol.EventPeerAvailable)
	if len(aliceAvail) != 1 {
		t.Fatalf("alice peer-available count = %d, want 1", len(aliceAvail))
	}
	if p := aliceAvail[0].payload.(protocol.PeerAvailablePayload); p.Initiator || p.PeerID != "c2" {
		t.Fatalf("alice pairing = %+v, want initiator=false peer=c2", p)
	}

	// Offer is relayed verbatim to its addressee only.
	sdp := json.RawMessage(`{"sdp":"offer"}`)
	if err := reg.Signal(protocol.EventSignalOffer, "c2", protocol.SignalPayload{ToID: "c1", Payload: sdp}); err != nil {
		t.Fatalf("signal: %v", err)
	}
	offers := a.received(protocol.EventSignalOffer)
	if len(offers) != 1 {
		t.Fatalf("alice offers = %d, want 1", len(offers))
	}
	sp := offers[0].payload.(protocol.SignalPayload)
	if sp.FromID != "c2" || string(sp.Payload) != string(sdp) {
		t.Fatalf("relayed payload wrong: %+v", sp)
	}
	if got := c.received(protocol.EventSignalOffer); len(got) != 0 {
		t.Fatalf("spectator received an offer")
	}
}

func TestLeaveNotifiesAndEvicts(t *testing.T) {
	reg := newTestRegistry(t)
	a := &fakeSession{id: "c1", userID: "alice"}
	b := &fakeSession{id: "c2", userID: "bob"}
	join(t, reg, "r1", a)
	join(t, reg, "r1", b)

	reg.Ready("c1")
	reg.Ready("c2")

	reg.Leave("c1")
	left := b.received(protocol.EventPeerLeft)
	if len(left) < 1 {
		t.Fatalf("bob got no peer-left")
	}

	reg.Leave("c2")
	if n := reg.Rooms(); n != 0 {
		t.Fatalf("rooms after last leave = %d, want 0", n)
	}

	// Idempotent.
	reg.Leave("c1")
	reg.Leave("ghost")

	// The room can be recreated after eviction.
	d := &fakeSession{id: "c4", userID: "dave"}
	if reply := join(t, reg, "r1", d); reply.Seat != game.SeatWhite {
		t.Fatalf("seat in recreated room = %s, want white", reply.Seat)
	}
}

func TestLateJoinerSnapshotHasHistory(t *testing.T) {
	reg := newTestRegistry(t)
	a := &fakeSession{id: "c1", userID: "alice"}
	b := &fakeSession{id: "c2", userID: "bob"}
	join(t, reg, "r1", a)
	join(t, reg, "r1", b)
	if err := reg.SubmitMove("c1", protocol.MoveSubmitPayload{From: "e2", To: "e4"}); err != nil {
		t.Fatalf("move: %v", err)
	}

	c := &fakeSession{id: "c3", userID: "carol"}
	reply := join(t, reg, "r1", c)
	if reply.Seat != game.SeatSpectator {
		t.Fatalf("late joiner seat = %s, want spectator", reply.Seat)
	}
	if len(reply.State.History) != 1 || reply.State.Turn != game.Black {
		t.Fatalf("late snapshot wrong: %+v", reply.State)
	}
}
