// Package events is the durable substitute for a live connection: an
// append-only per-room event log with a poll cursor, plus a denormalized room
// record so late joiners read current state without replaying the log. Every
// request may be served by any process instance; Redis is the only shared
// state.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/game"
	"github.com/park285/chess-arena/pkg/protocol"
)

const (
	defaultRetention = time.Hour
	defaultLookback  = 10 * time.Second
	defaultRoomTTL   = 24 * time.Hour

	txRetries = 3
)

// Archiver persists finished games. Optional.
type Archiver interface {
	SaveResult(ctx context.Context, roomID, whiteID, blackID string, st *game.State, method string) error
}

type Config struct {
	// Retention is the age past which log entries become eligible for the
	// opportunistic sweep performed on every poll.
	Retention time.Duration
	// Lookback is the default cursor window when a poller supplies no cursor.
	Lookback time.Duration
	// RoomTTL bounds how long an idle room (record and log) survives without
	// traffic. This is the eviction story for clients that never say goodbye.
	RoomTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
	if c.Lookback <= 0 {
		c.Lookback = defaultLookback
	}
	if c.RoomTTL <= 0 {
		c.RoomTTL = defaultRoomTTL
	}
	return c
}

type Store struct {
	rdb     *redis.Client
	machine *game.Machine
	cfg     Config
	archive Archiver
	log     *zap.Logger
}

func New(rdb *redis.Client, machine *game.Machine, cfg Config, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{rdb: rdb, machine: machine, cfg: cfg.withDefaults(), log: log}
}

// AttachArchive wires a repository for persisting finished games.
func (s *Store) AttachArchive(a Archiver) {
	if s != nil {
		s.archive = a
	}
}

func keyEvents(roomID string) string { return "arena:events:" + strings.TrimSpace(roomID) }
func keyRoom(roomID string) string   { return "arena:room:" + strings.TrimSpace(roomID) }

// RoomRecord is the denormalized authoritative room state, stored as JSON
// under arena:room:<id>. Room identity exists only as this record plus the
// event log; no in-memory object persists between requests.
type RoomRecord struct {
	ID         string      `json:"id"`
	White      string      `json:"white,omitempty"`
	Black      string      `json:"black,omitempty"`
	Spectators []string    `json:"spectators,omitempty"`
	Ready      []string    `json:"ready,omitempty"`
	Game       *game.State `json:"game"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

func (r *RoomRecord) seatOf(userID string) (game.Seat, bool) {
	switch {
	case r.White == userID:
		return game.SeatWhite, true
	case r.Black == userID:
		return game.SeatBlack, true
	default:
		for _, id := range r.Spectators {
			if id == userID {
				return game.SeatSpectator, true
			}
		}
	}
	return "", false
}

// JoinRoom assigns a seat, creating the room lazily. Rejoining participants
// keep their seat (polling clients reconnect by rejoining).
func (s *Store) JoinRoom(ctx context.Context, roomID, userID string) (game.Seat, *game.State, error) {
	roomID = strings.TrimSpace(roomID)
	userID = strings.TrimSpace(userID)
	if roomID == "" || userID == "" {
		return "", nil, game.ErrInvalidRequest
	}

	var seat game.Seat
	var snapshot *game.State
	err := s.withRecord(ctx, roomID, true, func(rec *RoomRecord) error {
		existing, ok := rec.seatOf(userID)
		if ok {
			seat = existing
			snapshot = rec.Game.Clone()
			return nil
		}
		switch {
		case rec.White == "":
			rec.White = userID
			seat = game.SeatWhite
		case rec.Black == "" && rec.White != userID:
			rec.Black = userID
			seat = game.SeatBlack
		default:
			rec.Spectators = append(rec.Spectators, userID)
			seat = game.SeatSpectator
		}
		snapshot = rec.Game.Clone()
		return nil
	})
	if err != nil {
		return "", nil, err
	}

	_, err = s.appendEvent(ctx, &protocol.Event{
		RoomID:   roomID,
		SenderID: userID,
		Type:     protocol.EventPeerJoined,
	}, protocol.PeerJoinedPayload{UserID: userID, Seat: seat})
	if err != nil {
		return "", nil, err
	}
	s.log.Info("room_join", zap.String("room_id", roomID), zap.String("user_id", userID), zap.String("seat", string(seat)))
	return seat, snapshot, nil
}

// LeaveRoom releases the participant's seat and signaling readiness. The
// record is deleted once nobody is left; the event log ages out on its own.
func (s *Store) LeaveRoom(ctx context.Context, roomID, userID string) error {
	roomID = strings.TrimSpace(roomID)
	userID = strings.TrimSpace(userID)
	if roomID == "" || userID == "" {
		return game.ErrInvalidRequest
	}
	empty := false
	err := s.withRecord(ctx, roomID, false, func(rec *RoomRecord) error {
		if rec.White == userID {
			rec.White = ""
		}
		if rec.Black == userID {
			rec.Black = ""
		}
		rec.Spectators = remove(rec.Spectators, userID)
		rec.Ready = remove(rec.Ready, userID)
		empty = rec.White == "" && rec.Black == "" && len(rec.Spectators) == 0
		return nil
	})
	if errors.Is(err, game.ErrRoomNotFound) {
		return nil // idempotent
	}
	if err != nil {
		return err
	}
	if empty {
		if err := s.rdb.Del(ctx, keyRoom(roomID)).Err(); err != nil {
			s.log.Warn("room_delete_error", zap.String("room_id", roomID), zap.Error(err))
		}
	}
	_, err = s.appendEvent(ctx, &protocol.Event{
		RoomID:   roomID,
		SenderID: userID,
		Type:     protocol.EventPeerLeft,
	}, protocol.PeerLeftPayload{ParticipantID: userID})
	return err
}

// Append stores one event with a server-assigned timestamp. Type-specific
// side effects keep the room record authoritative:
//   - move-submit: seat/turn enforcement and move application inside a WATCH
//     transaction, then a move-applied event carrying move and new state;
//   - signal-ready: readiness tracking and targeted peer-available pairing;
//   - signal-offer/answer/ice: stored addressed to their toId, stamped fromId.
//
// The returned event is the one peers will observe (for move-submit that is
// the move-applied event), so REST can echo it to the caller.
func (s *Store) Append(ctx context.Context, roomID, senderID string, t protocol.EventType, payload json.RawMessage) (*protocol.Event, error) {
	roomID = strings.TrimSpace(roomID)
	senderID = strings.TrimSpace(senderID)
	if roomID == "" || senderID == "" || t == "" {
		return nil, game.ErrInvalidRequest
	}

	switch t {
	case protocol.EventMoveSubmit:
		return s.appendMove(ctx, roomID, senderID, payload)
	case protocol.EventSignalReady:
		return s.appendReady(ctx, roomID, senderID)
	case protocol.EventSignalOffer, protocol.EventSignalAnswer, protocol.EventSignalICE:
		return s.appendSignal(ctx, roomID, senderID, t, payload)
	case protocol.EventPeerLeft:
		if err := s.LeaveRoom(ctx, roomID, senderID); err != nil {
			return nil, err
		}
		return nil, nil
	default:
		ev := &protocol.Event{RoomID: roomID, SenderID: senderID, Type: t, Payload: payload}
		return s.appendRaw(ctx, ev)
	}
}

func (s *Store) appendMove(ctx context.Context, roomID, senderID string, payload json.RawMessage) (*protocol.Event, error) {
	var mp protocol.MoveSubmitPayload
	if err := json.Unmarshal(payload, &mp); err != nil {
		return nil, game.ErrInvalidRequest
	}

	var mv game.Move
	var snapshot *game.State
	err := s.withRecord(ctx, roomID, false, func(rec *RoomRecord) error {
		seat, ok := rec.seatOf(senderID)
		if !ok {
			return game.ErrNotParticipant
		}
		m, err := s.machine.Apply(rec.Game, seat, mp.From, mp.To, mp.Promotion)
		if err != nil {
			return err
		}
		mv = m
		snapshot = rec.Game.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	ev, err := s.appendEvent(ctx, &protocol.Event{
		RoomID:   roomID,
		SenderID: senderID,
		Type:     protocol.EventMoveApplied,
	}, protocol.MoveAppliedPayload{Move: mv, State: *snapshot})
	if err != nil {
		return nil, err
	}
	s.log.Info("move_applied",
		zap.String("room_id", roomID),
		zap.String("user_id", senderID),
		zap.String("san", mv.SAN),
		zap.String("turn", string(snapshot.Turn)),
		zap.Int("history", len(snapshot.History)),
	)
	if snapshot.Status != game.StatusActive {
		if _, gerr := s.appendEvent(ctx, &protocol.Event{
			RoomID:   roomID,
			SenderID: senderID,
			Type:     protocol.EventGameOver,
		}, protocol.GameOverPayload{Outcome: snapshot.Outcome, Method: snapshot.Method}); gerr != nil {
			s.log.Warn("game_over_append_error", zap.String("room_id", roomID), zap.Error(gerr))
		}
		s.archiveResult(ctx, roomID, snapshot)
	}
	return ev, nil
}

func (s *Store) appendReady(ctx context.Context, roomID, senderID string) (*protocol.Event, error) {
	var pairWith string
	err := s.withRecord(ctx, roomID, false, func(rec *RoomRecord) error {
		seat, ok := rec.seatOf(senderID)
		if !ok {
			return game.ErrNotParticipant
		}
		if _, seated := seat.Color(); !seated {
			return game.ErrInvalidRequest
		}
		for _, id := range rec.Ready {
			if id == senderID {
				return nil
			}
		}
		if len(rec.Ready) >= 2 {
			return game.ErrInvalidRequest
		}
		if len(rec.Ready) == 1 {
			pairWith = rec.Ready[0]
		}
		rec.Ready = append(rec.Ready, senderID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	ev, err := s.appendEvent(ctx, &protocol.Event{
		RoomID:   roomID,
		SenderID: senderID,
		Type:     protocol.EventSignalReady,
	}, nil)
	if err != nil {
		return nil, err
	}
	if pairWith == "" {
		return ev, nil
	}

	// Second ready caller initiates the offer: targeted peer-available both
	// ways, initiator flag only on the late side, so no glare.
	_, err = s.appendEvent(ctx, &protocol.Event{
		RoomID:   roomID,
		SenderID: pairWith,
		TargetID: senderID,
		Type:     protocol.EventPeerAvailable,
	}, protocol.PeerAvailablePayload{PeerID: pairWith, Initiator: true})
	if err != nil {
		return nil, err
	}
	_, err = s.appendEvent(ctx, &protocol.Event{
		RoomID:   roomID,
		SenderID: senderID,
		TargetID: pairWith,
		Type:     protocol.EventPeerAvailable,
	}, protocol.PeerAvailablePayload{PeerID: senderID, Initiator: false})
	if err != nil {
		return nil, err
	}
	s.log.Info("signal_paired", zap.String("room_id", roomID), zap.String("offerer", senderID), zap.String("answerer", pairWith))
	return ev, nil
}

func (s *Store) appendSignal(ctx context.Context, roomID, senderID string, t protocol.EventType, payload json.RawMessage) (*protocol.Event, error) {
	var sp protocol.SignalPayload
	if err := json.Unmarshal(payload, &sp); err != nil || strings.TrimSpace(sp.ToID) == "" {
		return nil, game.ErrInvalidRequest
	}
	sp.FromID = senderID
	toID := strings.TrimSpace(sp.ToID)
	sp.ToID = ""
	return s.appendEvent(ctx, &protocol.Event{
		RoomID:   roomID,
		SenderID: senderID,
		TargetID: toID,
		Type:     t,
	}, sp)
}

// Poll returns the room's events newer than since, oldest first, excluding
// the requester's own events and anything addressed to somebody else. Unknown
// rooms yield an empty result, not an error. Each call opportunistically
// sweeps entries older than the retention window; concurrent sweeps from
// multiple instances converge because deletion is keyed by age.
func (s *Store) Poll(ctx context.Context, roomID, requesterID string, since time.Time) ([]protocol.Event, error) {
	roomID = strings.TrimSpace(roomID)
	requesterID = strings.TrimSpace(requesterID)
	if roomID == "" || requesterID == "" {
		return nil, game.ErrInvalidRequest
	}
	if since.IsZero() {
		since = time.Now().Add(-s.cfg.Lookback)
	}

	s.sweep(ctx, roomID)

	raws, err := s.rdb.ZRangeByScore(ctx, keyEvents(roomID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, storageErr("poll", err)
	}

	out := make([]protocol.Event, 0, len(raws))
	for _, raw := range raws {
		var ev protocol.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			s.log.Warn("event_decode_error", zap.String("room_id", roomID), zap.Error(err))
			continue
		}
		if ev.SenderID == requesterID {
			continue
		}
		if ev.TargetID != "" && ev.TargetID != requesterID {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Snapshot returns the current room record for a late-joining state read.
func (s *Store) Snapshot(ctx context.Context, roomID string) (*RoomRecord, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, game.ErrInvalidRequest
	}
	raw, err := s.rdb.Get(ctx, keyRoom(roomID)).Bytes()
	if err == redis.Nil {
		return nil, game.ErrRoomNotFound
	}
	if err != nil {
		return nil, storageErr("snapshot", err)
	}
	var rec RoomRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, storageErr("snapshot decode", err)
	}
	return &rec, nil
}

// withRecord runs mutate against the room record inside a WATCH transaction,
// retrying a few times on contention. create controls lazy room creation.
func (s *Store) withRecord(ctx context.Context, roomID string, create bool, mutate func(*RoomRecord) error) error {
	key := keyRoom(roomID)
	var lastErr error
	for attempt := 0; attempt < txRetries; attempt++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			var rec *RoomRecord
			switch {
			case err == redis.Nil:
				if !create {
					return game.ErrRoomNotFound
				}
				now := time.Now().UTC()
				rec = &RoomRecord{ID: roomID, Game: game.NewState(), CreatedAt: now}
			case err != nil:
				return storageErr("load room", err)
			default:
				rec = &RoomRecord{}
				if jerr := json.Unmarshal(raw, rec); jerr != nil {
					return storageErr("decode room", jerr)
				}
			}

			if err := mutate(rec); err != nil {
				return err
			}
			rec.UpdatedAt = time.Now().UTC()

			newRaw, err := json.Marshal(rec)
			if err != nil {
				return storageErr("encode room", err)
			}
			pipe := tx.TxPipeline()
			pipe.Set(ctx, key, newRaw, s.cfg.RoomTTL)
			_, perr := pipe.Exec(ctx)
			return perr
		}, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			lastErr = err
			continue
		}
		return err
	}
	return storageErr("room tx", lastErr)
}

// appendEvent assigns id and timestamp and writes the entry as a single ZADD.
func (s *Store) appendEvent(ctx context.Context, ev *protocol.Event, payload any) (*protocol.Event, error) {
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, game.ErrInvalidRequest
		}
		ev.Payload = raw
	}
	return s.appendRaw(ctx, ev)
}

func (s *Store) appendRaw(ctx context.Context, ev *protocol.Event) (*protocol.Event, error) {
	ev.ID = uuid.NewString()
	// Millisecond resolution: the zset score must round-trip exactly through
	// the float64 score and the createdAt cursor, and ordering across senders
	// is only as strong as this resolution anyway.
	ev.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, game.ErrInvalidRequest
	}
	key := keyEvents(ev.RoomID)
	if err := s.rdb.ZAdd(ctx, key, redis.Z{
		Score:  float64(ev.CreatedAt.UnixMilli()),
		Member: string(raw),
	}).Err(); err != nil {
		return nil, storageErr("append", err)
	}
	if err := s.rdb.Expire(ctx, key, s.cfg.RoomTTL).Err(); err != nil {
		s.log.Warn("event_ttl_error", zap.String("room_id", ev.RoomID), zap.Error(err))
	}
	return ev, nil
}

func (s *Store) sweep(ctx context.Context, roomID string) {
	cutoff := time.Now().Add(-s.cfg.Retention).UnixMilli()
	removed, err := s.rdb.ZRemRangeByScore(ctx, keyEvents(roomID), "-inf", strconv.FormatInt(cutoff, 10)).Result()
	if err != nil {
		s.log.Debug("sweep_error", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	if removed > 0 {
		s.log.Debug("sweep", zap.String("room_id", roomID), zap.Int64("removed", removed))
	}
}

func (s *Store) archiveResult(ctx context.Context, roomID string, st *game.State) {
	if s.archive == nil {
		return
	}
	rec, err := s.Snapshot(ctx, roomID)
	if err != nil {
		s.log.Error("archive_snapshot_error", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	method := st.Method
	if method == "" {
		method = strings.ToLower(string(st.Status))
	}
	if err := s.archive.SaveResult(ctx, roomID, rec.White, rec.Black, st, method); err != nil {
		s.log.Error("archive_error", zap.String("room_id", roomID), zap.Error(err))
	}
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, it := range list {
		if it != v {
			out = append(out, it)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func storageErr(op string, cause error) error {
	return fmt.Errorf("%w: %s: %v", game.ErrStorageUnavailable, op, cause)
}
