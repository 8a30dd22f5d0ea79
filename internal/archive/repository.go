// Package archive persists finished games to Postgres. It is an optional
// collaborator: both transports run fine without a DATABASE_URL, they just
// keep nothing after the room is gone.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/park285/chess-arena/internal/game"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// SaveResult upserts one finished game keyed by room id, so a retried archive
// after a transient failure overwrites rather than duplicates.
func (r *Repository) SaveResult(ctx context.Context, roomID, whiteID, blackID string, st *game.State, method string) error {
	if r == nil || r.db == nil || st == nil {
		return nil
	}

	result := strings.TrimSpace(st.Outcome)
	pgnResult := mapResultToPGN(result)
	pgn := buildPGN(roomID, whiteID, blackID, st, pgnResult, method)

	uci := make([]string, 0, len(st.History))
	san := make([]string, 0, len(st.History))
	for _, mv := range st.History {
		uci = append(uci, mv.UCI)
		san = append(san, mv.SAN)
	}
	movesUCIRaw, _ := json.Marshal(uci)
	movesSANRaw, _ := json.Marshal(san)

	var startedAt, endedAt time.Time
	if n := len(st.History); n > 0 {
		startedAt = st.History[0].At
		endedAt = st.History[n-1].At
	} else {
		startedAt = time.Now().UTC()
		endedAt = startedAt
	}
	duration := endedAt.Sub(startedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	q := `INSERT INTO arena_games (
	    room_id, white_id, black_id,
	    result, result_method, final_fen,
	    moves_uci, moves_san, pgn,
	    started_at, ended_at, duration_ms
	  ) VALUES (
	    $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
	  ) ON CONFLICT (room_id) DO UPDATE SET
	    white_id=EXCLUDED.white_id,
	    black_id=EXCLUDED.black_id,
	    result=EXCLUDED.result,
	    result_method=EXCLUDED.result_method,
	    final_fen=EXCLUDED.final_fen,
	    moves_uci=EXCLUDED.moves_uci,
	    moves_san=EXCLUDED.moves_san,
	    pgn=EXCLUDED.pgn,
	    started_at=EXCLUDED.started_at,
	    ended_at=EXCLUDED.ended_at,
	    duration_ms=EXCLUDED.duration_ms`

	_, err := r.db.ExecContext(ctx, q,
		roomID, whiteID, blackID,
		result, strings.TrimSpace(method), st.FEN,
		string(movesUCIRaw), string(movesSANRaw), pgn,
		startedAt, endedAt, duration,
	)
	return err
}

func mapResultToPGN(result string) string {
	switch strings.ToLower(strings.TrimSpace(result)) {
	case "white":
		return "1-0"
	case "black":
		return "0-1"
	case "draw":
		return "1/2-1/2"
	default:
		return "*"
	}
}

func buildPGN(roomID, whiteID, blackID string, st *game.State, pgnResult, method string) string {
	var b strings.Builder
	date := time.Now().UTC()
	if n := len(st.History); n > 0 && !st.History[n-1].At.IsZero() {
		date = st.History[n-1].At
	}
	b.WriteString("[Event \"Arena\"]\n")
	b.WriteString(fmt.Sprintf("[Site \"%s\"]\n", sanitizePGN(roomID)))
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	b.WriteString(fmt.Sprintf("[White \"%s\"]\n", sanitizePGN(whiteID)))
	b.WriteString(fmt.Sprintf("[Black \"%s\"]\n", sanitizePGN(blackID)))
	if strings.TrimSpace(method) != "" {
		b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", sanitizePGN(strings.ToLower(method))))
	}
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n\n", pgnResult))

	for i := 0; i < len(st.History); i += 2 {
		turn := (i / 2) + 1
		b.WriteString(fmt.Sprintf("%d. %s", turn, strings.TrimSpace(st.History[i].SAN)))
		if i+1 < len(st.History) {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(st.History[i+1].SAN))
		}
		b.WriteString(" ")
	}
	if pgnResult != "" {
		b.WriteString(pgnResult)
	}
	return b.String()
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
