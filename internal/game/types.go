package game

import "time"

// InitialFEN is the standard chess starting position.
const InitialFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// Color identifies a chess side.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

// Other returns the opposing color.
func (c Color) Other() Color {
	if c == White {
		return Black
	}
	return White
}

// Seat is a room role assigned to a participant.
type Seat string

const (
	SeatWhite     Seat = "white"
	SeatBlack     Seat = "black"
	SeatSpectator Seat = "spectator"
)

// Color returns the playing color for a seat. Spectators have none.
func (s Seat) Color() (Color, bool) {
	switch s {
	case SeatWhite:
		return White, true
	case SeatBlack:
		return Black, true
	default:
		return "", false
	}
}

// Status represents the lifecycle of a game.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusFinished Status = "FINISHED"
	StatusDraw     Status = "DRAW"
)

// Move is one accepted move. Immutable once appended to history.
type Move struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Promotion string    `json:"promotion,omitempty"`
	SAN       string    `json:"san"`
	UCI       string    `json:"uci"`
	By        Color     `json:"by"`
	At        time.Time `json:"at"`
	// FEN is the position resulting from this move, as computed by the
	// rules-engine collaborator.
	FEN string `json:"fen"`
}

// State is the authoritative game state shared by every participant of a room.
// Mutated only by Machine.Apply.
type State struct {
	FEN     string `json:"fen"`
	Turn    Color  `json:"turn"`
	History []Move `json:"history"`
	Status  Status `json:"status"`
	Outcome string `json:"outcome,omitempty"` // "white" | "black" | "draw"
	Method  string `json:"method,omitempty"`
}

// NewState returns the initial-position state with white to move.
func NewState() *State {
	return &State{
		FEN:     InitialFEN,
		Turn:    White,
		History: []Move{},
		Status:  StatusActive,
	}
}

// Clone returns a deep copy safe to hand across goroutine boundaries.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	cp := *s
	cp.History = append([]Move(nil), s.History...)
	return &cp
}

// MoveResult is what the rules engine reports for a legal move.
type MoveResult struct {
	SAN string
	UCI string
	FEN string // resulting position
}

// Outcome is a terminal verdict reported by the rules engine.
type Outcome struct {
	Winner Color // set when not a draw
	Draw   bool
	Method string
}

// Rules is the external rules-engine collaborator. The state machine trusts
// the resulting position it supplies; legality is the collaborator's contract.
type Rules interface {
	ApplyMove(fen, from, to, promotion string) (*MoveResult, error)
	LegalMoves(fen, square string) ([]string, error)
	Terminal(fen string) (*Outcome, error)
}
