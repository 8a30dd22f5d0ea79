// Package rules wraps the chess rules library behind the narrow collaborator
// contract the session layer consumes: apply a move, list legal moves, detect
// terminal positions. Nothing outside this package touches the library.
package rules

import (
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/park285/chess-arena/internal/game"
)

type Engine struct{}

func New() *Engine { return &Engine{} }

var _ game.Rules = (*Engine)(nil)

// ApplyMove validates (from,to,promotion) against fen and returns the SAN,
// the UCI string, and the resulting position. Illegal input yields
// game.ErrIllegalMove.
func (e *Engine) ApplyMove(fen, from, to, promotion string) (*game.MoveResult, error) {
	g, err := gameFromFEN(fen)
	if err != nil {
		return nil, err
	}
	uci := strings.ToLower(strings.TrimSpace(from) + strings.TrimSpace(to) + strings.TrimSpace(promotion))
	pos := g.Position()
	mv, err := nchess.UCINotation{}.Decode(pos, uci)
	if err != nil {
		return nil, game.ErrIllegalMove
	}
	san := nchess.AlgebraicNotation{}.Encode(pos, mv)
	if err := g.Move(mv, nil); err != nil {
		return nil, game.ErrIllegalMove
	}
	return &game.MoveResult{SAN: san, UCI: uci, FEN: g.FEN()}, nil
}

// LegalMoves lists the destination squares reachable from square.
func (e *Engine) LegalMoves(fen, square string) ([]string, error) {
	g, err := gameFromFEN(fen)
	if err != nil {
		return nil, err
	}
	sq := strings.ToLower(strings.TrimSpace(square))
	var out []string
	for _, mv := range g.ValidMoves() {
		if mv.S1().String() == sq {
			out = append(out, mv.S2().String())
		}
	}
	return out, nil
}

// Terminal reports the outcome of fen, or nil while the game is still live.
func (e *Engine) Terminal(fen string) (*game.Outcome, error) {
	g, err := gameFromFEN(fen)
	if err != nil {
		return nil, err
	}
	pos := g.Position()
	switch pos.Status() {
	case nchess.Checkmate:
		return &game.Outcome{Winner: colorFrom(pos.Turn().Other()), Method: "checkmate"}, nil
	case nchess.Stalemate:
		return &game.Outcome{Draw: true, Method: "stalemate"}, nil
	}
	if g.Outcome() == nchess.Draw {
		return &game.Outcome{Draw: true, Method: strings.ToLower(g.Method().String())}, nil
	}
	return nil, nil
}

func gameFromFEN(fen string) (*nchess.Game, error) {
	fen = strings.TrimSpace(fen)
	if fen == "" || fen == "startpos" {
		return nchess.NewGame(), nil
	}
	option, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("parse fen %q: %w", fen, err)
	}
	return nchess.NewGame(option), nil
}

func colorFrom(c nchess.Color) game.Color {
	if c == nchess.White {
		return game.White
	}
	return game.Black
}
