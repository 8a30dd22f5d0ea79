package game

import (
	"strings"
	"time"
)

// Machine applies moves to authoritative game state: it enforces seating and
// turn order, delegates legality and the resulting position to the rules
// collaborator, and flips the turn on acceptance.
type Machine struct {
	rules Rules
}

func NewMachine(rules Rules) *Machine {
	return &Machine{rules: rules}
}

// Apply mutates s with the move (from,to,promotion) submitted by seat.
// On rejection s is left unchanged.
func (m *Machine) Apply(s *State, seat Seat, from, to, promotion string) (Move, error) {
	if s == nil {
		return Move{}, ErrRoomNotFound
	}
	if s.Status != StatusActive {
		return Move{}, ErrGameOver
	}
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" || to == "" {
		return Move{}, ErrInvalidRequest
	}
	color, ok := seat.Color()
	if !ok || color != s.Turn {
		return Move{}, ErrOutOfTurn
	}

	res, err := m.rules.ApplyMove(s.FEN, from, to, promotion)
	if err != nil {
		return Move{}, err
	}

	mv := Move{
		From:      from,
		To:        to,
		Promotion: strings.TrimSpace(promotion),
		SAN:       res.SAN,
		UCI:       res.UCI,
		By:        color,
		At:        time.Now().UTC(),
		FEN:       res.FEN,
	}
	s.History = append(s.History, mv)
	s.FEN = res.FEN
	s.Turn = s.Turn.Other()

	if out, terr := m.rules.Terminal(res.FEN); terr == nil && out != nil {
		if out.Draw {
			s.Status = StatusDraw
			s.Outcome = "draw"
		} else {
			s.Status = StatusFinished
			s.Outcome = string(out.Winner)
		}
		s.Method = out.Method
	}
	return mv, nil
}
