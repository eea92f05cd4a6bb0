// Package chess arbitrates a two-player chess game embedded in a room.
//
// Board legality is delegated to github.com/notnil/chess; this package owns
// seat assignment, turn ownership and the move timer.
package chess

import (
	"errors"
	"fmt"
	"strings"
	"time"

	nchess "github.com/notnil/chess"

	"github.com/iccanobif/gikopoi2-sub001/internal/game"
)

var (
	ErrNotRunning    = errors.New("no chess game in progress")
	ErrNotPlayer     = errors.New("not a chess player")
	ErrWrongTurn     = errors.New("not your turn")
	ErrIllegalMove   = errors.New("illegal move")
	ErrAlreadyJoined = errors.New("already joined")
	ErrGameFull      = errors.New("game already has two players")
)

// Phase is the lifecycle stage of the game.
type Phase string

const (
	PhaseNoGame   Phase = "none"
	PhaseAwaiting Phase = "awaiting_second_player"
	PhasePlaying  Phase = "playing"
)

// End reasons reported in State.EndReason.
const (
	EndCheckmate = "checkmate"
	EndDraw      = "draw"
	EndTimeout   = "timeout"
	EndQuit      = "quit"
)

// Game is the chess sub-state of one room. Not safe for concurrent use.
type Game struct {
	WhiteUserID  string
	BlackUserID  string
	LastMoveTime time.Time
	Timer        game.Timer

	instance  *nchess.Game
	outcome   string
	endReason string
}

// New returns an empty game.
func New() *Game {
	return &Game{}
}

// Phase reports the current lifecycle stage.
func (g *Game) Phase() Phase {
	switch {
	case g.WhiteUserID == "" && g.BlackUserID == "":
		return PhaseNoGame
	case g.BlackUserID == "":
		return PhaseAwaiting
	default:
		return PhasePlaying
	}
}

// IsPlayer reports whether userID holds a color.
func (g *Game) IsPlayer(userID string) bool {
	return userID != "" && (userID == g.WhiteUserID || userID == g.BlackUserID)
}

// Join seats userID. The first requester takes white; a second distinct
// requester takes black and starts a fresh board.
func (g *Game) Join(userID string, now time.Time) (started bool, err error) {
	switch g.Phase() {
	case PhaseNoGame:
		g.WhiteUserID = userID
		return false, nil
	case PhaseAwaiting:
		if userID == g.WhiteUserID {
			return false, ErrAlreadyJoined
		}
		g.BlackUserID = userID
		g.instance = nchess.NewGame(nchess.UseNotation(nchess.UCINotation{}))
		g.LastMoveTime = now
		g.outcome = ""
		g.endReason = ""
		return true, nil
	default:
		if g.IsPlayer(userID) {
			return false, ErrAlreadyJoined
		}
		return false, ErrGameFull
	}
}

// Move applies a UCI move ("e2e4", "e7e8q") for userID. It returns true when
// the move ends the game; the caller then runs Stop.
func (g *Game) Move(userID, move string, now time.Time) (concluded bool, err error) {
	if g.Phase() != PhasePlaying || g.instance == nil {
		return false, ErrNotRunning
	}
	if !g.IsPlayer(userID) {
		return false, ErrNotPlayer
	}
	if g.colorOf(userID) != g.instance.Position().Turn() {
		return false, ErrWrongTurn
	}
	if err := g.instance.MoveStr(strings.ToLower(strings.TrimSpace(move))); err != nil {
		return false, fmt.Errorf("%w: %v", ErrIllegalMove, err)
	}
	g.LastMoveTime = now

	if g.instance.Outcome() != nchess.NoOutcome {
		g.outcome = string(g.instance.Outcome())
		if g.instance.Method() == nchess.Checkmate {
			g.endReason = EndCheckmate
		} else {
			g.endReason = EndDraw
		}
		return true, nil
	}
	return false, nil
}

// Stop clears both seats and the timer. An empty reason keeps the one recorded
// by Move. The last board stays attached so the final position remains visible
// until the next game starts.
func (g *Game) Stop(reason string) {
	if reason != "" {
		g.endReason = reason
	}
	g.WhiteUserID = ""
	g.BlackUserID = ""
	g.Timer.Stop()
}

func (g *Game) colorOf(userID string) nchess.Color {
	if userID == g.WhiteUserID {
		return nchess.White
	}
	return nchess.Black
}

// State is the broadcastable view of the game.
type State struct {
	Phase        Phase  `json:"phase"`
	FEN          string `json:"fen,omitempty"`
	WhiteUserID  string `json:"white_user_id,omitempty"`
	BlackUserID  string `json:"black_user_id,omitempty"`
	Turn         string `json:"turn,omitempty"`
	Outcome      string `json:"outcome,omitempty"`
	EndReason    string `json:"end_reason,omitempty"`
	LastMoveTime int64  `json:"last_move_time,omitempty"`
}

// State snapshots the game for clients.
func (g *Game) State() State {
	s := State{
		Phase:       g.Phase(),
		WhiteUserID: g.WhiteUserID,
		BlackUserID: g.BlackUserID,
		Outcome:     g.outcome,
		EndReason:   g.endReason,
	}
	if g.instance != nil {
		s.FEN = g.instance.FEN()
		if s.Phase == PhasePlaying {
			if g.instance.Position().Turn() == nchess.White {
				s.Turn = "white"
			} else {
				s.Turn = "black"
			}
		}
	}
	if !g.LastMoveTime.IsZero() {
		s.LastMoveTime = g.LastMoveTime.UnixMilli()
	}
	return s
}

// FEN returns the current or last board position, or "" before any game.
func (g *Game) FEN() string {
	if g.instance == nil {
		return ""
	}
	return g.instance.FEN()
}
