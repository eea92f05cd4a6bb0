// Package janken implements the rock-paper-scissors mini-game of a room.
//
// The stage machine is
//
//	joining -> choosing -> phrase -> win | draw
//
// with quit and timeout as side exits. A draw loops back to choosing; every
// other terminal stage is followed by Reset. Timers are armed by the owner of
// the room through Game.Timer; this package only validates transitions.
package janken

import (
	"errors"
	"time"

	"github.com/iccanobif/gikopoi2-sub001/internal/game"
)

// Stage is the current step of the state machine.
type Stage string

const (
	StageJoining  Stage = "joining"
	StageChoosing Stage = "choosing"
	StagePhrase   Stage = "phrase"
	StageWin      Stage = "win"
	StageDraw     Stage = "draw"
	StageQuit     Stage = "quit"
	StageTimeout  Stage = "timeout"
)

// Hand is a player's choice.
type Hand string

const (
	Rock     Hand = "rock"
	Paper    Hand = "paper"
	Scissors Hand = "scissors"
)

// Valid reports whether h is one of the three hands.
func (h Hand) Valid() bool {
	return h == Rock || h == Paper || h == Scissors
}

// Beats reports whether h wins against other.
func (h Hand) Beats(other Hand) bool {
	switch h {
	case Rock:
		return other == Scissors
	case Scissors:
		return other == Paper
	case Paper:
		return other == Rock
	}
	return false
}

// Default stage durations.
const (
	ChoosingTimeout = 20 * time.Second
	PhraseDelay     = 3 * time.Second
	RematchDelay    = 3 * time.Second
	ResultDelay     = 5 * time.Second
)

var (
	ErrWrongStage    = errors.New("janken: not allowed in current stage")
	ErrAlreadyJoined = errors.New("janken: already joined")
	ErrNotPlayer     = errors.New("janken: not a player")
	ErrInvalidHand   = errors.New("janken: invalid hand")
	ErrAlreadyChosen = errors.New("janken: hand already chosen")
)

// Game is the janken sub-state of one room. Not safe for concurrent use.
type Game struct {
	Stage         Stage
	Player1ID     string
	Player2ID     string
	Player1Hand   Hand
	Player2Hand   Hand
	NamedPlayerID string
	Timer         game.Timer
}

// New returns a game in the joining stage.
func New() *Game {
	return &Game{Stage: StageJoining}
}

// IsPlayer reports whether userID holds one of the two seats.
func (g *Game) IsPlayer(userID string) bool {
	return userID != "" && (userID == g.Player1ID || userID == g.Player2ID)
}

// Join seats userID. The second distinct player moves the game to choosing and
// started is true; the caller arms ChoosingTimeout.
func (g *Game) Join(userID string) (started bool, err error) {
	if g.Stage != StageJoining {
		return false, ErrWrongStage
	}
	if g.IsPlayer(userID) {
		return false, ErrAlreadyJoined
	}
	if g.Player1ID == "" {
		g.Player1ID = userID
		return false, nil
	}
	g.Player2ID = userID
	g.Stage = StageChoosing
	return true, nil
}

// Choose records userID's hand. When both hands are in, the game moves to
// phrase and ready is true; the caller arms PhraseDelay and then Resolve.
func (g *Game) Choose(userID string, hand Hand) (ready bool, err error) {
	if g.Stage != StageChoosing {
		return false, ErrWrongStage
	}
	if !hand.Valid() {
		return false, ErrInvalidHand
	}
	slot := g.handOf(userID)
	if slot == nil {
		return false, ErrNotPlayer
	}
	if *slot != "" {
		return false, ErrAlreadyChosen
	}
	*slot = hand
	if g.Player1Hand != "" && g.Player2Hand != "" {
		g.Stage = StagePhrase
		return true, nil
	}
	return false, nil
}

// Resolve compares the hands after the phrase and moves to win or draw.
func (g *Game) Resolve() (Stage, error) {
	if g.Stage != StagePhrase {
		return g.Stage, ErrWrongStage
	}
	switch {
	case g.Player1Hand == g.Player2Hand:
		g.Stage = StageDraw
		g.NamedPlayerID = ""
	case g.Player1Hand.Beats(g.Player2Hand):
		g.Stage = StageWin
		g.NamedPlayerID = g.Player1ID
	default:
		g.Stage = StageWin
		g.NamedPlayerID = g.Player2ID
	}
	return g.Stage, nil
}

// Rematch restarts choosing after a draw with the same players.
func (g *Game) Rematch() error {
	if g.Stage != StageDraw {
		return ErrWrongStage
	}
	g.Player1Hand = ""
	g.Player2Hand = ""
	g.Stage = StageChoosing
	return nil
}

// Quit moves the game to quit if userID is seated and the round is not
// already over. The quitter becomes the named player.
func (g *Game) Quit(userID string) bool {
	if !g.IsPlayer(userID) {
		return false
	}
	switch g.Stage {
	case StageJoining, StageChoosing, StagePhrase, StageDraw:
	default:
		return false
	}
	g.Timer.Stop()
	g.Stage = StageQuit
	g.NamedPlayerID = userID
	return true
}

// Timeout ends a choosing stage that ran out of time. The named player is the
// one who had not chosen; it is empty when neither had.
func (g *Game) Timeout() bool {
	if g.Stage != StageChoosing {
		return false
	}
	g.Stage = StageTimeout
	switch {
	case g.Player1Hand == "" && g.Player2Hand != "":
		g.NamedPlayerID = g.Player1ID
	case g.Player2Hand == "" && g.Player1Hand != "":
		g.NamedPlayerID = g.Player2ID
	default:
		g.NamedPlayerID = ""
	}
	return true
}

// Reset returns the game to an empty joining stage.
func (g *Game) Reset() {
	g.Timer.Stop()
	g.Stage = StageJoining
	g.Player1ID = ""
	g.Player2ID = ""
	g.Player1Hand = ""
	g.Player2Hand = ""
	g.NamedPlayerID = ""
}

func (g *Game) handOf(userID string) *Hand {
	switch {
	case userID == "":
		return nil
	case userID == g.Player1ID:
		return &g.Player1Hand
	case userID == g.Player2ID:
		return &g.Player2Hand
	}
	return nil
}

// State is the broadcastable view of the game. Hands are only revealed once
// the round has a result.
type State struct {
	Stage         Stage  `json:"stage"`
	Player1ID     string `json:"player1_id,omitempty"`
	Player2ID     string `json:"player2_id,omitempty"`
	Player1Hand   Hand   `json:"player1_hand,omitempty"`
	Player2Hand   Hand   `json:"player2_hand,omitempty"`
	Player1Chosen bool   `json:"player1_chosen"`
	Player2Chosen bool   `json:"player2_chosen"`
	NamedPlayerID string `json:"named_player_id,omitempty"`
}

// State returns the sanitized view.
func (g *Game) State() State {
	s := State{
		Stage:         g.Stage,
		Player1ID:     g.Player1ID,
		Player2ID:     g.Player2ID,
		Player1Chosen: g.Player1Hand != "",
		Player2Chosen: g.Player2Hand != "",
		NamedPlayerID: g.NamedPlayerID,
	}
	if g.Stage == StageWin || g.Stage == StageDraw {
		s.Player1Hand = g.Player1Hand
		s.Player2Hand = g.Player2Hand
	}
	return s
}
