package core

import (
	"time"

	"github.com/iccanobif/gikopoi2-sub001/internal/game"
	"github.com/iccanobif/gikopoi2-sub001/internal/game/chess"
	"github.com/iccanobif/gikopoi2-sub001/internal/game/janken"
	"github.com/iccanobif/gikopoi2-sub001/internal/generation"
	"github.com/iccanobif/gikopoi2-sub001/internal/presence"
	"github.com/iccanobif/gikopoi2-sub001/internal/rooms"
	"github.com/iccanobif/gikopoi2-sub001/internal/world"
)

// arm schedules step on the hub goroutine after d. The step is skipped when
// the timer was re-armed or stopped in the meantime.
func (h *Hub) arm(t *game.Timer, d time.Duration, step func()) {
	t.Arm(d, func(ticket generation.Ticket) {
		h.post(func() {
			if ticket.Valid() {
				step()
			}
		})
	})
}

func (h *Hub) gameRoom(c *Client, u *presence.User, g world.Game) *rooms.RoomState {
	st := h.currentRoom(u)
	if st == nil || !st.Room.HasGame(g) {
		c.send(errorEvent(ErrCodeGameMissing, string(g)+" is not available in this room"))
		return nil
	}
	return st
}

func (h *Hub) broadcastChess(st *rooms.RoomState) {
	state := st.Chess.State()
	h.broadcastRoom(st, func(*presence.User) *Event {
		return &Event{Kind: EventChess, Chess: &state}
	})
}

// echoChess answers a rejected chess request with the unchanged state.
func (h *Hub) echoChess(c *Client, st *rooms.RoomState) {
	state := st.Chess.State()
	c.send(&Event{Kind: EventChess, Chess: &state})
}

func (h *Hub) armChess(st *rooms.RoomState) {
	h.arm(&st.Chess.Timer, h.cfg.ChessMoveTimeout, func() {
		if st.Chess.Phase() != chess.PhasePlaying {
			return
		}
		st.Chess.Stop(chess.EndTimeout)
		h.broadcastChess(st)
	})
}

func (h *Hub) handleChessJoin(c *Client, u *presence.User) {
	st := h.gameRoom(c, u, world.GameChess)
	if st == nil {
		return
	}
	started, err := st.Chess.Join(u.ID, h.now())
	if err != nil {
		h.echoChess(c, st)
		return
	}
	if started {
		h.armChess(st)
	}
	h.broadcastChess(st)
}

func (h *Hub) handleChessMove(c *Client, u *presence.User, cmd *Command) {
	st := h.gameRoom(c, u, world.GameChess)
	if st == nil {
		return
	}
	concluded, err := st.Chess.Move(u.ID, cmd.Move, h.now())
	if err != nil {
		h.echoChess(c, st)
		return
	}
	if concluded {
		st.Chess.Stop("")
	} else {
		h.armChess(st)
	}
	h.broadcastChess(st)
}

func (h *Hub) handleChessQuit(c *Client, u *presence.User) {
	st := h.gameRoom(c, u, world.GameChess)
	if st == nil {
		return
	}
	if !st.Chess.IsPlayer(u.ID) {
		h.echoChess(c, st)
		return
	}
	st.Chess.Stop(chess.EndQuit)
	h.broadcastChess(st)
}

func (h *Hub) broadcastJanken(st *rooms.RoomState) {
	state := st.Janken.State()
	h.broadcastRoom(st, func(*presence.User) *Event {
		return &Event{Kind: EventJanken, Janken: &state}
	})
}

func (h *Hub) echoJanken(c *Client, st *rooms.RoomState, err error) {
	state := st.Janken.State()
	c.send(&Event{Kind: EventJanken, Janken: &state, Error: coreError(ErrCodeJanken, err.Error())})
}

// armChoosing starts the choosing countdown; running out names the player who
// did not pick a hand.
func (h *Hub) armChoosing(st *rooms.RoomState) {
	h.arm(&st.Janken.Timer, h.cfg.JankenChoosingTimeout, func() {
		if st.Janken.Timeout() {
			h.broadcastJanken(st)
			h.armReset(st)
		}
	})
}

// armReset returns the game to joining once the result has been shown.
func (h *Hub) armReset(st *rooms.RoomState) {
	h.arm(&st.Janken.Timer, h.cfg.JankenResultDelay, func() {
		st.Janken.Reset()
		h.broadcastJanken(st)
	})
}

func (h *Hub) armPhrase(st *rooms.RoomState) {
	h.arm(&st.Janken.Timer, h.cfg.JankenPhraseDelay, func() {
		stage, err := st.Janken.Resolve()
		if err != nil {
			return
		}
		h.broadcastJanken(st)
		if stage == janken.StageDraw {
			h.arm(&st.Janken.Timer, h.cfg.JankenRematchDelay, func() {
				if st.Janken.Rematch() == nil {
					h.broadcastJanken(st)
					h.armChoosing(st)
				}
			})
			return
		}
		h.armReset(st)
	})
}

func (h *Hub) handleJankenJoin(c *Client, u *presence.User) {
	st := h.gameRoom(c, u, world.GameJanken)
	if st == nil {
		return
	}
	started, err := st.Janken.Join(u.ID)
	if err != nil {
		h.echoJanken(c, st, err)
		return
	}
	if started {
		h.armChoosing(st)
	}
	h.broadcastJanken(st)
}

func (h *Hub) handleJankenChoose(c *Client, u *presence.User, cmd *Command) {
	st := h.gameRoom(c, u, world.GameJanken)
	if st == nil {
		return
	}
	ready, err := st.Janken.Choose(u.ID, cmd.Hand)
	if err != nil {
		h.echoJanken(c, st, err)
		return
	}
	if ready {
		h.armPhrase(st)
	}
	h.broadcastJanken(st)
}

func (h *Hub) handleJankenQuit(c *Client, u *presence.User) {
	st := h.gameRoom(c, u, world.GameJanken)
	if st == nil {
		return
	}
	if !st.Janken.Quit(u.ID) {
		err := janken.ErrNotPlayer
		if st.Janken.IsPlayer(u.ID) {
			err = janken.ErrWrongStage
		}
		h.echoJanken(c, st, err)
		return
	}
	h.broadcastJanken(st)
	h.armReset(st)
}

// leaveGames takes u out of both games of st.
func (h *Hub) leaveGames(u *presence.User, st *rooms.RoomState) {
	if st.Chess.IsPlayer(u.ID) {
		st.Chess.Stop(chess.EndQuit)
		h.broadcastChess(st)
	}
	if st.Janken.Quit(u.ID) {
		h.broadcastJanken(st)
		h.armReset(st)
	}
}
