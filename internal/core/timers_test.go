package core

import (
	"context"
	"testing"
	"time"

	"github.com/iccanobif/gikopoi2-sub001/internal/game/chess"
	"github.com/iccanobif/gikopoi2-sub001/internal/game/janken"
	"github.com/iccanobif/gikopoi2-sub001/internal/rooms"
)

func shortJanken(cfg *Config) {
	cfg.JankenChoosingTimeout = 5 * time.Second
	cfg.JankenPhraseDelay = 20 * time.Millisecond
	cfg.JankenRematchDelay = 20 * time.Millisecond
	cfg.JankenResultDelay = 50 * time.Millisecond
}

// mustJanken skips janken broadcasts until one reaches stage.
func mustJanken(t *testing.T, ch <-chan *Event, stage janken.Stage) janken.State {
	t.Helper()
	for {
		ev := mustEvent(t, ch, EventJanken)
		if ev.Janken.Stage == stage {
			return *ev.Janken
		}
	}
}

// seatJanken seats a and b in that order and waits for choosing.
func seatJanken(t *testing.T, a, b, observer *Client) {
	t.Helper()
	a.Commands <- &Command{Kind: CommandJankenJoin}
	mustJanken(t, observer.Events, janken.StageJoining)
	b.Commands <- &Command{Kind: CommandJankenJoin}
	mustJanken(t, observer.Events, janken.StageChoosing)
}

func TestJankenRoundWinThenReset(t *testing.T) {
	env := newTestEnv(t, shortJanken)

	alice, aliceID := env.join(t, "alice", "jinja")
	bob, bobID := env.join(t, "bob", "jinja")
	carol, _ := env.join(t, "carol", "jinja")
	seatJanken(t, alice, bob, carol)

	alice.Commands <- &Command{Kind: CommandJankenChoose, Hand: janken.Rock}
	chosen := mustJanken(t, carol.Events, janken.StageChoosing)
	if !chosen.Player1Chosen || chosen.Player1Hand != "" {
		t.Fatalf("hand must stay hidden while choosing: %+v", chosen)
	}
	bob.Commands <- &Command{Kind: CommandJankenChoose, Hand: janken.Scissors}
	phrase := mustJanken(t, carol.Events, janken.StagePhrase)
	if phrase.Player2Hand != "" {
		t.Fatalf("hands must stay hidden during the phrase: %+v", phrase)
	}

	win := mustJanken(t, carol.Events, janken.StageWin)
	if win.NamedPlayerID != aliceID.UserID || win.Player1Hand != janken.Rock || win.Player2Hand != janken.Scissors {
		t.Fatalf("expected rock to beat scissors: %+v", win)
	}
	if win.Player1ID != aliceID.UserID || win.Player2ID != bobID.UserID {
		t.Fatalf("unexpected seats: %+v", win)
	}

	reset := mustJanken(t, carol.Events, janken.StageJoining)
	if reset.Player1ID != "" || reset.Player2ID != "" || reset.NamedPlayerID != "" {
		t.Fatalf("expected an empty game after the result, got %+v", reset)
	}
}

func TestJankenDrawStartsRematch(t *testing.T) {
	env := newTestEnv(t, shortJanken)

	alice, _ := env.join(t, "alice", "jinja")
	bob, bobID := env.join(t, "bob", "jinja")
	carol, _ := env.join(t, "carol", "jinja")
	seatJanken(t, alice, bob, carol)

	alice.Commands <- &Command{Kind: CommandJankenChoose, Hand: janken.Paper}
	mustJanken(t, carol.Events, janken.StageChoosing)
	bob.Commands <- &Command{Kind: CommandJankenChoose, Hand: janken.Paper}

	draw := mustJanken(t, carol.Events, janken.StageDraw)
	if draw.NamedPlayerID != "" || draw.Player1Hand != janken.Paper || draw.Player2Hand != janken.Paper {
		t.Fatalf("equal hands must draw: %+v", draw)
	}
	rematch := mustJanken(t, carol.Events, janken.StageChoosing)
	if rematch.Player1Chosen || rematch.Player2Chosen || rematch.Player2ID != bobID.UserID {
		t.Fatalf("expected a fresh choosing round with the same players: %+v", rematch)
	}

	alice.Commands <- &Command{Kind: CommandJankenChoose, Hand: janken.Rock}
	mustJanken(t, carol.Events, janken.StageChoosing)
	bob.Commands <- &Command{Kind: CommandJankenChoose, Hand: janken.Paper}
	win := mustJanken(t, carol.Events, janken.StageWin)
	if win.NamedPlayerID != bobID.UserID {
		t.Fatalf("expected paper to beat rock: %+v", win)
	}
	mustJanken(t, carol.Events, janken.StageJoining)
}

func TestJankenChoosingTimeoutNamesIdlePlayer(t *testing.T) {
	env := newTestEnv(t, shortJanken, func(cfg *Config) {
		cfg.JankenChoosingTimeout = 50 * time.Millisecond
	})

	alice, _ := env.join(t, "alice", "jinja")
	bob, bobID := env.join(t, "bob", "jinja")
	carol, _ := env.join(t, "carol", "jinja")
	seatJanken(t, alice, bob, carol)

	alice.Commands <- &Command{Kind: CommandJankenChoose, Hand: janken.Rock}

	timeout := mustJanken(t, carol.Events, janken.StageTimeout)
	if timeout.NamedPlayerID != bobID.UserID {
		t.Fatalf("expected bob to be named, got %+v", timeout)
	}
	mustJanken(t, carol.Events, janken.StageJoining)

	// A late choice after the timeout is refused.
	bob.Commands <- &Command{Kind: CommandJankenChoose, Hand: janken.Paper}
	for {
		ev := mustEvent(t, bob.Events, EventJanken)
		if ev.Error != nil {
			if ev.Janken.Stage != janken.StageJoining {
				t.Fatalf("unexpected stage in refusal: %+v", ev.Janken)
			}
			break
		}
	}
}

func TestChessMoveTimeoutEndsGame(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.ChessMoveTimeout = 50 * time.Millisecond
	})

	alice, _ := env.join(t, "alice", "bar")
	bob, _ := env.join(t, "bob", "bar")

	alice.Commands <- &Command{Kind: CommandChessJoin}
	mustEvent(t, bob.Events, EventChess)
	bob.Commands <- &Command{Kind: CommandChessJoin}
	started := mustEvent(t, alice.Events, EventChess)
	if started.Chess.Phase != chess.PhasePlaying {
		t.Fatalf("expected game to start, got %+v", started.Chess)
	}

	var ended *Event
	for {
		ended = mustEvent(t, alice.Events, EventChess)
		if ended.Chess.Phase != chess.PhasePlaying {
			break
		}
	}
	if ended.Chess.Phase != chess.PhaseNoGame || ended.Chess.EndReason != chess.EndTimeout {
		t.Fatalf("expected timeout, got %+v", ended.Chess)
	}
	if ended.Chess.WhiteUserID != "" || ended.Chess.BlackUserID != "" {
		t.Fatalf("seats must be cleared after timeout: %+v", ended.Chess)
	}
}

func TestChessMoveRearmsTimeout(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.ChessMoveTimeout = 400 * time.Millisecond
	})

	alice, _ := env.join(t, "alice", "bar")
	bob, _ := env.join(t, "bob", "bar")

	alice.Commands <- &Command{Kind: CommandChessJoin}
	mustEvent(t, bob.Events, EventChess)
	bob.Commands <- &Command{Kind: CommandChessJoin}
	mustEvent(t, bob.Events, EventChess)

	time.Sleep(250 * time.Millisecond)
	alice.Commands <- &Command{Kind: CommandChessMove, Move: "e2e4"}
	moved := mustEvent(t, bob.Events, EventChess)
	if moved.Chess.Phase != chess.PhasePlaying {
		t.Fatalf("expected move to be accepted, got %+v", moved.Chess)
	}

	// The original deadline has passed by now; only the re-armed one counts.
	time.Sleep(200 * time.Millisecond)
	var phase chess.Phase
	env.inspect(t, func() { phase = env.hub.rooms.Get("for", "bar").Chess.Phase() })
	if phase != chess.PhasePlaying {
		t.Fatalf("move must re-arm the timeout, phase %s", phase)
	}
}

func TestStreamPublishWatchdog(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.PublishTimeout = 50 * time.Millisecond
	})

	alice, _ := env.join(t, "alice", "")
	bob, _ := env.join(t, "bob", "")

	alice.Commands <- &Command{Kind: CommandStreamPublish, Slot: 0}
	mustEvent(t, alice.Events, EventStreamAccepted)

	rejected := mustEvent(t, alice.Events, EventStreamRejected)
	if rejected.Reason != ErrCodePublishTimeout || rejected.Slot != 0 {
		t.Fatalf("unexpected rejection: %+v", rejected)
	}
	for {
		if ev := mustEvent(t, bob.Events, EventStreams); !ev.Streams[0].IsActive {
			break
		}
	}
	if s := env.slot(t, "admin_st", 0); s.IsActive || s.PublisherID != "" {
		t.Fatalf("expected slot to be cleared, got %+v", s)
	}

	// A completed negotiation disarms the watchdog.
	publishReady(t, alice, 0, rooms.Mode{})
	noEvent(t, alice.Events, EventStreamRejected, 150*time.Millisecond)
	if s := env.slot(t, "admin_st", 0); !s.IsReady {
		t.Fatalf("expected ready slot, got %+v", s)
	}
}

func TestReaperSkipsOverlappingSweep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	hold := make(chan struct{})
	entered := make(chan struct{})
	go env.hub.Do(ctx, func() {
		close(entered)
		<-hold
	})
	<-entered

	first := make(chan SweepStats, 1)
	go func() {
		stats, _ := env.hub.Sweep(ctx)
		first <- stats
	}()
	eventually(t, "first sweep in flight", env.hub.reaping.Load)

	stats, err := env.hub.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !stats.Skipped {
		t.Fatalf("expected overlapping sweep to be skipped")
	}

	close(hold)
	select {
	case stats := <-first:
		if stats.Skipped {
			t.Fatalf("first sweep must run")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("first sweep did not finish")
	}
	if stats, _ := env.hub.Sweep(ctx); stats.Skipped {
		t.Fatalf("sweep after completion must run")
	}
}

func TestReaperLoopEvictsGhosts(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.ReaperInterval = 20 * time.Millisecond
	})

	res, err := env.hub.Login(context.Background(), LoginRequest{Name: "ghost", CharacterID: "giko", AreaID: "for"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	env.clock.Advance(env.hub.cfg.GhostRetention + time.Second)

	eventually(t, "ghost evicted by the reaper loop", func() bool {
		var gone bool
		env.inspect(t, func() { gone = env.hub.users.ByID(res.UserID) == nil })
		return gone
	})
}
