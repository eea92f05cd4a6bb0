package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/iccanobif/gikopoi2-sub001/internal/game/chess"
	"github.com/iccanobif/gikopoi2-sub001/internal/presence"
	"github.com/iccanobif/gikopoi2-sub001/internal/rooms"
	"github.com/iccanobif/gikopoi2-sub001/internal/snapshot"
	"github.com/iccanobif/gikopoi2-sub001/internal/world"
)

func TestHubJoinBroadcastAndLeave(t *testing.T) {
	env := newTestEnv(t)

	alice, aliceID := env.join(t, "alice", "")
	bob, _ := env.join(t, "bob", "")

	joinEv := mustEvent(t, alice.Events, EventUserJoined)
	if joinEv.User == nil || joinEv.User.Name != "bob" {
		t.Fatalf("unexpected join event: %+v", joinEv)
	}

	alice.Commands <- &Command{Kind: CommandSendMessage, Text: "  hi  "}
	msgEv := mustEvent(t, bob.Events, EventRoomMessage)
	if msgEv.Message.Text != "hi" || msgEv.Message.From != aliceID.UserID {
		t.Fatalf("unexpected message event: %+v", msgEv.Message)
	}

	close(alice.Commands)
	leftEv := mustEvent(t, bob.Events, EventUserLeft)
	if leftEv.UserID != aliceID.UserID {
		t.Fatalf("unexpected leave event: %+v", leftEv)
	}

	users, err := env.hub.Users(context.Background())
	if err != nil {
		t.Fatalf("users: %v", err)
	}
	for _, u := range users {
		if u.ID == aliceID.UserID && !u.IsGhost {
			t.Fatalf("expected alice to be a ghost after disconnect")
		}
	}
}

func TestHubRoomStateListsPresentUsers(t *testing.T) {
	env := newTestEnv(t)

	env.join(t, "alice", "")
	env.join(t, "bob", "")

	carol := env.connect(t, mustLogin(t, env, "carol", ""), "carol")
	ev := mustEvent(t, carol.Events, EventRoomState)
	if ev.RoomState.Room.ID != "admin_st" || ev.RoomState.Area != "for" {
		t.Fatalf("unexpected room: %s/%s", ev.RoomState.Area, ev.RoomState.Room.ID)
	}
	if len(ev.RoomState.Users) != 3 {
		t.Fatalf("expected 3 users, got %d", len(ev.RoomState.Users))
	}
	if len(ev.RoomState.Streams) != 1 {
		t.Fatalf("expected 1 stream slot, got %d", len(ev.RoomState.Streams))
	}
}

func mustLogin(t *testing.T, env *testEnv, name, room string) string {
	t.Helper()
	res, err := env.hub.Login(context.Background(), LoginRequest{Name: name, CharacterID: "giko", AreaID: "for", RoomID: room})
	if err != nil {
		t.Fatalf("login %s: %v", name, err)
	}
	return res.PrivateID
}

func TestHubLoginValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.hub.Login(ctx, LoginRequest{Name: "a", CharacterID: "giko", AreaID: "nowhere"}); !errors.Is(err, ErrUnknownArea) {
		t.Fatalf("expected ErrUnknownArea, got %v", err)
	}
	if _, err := env.hub.Login(ctx, LoginRequest{Name: "a", CharacterID: "giko", AreaID: "for", RoomID: "moon"}); !errors.Is(err, ErrUnknownRoom) {
		t.Fatalf("expected ErrUnknownRoom, got %v", err)
	}
	if _, err := env.hub.Login(ctx, LoginRequest{Name: "a", AreaID: "for"}); !errors.Is(err, presence.ErrInvalidCharacter) {
		t.Fatalf("expected ErrInvalidCharacter, got %v", err)
	}

	res, err := env.hub.Login(ctx, LoginRequest{Name: "a", CharacterID: "giko", AreaID: "gen"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.RoomID != "admin_st" || res.PrivateID == "" || res.UserID == res.PrivateID {
		t.Fatalf("unexpected login result: %+v", res)
	}

	if err := env.hub.Connect(ctx, NewClient("x", "not-a-token", "10.0.0.9")); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("expected ErrUnknownUser, got %v", err)
	}
}

func TestHubReconnectReplacesConnection(t *testing.T) {
	env := newTestEnv(t)

	first, alice := env.join(t, "alice", "")
	bob, _ := env.join(t, "bob", "")

	second := env.connect(t, alice.PrivateID, "alice")
	mustEvent(t, second.Events, EventRoomState)

	kicked := mustEvent(t, first.Events, EventKicked)
	if kicked.Reason != "replaced" {
		t.Fatalf("expected replaced, got %q", kicked.Reason)
	}
	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected first connection to be closed")
	}
	if first.Reason() != "replaced" {
		t.Fatalf("unexpected close reason %q", first.Reason())
	}

	// A late disconnect of the replaced connection must not ghost the user.
	close(first.Commands)
	noEvent(t, bob.Events, EventUserLeft, 200*time.Millisecond)

	second.Commands <- &Command{Kind: CommandPing}
	mustEvent(t, second.Events, EventPong)
}

func TestHubMoveTurnsThenSteps(t *testing.T) {
	env := newTestEnv(t)

	alice, _ := env.join(t, "alice", "")

	// Spawn faces down at (4,4); facing left first only turns.
	alice.Commands <- &Command{Kind: CommandMove, Direction: world.Left}
	ev := mustEvent(t, alice.Events, EventUserMoved)
	if ev.User.Position != (world.Point{X: 4, Y: 4}) || ev.User.Direction != world.Left {
		t.Fatalf("expected turn in place, got %+v", ev.User)
	}

	alice.Commands <- &Command{Kind: CommandMove, Direction: world.Left}
	ev = mustEvent(t, alice.Events, EventUserMoved)
	if ev.User.Position != (world.Point{X: 3, Y: 4}) {
		t.Fatalf("expected step left, got %+v", ev.User.Position)
	}

	alice.Commands <- &Command{Kind: CommandMove, Direction: "sideways"}
	errEv := mustEvent(t, alice.Events, EventError)
	if errEv.Error.Code != ErrCodeInvalidMove {
		t.Fatalf("unexpected error: %+v", errEv.Error)
	}
}

func TestHubChangeRoom(t *testing.T) {
	env := newTestEnv(t)

	alice, aliceID := env.join(t, "alice", "")
	bob, _ := env.join(t, "bob", "")
	barUser, _ := env.join(t, "carol", "bar")

	alice.Commands <- &Command{Kind: CommandChangeRoom, TargetRoomID: "bar", TargetDoorID: "missing"}
	errEv := mustEvent(t, alice.Events, EventError)
	if errEv.Error.Code != ErrCodeDoorNotFound {
		t.Fatalf("unexpected error: %+v", errEv.Error)
	}

	alice.Commands <- &Command{Kind: CommandChangeRoom, TargetRoomID: "bar"}
	left := mustEvent(t, bob.Events, EventUserLeft)
	if left.UserID != aliceID.UserID {
		t.Fatalf("unexpected leave event: %+v", left)
	}
	state := mustEvent(t, alice.Events, EventRoomState)
	if state.RoomState.Room.ID != "bar" {
		t.Fatalf("expected bar, got %s", state.RoomState.Room.ID)
	}
	for _, u := range state.RoomState.Users {
		if u.ID == aliceID.UserID && u.Position != (world.Point{X: 0, Y: 3}) {
			t.Fatalf("expected spawn door position, got %+v", u.Position)
		}
	}
	joined := mustEvent(t, barUser.Events, EventUserJoined)
	if joined.UserID != aliceID.UserID {
		t.Fatalf("unexpected join event: %+v", joined)
	}
}

func TestHubFloodEchoesOnlyToSender(t *testing.T) {
	env := newTestEnv(t)

	alice, _ := env.join(t, "alice", "")
	bob, _ := env.join(t, "bob", "")
	mustEvent(t, alice.Events, EventUserJoined)

	limit := presence.DefaultConfig().FloodMaxMessages
	for range limit {
		alice.Commands <- &Command{Kind: CommandSendMessage, Text: "spam"}
		mustEvent(t, bob.Events, EventRoomMessage)
	}
	alice.Commands <- &Command{Kind: CommandSendMessage, Text: "one too many"}
	noEvent(t, bob.Events, EventRoomMessage, 200*time.Millisecond)

	for {
		ev := mustEvent(t, alice.Events, EventRoomMessage)
		if ev.Message.Text == "one too many" {
			break
		}
	}
}

func TestHubBlockHidesUsersBothWays(t *testing.T) {
	env := newTestEnv(t)

	alice, aliceID := env.join(t, "alice", "")
	bob, bobID := env.join(t, "bob", "")

	bob.Commands <- &Command{Kind: CommandBlock, TargetUserID: aliceID.UserID}
	for _, c := range []*Client{alice, bob} {
		ev := mustEvent(t, c.Events, EventRoomState)
		if len(ev.RoomState.Users) != 1 {
			t.Fatalf("expected only self in view, got %+v", ev.RoomState.Users)
		}
	}

	alice.Commands <- &Command{Kind: CommandSendMessage, Text: "hello?"}
	noEvent(t, bob.Events, EventRoomMessage, 200*time.Millisecond)
	bob.Commands <- &Command{Kind: CommandSendMessage, Text: "hello?"}
	noEvent(t, alice.Events, EventRoomMessage, 200*time.Millisecond)

	bob.Commands <- &Command{Kind: CommandBlock, TargetUserID: bobID.UserID}
	if ev := mustEvent(t, bob.Events, EventError); ev.Error.Code != ErrCodeUnknownUser {
		t.Fatalf("unexpected error: %+v", ev.Error)
	}
}

func TestHubCounter(t *testing.T) {
	env := newTestEnv(t)

	alice, _ := env.join(t, "alice", "")
	bob, _ := env.join(t, "bob", "")

	alice.Commands <- &Command{Kind: CommandIncrementCounter}
	alice.Commands <- &Command{Kind: CommandIncrementCounter}
	mustEvent(t, bob.Events, EventCounter)
	if ev := mustEvent(t, bob.Events, EventCounter); ev.Counter != 2 {
		t.Fatalf("expected counter 2, got %d", ev.Counter)
	}
}

func TestChessDoubleJoinFromSameUser(t *testing.T) {
	env := newTestEnv(t)

	alice, aliceID := env.join(t, "alice", "bar")
	bob, bobID := env.join(t, "bob", "bar")

	alice.Commands <- &Command{Kind: CommandChessJoin}
	ev := mustEvent(t, bob.Events, EventChess)
	if ev.Chess.Phase != chess.PhaseAwaiting || ev.Chess.WhiteUserID != aliceID.UserID {
		t.Fatalf("unexpected state after first join: %+v", ev.Chess)
	}

	alice.Commands <- &Command{Kind: CommandChessJoin}
	mustEvent(t, alice.Events, EventChess)
	echo := mustEvent(t, alice.Events, EventChess)
	if echo.Chess.Phase != chess.PhaseAwaiting || echo.Chess.BlackUserID != "" {
		t.Fatalf("second join from the same user must not start a game: %+v", echo.Chess)
	}
	noEvent(t, bob.Events, EventChess, 100*time.Millisecond)

	bob.Commands <- &Command{Kind: CommandChessJoin}
	ev = mustEvent(t, alice.Events, EventChess)
	if ev.Chess.Phase != chess.PhasePlaying || ev.Chess.BlackUserID != bobID.UserID {
		t.Fatalf("expected game to start, got %+v", ev.Chess)
	}

	// Black moving first is out of turn and only echoed back.
	bob.Commands <- &Command{Kind: CommandChessMove, Move: "e7e5"}
	rejected := mustEvent(t, bob.Events, EventChess)
	if rejected.Chess.FEN != ev.Chess.FEN {
		t.Fatalf("board changed on out-of-turn move")
	}
	noEvent(t, alice.Events, EventChess, 100*time.Millisecond)

	alice.Commands <- &Command{Kind: CommandChessMove, Move: "e2e4"}
	moved := mustEvent(t, bob.Events, EventChess)
	if moved.Chess.FEN == ev.Chess.FEN || moved.Chess.Turn != "black" {
		t.Fatalf("expected accepted move, got %+v", moved.Chess)
	}

	alice.Commands <- &Command{Kind: CommandChessQuit}
	ended := mustEvent(t, bob.Events, EventChess)
	if ended.Chess.Phase != chess.PhaseNoGame || ended.Chess.EndReason != chess.EndQuit {
		t.Fatalf("expected quit to end the game, got %+v", ended.Chess)
	}
}

func TestChessUnavailableRoom(t *testing.T) {
	env := newTestEnv(t)

	alice, _ := env.join(t, "alice", "")
	alice.Commands <- &Command{Kind: CommandChessJoin}
	if ev := mustEvent(t, alice.Events, EventError); ev.Error.Code != ErrCodeGameMissing {
		t.Fatalf("unexpected error: %+v", ev.Error)
	}
}

func TestReaperEvictsGhostAndVacatesSlotsAndGames(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	alice, aliceID := env.join(t, "alice", "bar")
	bob, _ := env.join(t, "bob", "bar")

	alice.Commands <- &Command{Kind: CommandChessJoin}
	mustEvent(t, bob.Events, EventChess)
	alice.Commands <- &Command{Kind: CommandStreamPublish, Slot: 1}
	mustEvent(t, alice.Events, EventStreamAccepted)

	close(alice.Commands)
	mustEvent(t, bob.Events, EventUserLeft)
	if s := env.slot(t, "bar", 1); s.IsActive {
		t.Fatalf("expected disconnect to end the publication")
	}

	env.clock.Advance(env.hub.cfg.GhostRetention - time.Second)
	stats, err := env.hub.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Evicted != 0 {
		t.Fatalf("ghost evicted before retention elapsed")
	}

	env.clock.Advance(2 * time.Second)
	stats, err = env.hub.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Evicted != 1 {
		t.Fatalf("expected 1 eviction, got %+v", stats)
	}
	ev := mustEvent(t, bob.Events, EventChess)
	if ev.Chess.Phase != chess.PhaseNoGame {
		t.Fatalf("expected chess seat to be vacated, got %+v", ev.Chess)
	}

	users, _ := env.hub.Users(ctx)
	for _, u := range users {
		if u.ID == aliceID.UserID {
			t.Fatalf("expected alice to be removed")
		}
	}

	reconnect := NewClient("late", aliceID.PrivateID, "10.0.0.alice")
	if err := env.hub.Connect(ctx, reconnect); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("expected evicted token to be unknown, got %v", err)
	}
}

func TestReaperInactivity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	alice, aliceID := env.join(t, "alice", "")
	bob, _ := env.join(t, "bob", "")

	env.clock.Advance(env.hub.cfg.InactivityThreshold)
	// Bob stays active.
	bob.Commands <- &Command{Kind: CommandPing}
	mustEvent(t, bob.Events, EventPong)

	stats, err := env.hub.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Inactivated != 1 {
		t.Fatalf("expected 1 inactive user, got %+v", stats)
	}
	if ev := mustEvent(t, bob.Events, EventUserInactive); ev.UserID != aliceID.UserID {
		t.Fatalf("unexpected inactive event: %+v", ev)
	}

	alice.Commands <- &Command{Kind: CommandPing}
	if ev := mustEvent(t, bob.Events, EventUserActive); ev.UserID != aliceID.UserID {
		t.Fatalf("unexpected active event: %+v", ev)
	}

	env.clock.Advance(env.hub.cfg.InactiveEviction)
	bob.Commands <- &Command{Kind: CommandPing}
	mustEvent(t, bob.Events, EventPong)
	if _, err := env.hub.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if _, err := env.hub.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if ev := mustEvent(t, alice.Events, EventKicked); ev.Reason != "inactive" {
		t.Fatalf("unexpected kick reason %q", ev.Reason)
	}
	mustEvent(t, bob.Events, EventUserLeft)
}

func TestBanUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	alice, aliceID := env.join(t, "alice", "")

	banned, err := env.hub.BanUser(ctx, aliceID.UserID)
	if err != nil {
		t.Fatalf("ban: %v", err)
	}
	if len(banned) == 0 || !env.gate.IsBanned("10.0.0.alice") {
		t.Fatalf("expected alice's address to be banned, got %v", banned)
	}
	if ev := mustEvent(t, alice.Events, EventKicked); ev.Reason != "banned" {
		t.Fatalf("unexpected kick reason %q", ev.Reason)
	}
	if _, err := env.hub.BanUser(ctx, aliceID.UserID); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("expected ErrUnknownUser, got %v", err)
	}

	ok, err := env.hub.Unban("10.0.0.alice")
	if err != nil || !ok {
		t.Fatalf("unban: %v %v", ok, err)
	}
}

func TestRebuildDynamicRoom(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	alice, _ := env.join(t, "alice", "jinja")
	alice.Commands <- &Command{Kind: CommandIncrementCounter}
	mustEvent(t, alice.Events, EventCounter)

	base, _ := env.hub.catalog.Room("jinja")
	next := *base
	next.Variant = "festival"
	next.Blocked = []world.Point{{X: 1, Y: 1}}
	if err := env.hub.RebuildRoom(ctx, &next); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	ev := mustEvent(t, alice.Events, EventRoomState)
	if ev.RoomState.Room.Variant != "festival" || ev.RoomState.Counter != 1 {
		t.Fatalf("unexpected rebuilt state: variant=%s counter=%d", ev.RoomState.Room.Variant, ev.RoomState.Counter)
	}

	broken := next
	broken.Doors = map[string]world.Door{"from_street": base.Doors["from_street"]}
	if err := env.hub.RebuildRoom(ctx, &broken); !errors.Is(err, ErrDoorGraph) {
		t.Fatalf("expected ErrDoorGraph, got %v", err)
	}

	bar, _ := env.hub.catalog.Room("bar")
	barCopy := *bar
	if err := env.hub.RebuildRoom(ctx, &barCopy); !errors.Is(err, ErrNotDynamic) {
		t.Fatalf("expected ErrNotDynamic, got %v", err)
	}
}

func TestCaptureAndRestore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	alice, aliceID := env.join(t, "alice", "bar")
	alice.Commands <- &Command{Kind: CommandIncrementCounter}
	mustEvent(t, alice.Events, EventCounter)
	env.gate.Ban("192.0.2.1")

	doc, err := env.hub.Capture(ctx)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if len(doc.Users) != 1 || doc.Counters["for"]["bar"] != 1 || len(doc.Bans) != 1 {
		t.Fatalf("unexpected document: %+v", doc)
	}

	data, err := snapshot.Encode(doc)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := snapshot.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	decoded.Counters["gen"] = map[string]int64{"": 7}

	fresh := newTestEnv(t)
	stats, err := fresh.hub.Restore(ctx, decoded)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if stats.Users != 1 || stats.Counters != 2 {
		t.Fatalf("unexpected restore stats: %+v", stats)
	}
	if !fresh.gate.IsBanned("192.0.2.1") {
		t.Fatalf("expected ban set to be restored")
	}

	users, _ := fresh.hub.Users(ctx)
	if len(users) != 1 || users[0].ID != aliceID.UserID || !users[0].IsGhost {
		t.Fatalf("expected restored ghost, got %+v", users)
	}

	c := fresh.connect(t, aliceID.PrivateID, "alice")
	ev := mustEvent(t, c.Events, EventRoomState)
	if ev.RoomState.Room.ID != "bar" || ev.RoomState.Counter != 1 {
		t.Fatalf("unexpected restored room: %s counter=%d", ev.RoomState.Room.ID, ev.RoomState.Counter)
	}
}

func TestHubFloodedMessageIsNotInRoomState(t *testing.T) {
	env := newTestEnv(t)

	alice, aliceID := env.join(t, "alice", "")
	bob, _ := env.join(t, "bob", "")

	limit := presence.DefaultConfig().FloodMaxMessages
	for i := range limit {
		alice.Commands <- &Command{Kind: CommandSendMessage, Text: "line " + string(rune('a'+i))}
		mustEvent(t, bob.Events, EventRoomMessage)
	}
	alice.Commands <- &Command{Kind: CommandSendMessage, Text: "SUPPRESSED"}
	for {
		if ev := mustEvent(t, alice.Events, EventRoomMessage); ev.Message.Text == "SUPPRESSED" {
			break
		}
	}

	carol := env.connect(t, mustLogin(t, env, "carol", ""), "carol")
	state := mustEvent(t, carol.Events, EventRoomState)
	var found bool
	for _, u := range state.RoomState.Users {
		if u.ID != aliceID.UserID {
			continue
		}
		found = true
		if want := "line " + string(rune('a'+limit-1)); u.LastMessage != want {
			t.Fatalf("expected %q, got %q", want, u.LastMessage)
		}
	}
	if !found {
		t.Fatalf("alice missing from room state")
	}
}

func TestHubReplacedConnectionVacatesStreams(t *testing.T) {
	env := newTestEnv(t)

	first, alice := env.join(t, "alice", "")
	bob, _ := env.join(t, "bob", "")
	publishReady(t, first, 0, rooms.Mode{WithVideo: true})
	mustEvent(t, bob.Events, EventStreams)

	second := env.connect(t, alice.PrivateID, "alice")
	mustEvent(t, first.Events, EventKicked)
	state := mustEvent(t, second.Events, EventRoomState)
	if state.RoomState.Streams[0].IsActive {
		t.Fatalf("new connection must not inherit the old publication: %+v", state.RoomState.Streams[0])
	}
	for {
		if ev := mustEvent(t, bob.Events, EventStreams); !ev.Streams[0].IsActive {
			break
		}
	}
	eventually(t, "old peer connection released", func() bool {
		created, destroyed := env.relay.Sessions()
		return env.relay.Live() == 0 && created == destroyed
	})
}
