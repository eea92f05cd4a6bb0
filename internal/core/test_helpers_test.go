package core

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/iccanobif/gikopoi2-sub001/internal/presence"
	"github.com/iccanobif/gikopoi2-sub001/internal/relay"
	"github.com/iccanobif/gikopoi2-sub001/internal/relay/relaytest"
	"github.com/iccanobif/gikopoi2-sub001/internal/reputation"
	"github.com/iccanobif/gikopoi2-sub001/internal/rooms"
	"github.com/iccanobif/gikopoi2-sub001/internal/world"
)

func mustEvent(t *testing.T, ch <-chan *Event, kind EventKind) *Event {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case ev := <-ch:
			if ev == nil {
				continue
			}
			if ev.Kind == kind {
				return ev
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatalf("expected event kind %v not received", kind)
	return nil
}

// noEvent fails if an event of kind shows up within wait.
func noEvent(t *testing.T, ch <-chan *Event, kind EventKind, wait time.Duration) {
	t.Helper()

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		select {
		case ev := <-ch:
			if ev != nil && ev.Kind == kind {
				t.Fatalf("unexpected event %v: %+v", kind, ev)
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", what)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	hub   *Hub
	relay *relaytest.Relay
	clock *fakeClock
	gate  *reputation.Gate
	fatal chan error
	seq   int
}

// newTestEnv starts a hub on the built-in catalog. mutate adjusts the hub
// config before it starts.
func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	catalog, err := world.Default()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	logger := zerolog.Nop()

	fake := relaytest.New()
	server := relay.NewServer("test", fake)
	if err := server.Connect(context.Background()); err != nil {
		t.Fatalf("connect fake relay: %v", err)
	}
	gate, err := reputation.New(reputation.DefaultConfig(), nil, nil, &logger)
	if err != nil {
		t.Fatalf("create gate: %v", err)
	}

	cfg := DefaultConfig()
	cfg.ReaperInterval = 0
	cfg.RelayCallTimeout = time.Second
	for _, fn := range mutate {
		fn(&cfg)
	}
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	fatal := make(chan error, 1)

	hub := NewHub(cfg, Deps{
		Catalog: catalog,
		Users:   presence.NewStore(presence.DefaultConfig()),
		Rooms:   rooms.NewStore(catalog),
		Relays:  relay.NewPool(&logger, server),
		Gate:    gate,
		Logger:  &logger,
		Now:     clock.Now,
		Fatal: func(err error) {
			select {
			case fatal <- err:
			default:
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.Stopped()
	})
	return &testEnv{hub: hub, relay: fake, clock: clock, gate: gate, fatal: fatal}
}

// join logs a user into room and connects it. Its room_state is consumed.
func (e *testEnv) join(t *testing.T, name, room string) (*Client, LoginResult) {
	t.Helper()

	ctx := context.Background()
	res, err := e.hub.Login(ctx, LoginRequest{
		Name:        name,
		CharacterID: "giko",
		AreaID:      "for",
		RoomID:      room,
		Address:     "10.0.0." + name,
	})
	if err != nil {
		t.Fatalf("login %s: %v", name, err)
	}
	c := e.connect(t, res.PrivateID, name)
	mustEvent(t, c.Events, EventRoomState)
	return c, res
}

func (e *testEnv) connect(t *testing.T, privateID, name string) *Client {
	t.Helper()

	e.seq++
	c := NewClient(name+"-conn-"+strconv.Itoa(e.seq), privateID, "10.0.0."+name)
	if err := e.hub.Connect(context.Background(), c); err != nil {
		t.Fatalf("connect %s: %v", name, err)
	}
	return c
}

// inspect runs fn on the hub goroutine.
func (e *testEnv) inspect(t *testing.T, fn func()) {
	t.Helper()
	if err := e.hub.Do(context.Background(), fn); err != nil {
		t.Fatalf("hub do: %v", err)
	}
}

type slotInfo struct {
	State       rooms.SlotState
	IsActive    bool
	IsReady     bool
	PublisherID string
	StreamID    uint64
	Listeners   int
}

func (e *testEnv) slot(t *testing.T, room string, index int) slotInfo {
	t.Helper()
	var out slotInfo
	e.inspect(t, func() {
		s := e.hub.rooms.Get("for", room).Slot(index)
		out = slotInfo{
			State:       s.State,
			IsActive:    s.IsActive,
			IsReady:     s.IsReady,
			PublisherID: s.PublisherID(),
			StreamID:    s.StreamID(),
			Listeners:   len(s.Listeners),
		}
	})
	return out
}
