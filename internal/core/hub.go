package core

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/iccanobif/gikopoi2-sub001/internal/game/janken"
	"github.com/iccanobif/gikopoi2-sub001/internal/generation"
	"github.com/iccanobif/gikopoi2-sub001/internal/presence"
	"github.com/iccanobif/gikopoi2-sub001/internal/relay"
	"github.com/iccanobif/gikopoi2-sub001/internal/reputation"
	"github.com/iccanobif/gikopoi2-sub001/internal/rooms"
	"github.com/iccanobif/gikopoi2-sub001/internal/world"
)

// Config tunes hub timers and limits.
type Config struct {
	GhostRetention      time.Duration
	InactivityThreshold time.Duration
	InactiveEviction    time.Duration
	ReaperInterval      time.Duration
	PublishTimeout      time.Duration
	RelayCallTimeout    time.Duration
	RelayLoadFloor      int
	ChessMoveTimeout    time.Duration
	MaxMessageLength    int

	JankenChoosingTimeout time.Duration
	JankenPhraseDelay     time.Duration
	JankenRematchDelay    time.Duration
	JankenResultDelay     time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		GhostRetention:      10 * time.Minute,
		InactivityThreshold: 30 * time.Minute,
		InactiveEviction:    3 * time.Hour,
		ReaperInterval:      time.Minute,
		PublishTimeout:      10 * time.Second,
		RelayCallTimeout:    15 * time.Second,
		RelayLoadFloor:      5,
		ChessMoveTimeout:    5 * time.Minute,
		MaxMessageLength:    500,

		JankenChoosingTimeout: janken.ChoosingTimeout,
		JankenPhraseDelay:     janken.PhraseDelay,
		JankenRematchDelay:    janken.RematchDelay,
		JankenResultDelay:     janken.ResultDelay,
	}
}

// Deps are the stores and collaborators owned by the hub.
type Deps struct {
	Catalog *world.Catalog
	Users   *presence.Store
	Rooms   *rooms.Store
	Relays  *relay.Pool
	// Gate is optional; without it bans are not available.
	Gate   *reputation.Gate
	Logger *zerolog.Logger
	// Fatal is called once, on its own goroutine, when the relay reports
	// corrupted state.
	Fatal func(error)
	Now   func() time.Time
}

// Hub serializes every mutation of presence and room state on one goroutine.
// Everything else talks to it by posting tasks.
type Hub struct {
	cfg     Config
	catalog *world.Catalog
	users   *presence.Store
	rooms   *rooms.Store
	relays  *relay.Pool
	gate    *reputation.Gate
	log     *zerolog.Logger
	now     func() time.Time

	fatalFn   func(error)
	fatalOnce sync.Once

	tasks    chan func()
	stopped  chan struct{}
	stopOnce sync.Once
	workers  sync.WaitGroup
	reaping  atomic.Bool

	// ctx is the parent of every slot generation; set by Run.
	ctx     context.Context
	clients map[string]*Client
	groups  map[roomKey]*Room
}

// NewHub creates a hub. Run must be called for it to process anything.
func NewHub(cfg Config, deps Deps) *Hub {
	logger := deps.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "hub").Logger()
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	relays := deps.Relays
	if relays == nil {
		relays = relay.NewPool(logger)
	}
	return &Hub{
		cfg:     cfg,
		catalog: deps.Catalog,
		users:   deps.Users,
		rooms:   deps.Rooms,
		relays:  relays,
		gate:    deps.Gate,
		log:     &l,
		now:     now,
		fatalFn: deps.Fatal,
		tasks:   make(chan func(), 256),
		stopped: make(chan struct{}),
		ctx:     context.Background(),
		clients: make(map[string]*Client),
		groups:  make(map[roomKey]*Room),
	}
}

// Run processes tasks until ctx is cancelled, then tears down every stream.
func (h *Hub) Run(ctx context.Context) error {
	h.ctx = ctx
	if h.cfg.ReaperInterval > 0 {
		go h.reapLoop(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case task := <-h.tasks:
			h.exec(task)
		}
	}
}

// Stopped is closed once the hub no longer accepts tasks.
func (h *Hub) Stopped() <-chan struct{} {
	return h.stopped
}

func (h *Hub) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("hub task panicked")
		}
	}()
	task()
}

// Do runs fn on the hub goroutine and waits for it to finish.
func (h *Hub) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn()
	}
	select {
	case h.tasks <- task:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.stopped:
		return ErrHubStopped
	}
	select {
	case <-done:
		return nil
	case <-h.stopped:
		return ErrHubStopped
	}
}

// post queues fn without waiting for it. It must not be called from the hub
// goroutine.
func (h *Hub) post(fn func()) bool {
	select {
	case h.tasks <- fn:
		return true
	case <-h.stopped:
		return false
	}
}

// runAsync runs work off the hub goroutine under ticket's context and hands
// the result back to done on the hub goroutine. done must check the ticket.
func runAsync[T any](h *Hub, ticket generation.Ticket, work func(context.Context) (T, error), done func(T, error)) {
	h.workers.Add(1)
	go func() {
		defer h.workers.Done()
		v, err := work(ticket.Ctx)
		if !h.post(func() { done(v, err) }) {
			h.log.Debug().Err(err).Msg("hub stopped before async result was applied")
		}
	}()
}

func (h *Hub) fatal(err error) {
	h.fatalOnce.Do(func() {
		h.log.Error().Err(err).Msg("relay state corrupted")
		if h.fatalFn != nil {
			go h.fatalFn(err)
		}
	})
}

func (h *Hub) checkFatal(err error) {
	if errors.Is(err, relay.ErrCorrupted) {
		h.fatal(err)
	}
}

// release tears down relay bindings in the background.
func (h *Hub) release(bindings ...rooms.Binding) {
	if !hasBindings(bindings) {
		return
	}
	h.workers.Add(1)
	go func() {
		defer h.workers.Done()
		ctx, cancel := context.WithTimeout(context.Background(), h.relayTimeout())
		defer cancel()
		h.releaseNow(ctx, bindings)
	}()
}

// releaseNow detaches every handle and destroys every session of bindings.
// Failures are logged; teardown never reports upward.
func (h *Hub) releaseNow(ctx context.Context, bindings []rooms.Binding) {
	for _, b := range bindings {
		for _, handle := range b.Handles {
			if err := handle.Detach(ctx); err != nil && !errors.Is(err, relay.ErrClosed) {
				h.log.Warn().Err(err).Str("handle", handle.ID()).Msg("detach relay handle failed")
				h.checkFatal(err)
			}
		}
		if b.Session != nil {
			if err := b.Session.Destroy(ctx); err != nil {
				h.log.Warn().Err(err).Str("session", b.Session.ID()).Msg("destroy relay session failed")
				h.checkFatal(err)
			}
		}
	}
}

func hasBindings(bindings []rooms.Binding) bool {
	for _, b := range bindings {
		if !b.Empty() {
			return true
		}
	}
	return false
}

func (h *Hub) relayTimeout() time.Duration {
	if h.cfg.RelayCallTimeout > 0 {
		return h.cfg.RelayCallTimeout
	}
	return 15 * time.Second
}

func (h *Hub) shutdown() {
	h.stopOnce.Do(func() { close(h.stopped) })

	var bindings []rooms.Binding
	h.rooms.Each(func(st *rooms.RoomState) {
		for _, slot := range st.Streams {
			if slot.IsActive {
				bindings = append(bindings, slot.Clear())
			}
		}
		st.Chess.Timer.Stop()
		st.Janken.Timer.Stop()
	})
	for _, c := range h.clients {
		c.Close("shutdown")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.releaseNow(ctx, bindings)
	h.workers.Wait()
	h.log.Info().Int("released", len(bindings)).Msg("hub stopped")
}

// Connect binds c to the user owning c.PrivateID and starts forwarding its
// commands. It fails with ErrUnknownUser when the token resolves to nobody.
func (h *Hub) Connect(ctx context.Context, c *Client) error {
	var err error
	if doErr := h.Do(ctx, func() { err = h.connect(c) }); doErr != nil {
		return doErr
	}
	if err != nil {
		return err
	}
	go h.forward(c)
	return nil
}

// forward feeds c's commands to the hub in order and reports the disconnect
// once the transport closes Commands.
func (h *Hub) forward(c *Client) {
	for cmd := range c.Commands {
		if !h.post(func() { h.handle(c, cmd) }) {
			return
		}
	}
	h.post(func() { h.disconnect(c) })
}

func (h *Hub) handle(c *Client, cmd *Command) {
	u := h.userOf(c)
	if u == nil || cmd == nil {
		return
	}
	h.touch(u)

	switch cmd.Kind {
	case CommandPing:
		c.send(&Event{Kind: EventPong})
	case CommandMove:
		h.handleMove(c, u, cmd)
	case CommandChangeRoom:
		h.handleChangeRoom(c, u, cmd)
	case CommandSendMessage:
		h.handleMessage(c, u, cmd)
	case CommandBlock:
		h.handleBlock(c, u, cmd)
	case CommandIncrementCounter:
		h.handleCounter(u)
	case CommandStreamPublish:
		h.handlePublish(c, u, cmd)
	case CommandStreamStop:
		h.handleStop(u)
	case CommandStreamTake:
		h.handleTake(c, u, cmd)
	case CommandStreamDrop:
		h.handleDrop(u, cmd)
	case CommandStreamSignal:
		h.handleSignal(c, u, cmd)
	case CommandStreamAllowedListeners:
		h.handleAllowedListeners(c, u, cmd)
	case CommandChessJoin:
		h.handleChessJoin(c, u)
	case CommandChessQuit:
		h.handleChessQuit(c, u)
	case CommandChessMove:
		h.handleChessMove(c, u, cmd)
	case CommandJankenJoin:
		h.handleJankenJoin(c, u)
	case CommandJankenQuit:
		h.handleJankenQuit(c, u)
	case CommandJankenChoose:
		h.handleJankenChoose(c, u, cmd)
	default:
		c.send(errorEvent(ErrCodeBadRequest, "unknown command"))
	}
}

// userOf returns the user c is bound to, or nil when c was replaced.
func (h *Hub) userOf(c *Client) *presence.User {
	if c.userID == "" {
		return nil
	}
	u := h.users.ByID(c.userID)
	if u == nil || u.ConnID != c.ConnID {
		return nil
	}
	return u
}

// clientOf returns the live connection of userID, or nil.
func (h *Hub) clientOf(userID string) *Client {
	u := h.users.ByID(userID)
	if u == nil || !u.Connected() {
		return nil
	}
	return h.clients[u.ConnID]
}

func (h *Hub) group(area, room string) *Room {
	key := roomKey{area: area, room: room}
	g, ok := h.groups[key]
	if !ok {
		g = NewRoom(area, room)
		h.groups[key] = g
	}
	return g
}

func (h *Hub) leaveGroup(c *Client, area, room string) {
	key := roomKey{area: area, room: room}
	g, ok := h.groups[key]
	if !ok {
		return
	}
	g.RemoveClient(c)
	if g.Empty() {
		delete(h.groups, key)
	}
}

func errorEvent(code, msg string) *Event {
	return &Event{Kind: EventError, Error: coreError(code, msg)}
}
