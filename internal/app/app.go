package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	stdhttp "net/http"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/iccanobif/gikopoi2-sub001/internal/auth"
	"github.com/iccanobif/gikopoi2-sub001/internal/config"
	"github.com/iccanobif/gikopoi2-sub001/internal/core"
	"github.com/iccanobif/gikopoi2-sub001/internal/presence"
	"github.com/iccanobif/gikopoi2-sub001/internal/relay"
	"github.com/iccanobif/gikopoi2-sub001/internal/relay/livekit"
	"github.com/iccanobif/gikopoi2-sub001/internal/relay/local"
	"github.com/iccanobif/gikopoi2-sub001/internal/reputation"
	"github.com/iccanobif/gikopoi2-sub001/internal/roomevents"
	"github.com/iccanobif/gikopoi2-sub001/internal/rooms"
	"github.com/iccanobif/gikopoi2-sub001/internal/snapshot"
	"github.com/iccanobif/gikopoi2-sub001/internal/store"
	"github.com/iccanobif/gikopoi2-sub001/internal/world"
	transporthttp "github.com/iccanobif/gikopoi2-sub001/internal/transport/http"
)

// App wires together core and transport layers.
type App struct {
	cfg         *config.Config
	server      *stdhttp.Server
	hub         *core.Hub
	relays      *relay.Pool
	store       store.SnapshotStore
	snapshotter *snapshot.Snapshotter
	events      roomevents.Source
	fatal       chan error
	log         *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	a := &App{cfg: cfg, fatal: make(chan error, 1), log: logger}

	catalog, err := loadCatalog(cfg.World.CatalogPath)
	if err != nil {
		return nil, err
	}
	logger.Info().Int("rooms", len(catalog.Rooms)).Int("areas", len(catalog.Areas)).Msg("room catalog loaded")

	a.relays, err = a.buildRelays()
	if err != nil {
		return nil, err
	}

	gate, err := buildGate(cfg.Reputation, logger)
	if err != nil {
		return nil, err
	}

	a.hub = core.NewHub(hubConfig(cfg), core.Deps{
		Catalog: catalog,
		Users: presence.NewStore(presence.Config{
			MaxNameLength:    cfg.Presence.MaxNameLength,
			FloodWindow:      cfg.Presence.FloodWindow,
			FloodMaxMessages: cfg.Presence.FloodMaxMessages,
			FloodHistory:     presence.DefaultConfig().FloodHistory,
		}),
		Rooms:  rooms.NewStore(catalog),
		Relays: a.relays,
		Gate:   gate,
		Logger: logger,
		Fatal:  a.onFatal,
	})

	a.store, err = OpenSnapshotStore(ctx, cfg.Snapshot)
	if err != nil {
		a.relays.Close()
		return nil, err
	}
	if a.store != nil {
		a.snapshotter = snapshot.New(a.store, a.hub, cfg.Snapshot.Interval, logger)
		logger.Info().Str("backend", cfg.Snapshot.Backend).Dur("interval", cfg.Snapshot.Interval).Msg("snapshots enabled")
	}

	if cfg.Events.NATSURL != "" {
		a.events = roomevents.NewNATS(cfg.Events.NATSURL, cfg.Events.Subject, logger)
	}

	deps := transporthttp.Deps{Hub: a.hub, Gate: gate}
	if a.snapshotter != nil {
		deps.Snapshots = a.snapshotter
	}
	authService := auth.NewService(cfg.Admin.PasswordHash, &auth.JWTConfig{
		Secret:   []byte(cfg.Admin.JWTSecret),
		Issuer:   cfg.Admin.JWTIssuer,
		Audience: cfg.Admin.JWTAudience,
		TTL:      cfg.Admin.TokenTTL,
	})
	if authService.Enabled() {
		deps.Auth = authService
	} else {
		logger.Info().Msg("admin api disabled: admin.password_hash or admin.jwt_secret not set")
	}
	a.server = transporthttp.NewServer(deps, cfg, logger)

	return a, nil
}

func loadCatalog(path string) (*world.Catalog, error) {
	if path == "" {
		return world.Default()
	}
	catalog, err := world.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", path, err)
	}
	return catalog, nil
}

func hubConfig(cfg *config.Config) core.Config {
	return core.Config{
		GhostRetention:      cfg.Presence.GhostRetention,
		InactivityThreshold: cfg.Presence.InactivityThreshold,
		InactiveEviction:    cfg.Presence.InactiveEviction,
		ReaperInterval:      cfg.Presence.ReaperInterval,
		PublishTimeout:      cfg.Streams.PublishTimeout,
		RelayCallTimeout:    cfg.Streams.RelayCallTimeout,
		RelayLoadFloor:      cfg.Streams.RelayLoadFloor,
		ChessMoveTimeout:    cfg.Games.ChessMoveTimeout,
		MaxMessageLength:    cfg.Presence.MaxMessageLength,

		JankenChoosingTimeout: cfg.Games.JankenChoosingTimeout,
		JankenPhraseDelay:     cfg.Games.JankenPhraseDelay,
		JankenRematchDelay:    cfg.Games.JankenRematchDelay,
		JankenResultDelay:     cfg.Games.JankenResultDelay,
	}
}

func (a *App) buildRelays() (*relay.Pool, error) {
	servers := make([]*relay.Server, 0, len(a.cfg.Relay.Servers))
	for _, s := range a.cfg.Relay.Servers {
		l := a.log.With().Str("relay", s.ID).Logger()
		switch a.cfg.Relay.Backend {
		case config.RelayLiveKit:
			client := livekit.New(s.URL, s.APIKey, s.APISecret, &l)
			client.OnFatal = a.onFatal
			servers = append(servers, relay.NewServer(s.ID, client))
		case config.RelayLocal:
			servers = append(servers, relay.NewServer(s.ID, local.New(a.cfg.Relay.ICEServers, &l)))
		default:
			return nil, fmt.Errorf("unknown relay backend %q", a.cfg.Relay.Backend)
		}
	}
	return relay.NewPool(a.log, servers...), nil
}

func buildGate(cfg config.ReputationConfig, logger *zerolog.Logger) (*reputation.Gate, error) {
	var scorer reputation.Scorer
	if cfg.AbuseIPDBKey != "" {
		scorer = reputation.NewAbuseIPDB(cfg.AbuseIPDBKey)
	}
	var resolver reputation.Resolver
	if cfg.ReverseLookup {
		resolver = net.DefaultResolver
	}
	gate, err := reputation.New(reputation.Config{
		Threshold:     cfg.Threshold,
		ScoreTimeout:  cfg.ScoreTimeout,
		LookupWait:    cfg.LookupWait,
		LookupTimeout: cfg.LookupTimeout,
		RelayPatterns: cfg.RelayPatterns,
	}, scorer, resolver, logger)
	if err != nil {
		return nil, fmt.Errorf("build reputation gate: %w", err)
	}
	return gate, nil
}

// onFatal is handed to the hub and the relay clients. The first error ends Run.
func (a *App) onFatal(err error) {
	a.log.Error().Err(err).Msg("fatal relay error, shutting down")
	select {
	case a.fatal <- err:
	default:
	}
}

// Run restores the last snapshot, starts every component and blocks until ctx
// is cancelled or a component fails. The hub outlives the other components so
// the final snapshot still sees the world.
func (a *App) Run(ctx context.Context) error {
	hubCtx, stopHub := context.WithCancel(context.WithoutCancel(ctx))
	hubDone := make(chan error, 1)
	go func() { hubDone <- a.hub.Run(hubCtx) }()
	defer func() {
		stopHub()
		<-hubDone
		a.cleanup()
	}()

	if a.store != nil {
		a.restore(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.relays.ConnectAll(gctx, a.cfg.Relay.ConnectAttempts, a.cfg.Relay.ConnectRetry)
		return nil
	})

	if a.snapshotter != nil {
		g.Go(func() error { return a.snapshotter.Run(gctx) })
	}

	if a.events != nil {
		g.Go(func() error {
			if err := a.events.Run(gctx, a.hub); err != nil {
				return fmt.Errorf("room events: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		select {
		case err := <-a.fatal:
			return fmt.Errorf("fatal: %w", err)
		case <-gctx.Done():
			return nil
		}
	})

	g.Go(func() error {
		a.log.Info().Str("addr", a.server.Addr).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		return a.server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (a *App) restore(ctx context.Context) {
	doc, err := snapshot.Load(ctx, a.store)
	if err != nil {
		a.log.Warn().Err(err).Msg("could not load snapshot, starting empty")
		return
	}
	if doc == nil {
		a.log.Info().Msg("no snapshot found, starting empty")
		return
	}
	stats, err := a.hub.Restore(ctx, doc)
	if err != nil {
		a.log.Warn().Err(err).Msg("snapshot restore failed")
		return
	}
	a.log.Info().
		Int("users", stats.Users).
		Int("bans", stats.Bans).
		Int("counters", stats.Counters).
		Time("taken_at", doc.TakenAt).
		Msg("snapshot restored")
}

// cleanup closes the relay clients and the snapshot store.
func (a *App) cleanup() {
	a.relays.Close()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close snapshot store")
		} else {
			a.log.Info().Msg("snapshot store closed")
		}
	}
}

// Hub exposes the coordination core, mostly for tests.
func (a *App) Hub() *core.Hub {
	return a.hub
}
