package config

import (
	"fmt"
	"time"
)

// Relay backends.
const (
	RelayLocal   = "local"
	RelayLiveKit = "livekit"
)

// Snapshot backends.
const (
	SnapshotNone     = "none"
	SnapshotFile     = "file"
	SnapshotSQLite   = "sqlite"
	SnapshotRedis    = "redis"
	SnapshotPostgres = "postgres"
)

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// FrameBudget caps inbound websocket frames per connection per minute.
	// Zero disables the limit.
	FrameBudget int `mapstructure:"frame_budget" yaml:"frame_budget"`

	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	World      WorldConfig      `mapstructure:"world" yaml:"world"`
	Presence   PresenceConfig   `mapstructure:"presence" yaml:"presence"`
	Streams    StreamsConfig    `mapstructure:"streams" yaml:"streams"`
	Games      GamesConfig      `mapstructure:"games" yaml:"games"`
	Relay      RelayConfig      `mapstructure:"relay" yaml:"relay"`
	Reputation ReputationConfig `mapstructure:"reputation" yaml:"reputation"`
	Snapshot   SnapshotConfig   `mapstructure:"snapshot" yaml:"snapshot"`
	Admin      AdminConfig      `mapstructure:"admin" yaml:"admin"`
	Events     EventsConfig     `mapstructure:"events" yaml:"events"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// WorldConfig points at a room catalog. Empty means the built-in one.
type WorldConfig struct {
	CatalogPath string `mapstructure:"catalog_path" yaml:"catalog_path"`
}

type PresenceConfig struct {
	MaxNameLength       int           `mapstructure:"max_name_length" yaml:"max_name_length"`
	MaxMessageLength    int           `mapstructure:"max_message_length" yaml:"max_message_length"`
	FloodWindow         time.Duration `mapstructure:"flood_window" yaml:"flood_window"`
	FloodMaxMessages    int           `mapstructure:"flood_max_messages" yaml:"flood_max_messages"`
	GhostRetention      time.Duration `mapstructure:"ghost_retention" yaml:"ghost_retention"`
	InactivityThreshold time.Duration `mapstructure:"inactivity_threshold" yaml:"inactivity_threshold"`
	InactiveEviction    time.Duration `mapstructure:"inactive_eviction" yaml:"inactive_eviction"`
	ReaperInterval      time.Duration `mapstructure:"reaper_interval" yaml:"reaper_interval"`
}

type StreamsConfig struct {
	PublishTimeout   time.Duration `mapstructure:"publish_timeout" yaml:"publish_timeout"`
	RelayCallTimeout time.Duration `mapstructure:"relay_call_timeout" yaml:"relay_call_timeout"`
	RelayLoadFloor   int           `mapstructure:"relay_load_floor" yaml:"relay_load_floor"`
}

type GamesConfig struct {
	ChessMoveTimeout time.Duration `mapstructure:"chess_move_timeout" yaml:"chess_move_timeout"`

	JankenChoosingTimeout time.Duration `mapstructure:"janken_choosing_timeout" yaml:"janken_choosing_timeout"`
	JankenPhraseDelay     time.Duration `mapstructure:"janken_phrase_delay" yaml:"janken_phrase_delay"`
	JankenRematchDelay    time.Duration `mapstructure:"janken_rematch_delay" yaml:"janken_rematch_delay"`
	JankenResultDelay     time.Duration `mapstructure:"janken_result_delay" yaml:"janken_result_delay"`
}

// RelayServer is one SFU deployment. APIKey and APISecret are only used by
// the livekit backend.
type RelayServer struct {
	ID        string `mapstructure:"id" yaml:"id"`
	URL       string `mapstructure:"url" yaml:"url"`
	APIKey    string `mapstructure:"api_key" yaml:"api_key"`
	APISecret string `mapstructure:"api_secret" yaml:"api_secret"`
}

type RelayConfig struct {
	Backend         string        `mapstructure:"backend" yaml:"backend"`
	Servers         []RelayServer `mapstructure:"servers" yaml:"servers"`
	ICEServers      []string      `mapstructure:"ice_servers" yaml:"ice_servers"`
	ConnectAttempts int           `mapstructure:"connect_attempts" yaml:"connect_attempts"`
	ConnectRetry    time.Duration `mapstructure:"connect_retry" yaml:"connect_retry"`
}

type ReputationConfig struct {
	AbuseIPDBKey  string        `mapstructure:"abuseipdb_key" yaml:"abuseipdb_key"`
	Threshold     int           `mapstructure:"threshold" yaml:"threshold"`
	ScoreTimeout  time.Duration `mapstructure:"score_timeout" yaml:"score_timeout"`
	ReverseLookup bool          `mapstructure:"reverse_lookup" yaml:"reverse_lookup"`
	LookupWait    time.Duration `mapstructure:"lookup_wait" yaml:"lookup_wait"`
	LookupTimeout time.Duration `mapstructure:"lookup_timeout" yaml:"lookup_timeout"`
	RelayPatterns []string      `mapstructure:"relay_patterns" yaml:"relay_patterns"`
}

type SnapshotConfig struct {
	Backend  string        `mapstructure:"backend" yaml:"backend"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	// Path is the directory of the file backend or the sqlite database file.
	Path             string `mapstructure:"path" yaml:"path"`
	RedisAddr        string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword    string `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB          int    `mapstructure:"redis_db" yaml:"redis_db"`
	RedisKey         string `mapstructure:"redis_key" yaml:"redis_key"`
	PostgresDSN      string `mapstructure:"postgres_dsn" yaml:"postgres_dsn"`
	PostgresMaxConns int32  `mapstructure:"postgres_max_conns" yaml:"postgres_max_conns"`
}

// AdminConfig enables the admin API when PasswordHash and JWTSecret are set.
type AdminConfig struct {
	PasswordHash string        `mapstructure:"password_hash" yaml:"password_hash"`
	JWTSecret    string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer    string        `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience  string        `mapstructure:"jwt_audience" yaml:"jwt_audience"`
	TokenTTL     time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
}

// EventsConfig selects the room rebuild source. Without a NATS URL rebuilds
// only come from the admin API.
type EventsConfig struct {
	NATSURL string `mapstructure:"nats_url" yaml:"nats_url"`
	Subject string `mapstructure:"subject" yaml:"subject"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8085",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		FrameBudget:       600,
		Log:               LogConfig{Level: "info", Format: "console"},
		Presence: PresenceConfig{
			MaxNameLength:       20,
			MaxMessageLength:    500,
			FloodWindow:         5 * time.Second,
			FloodMaxMessages:    5,
			GhostRetention:      10 * time.Minute,
			InactivityThreshold: 30 * time.Minute,
			InactiveEviction:    3 * time.Hour,
			ReaperInterval:      time.Minute,
		},
		Streams: StreamsConfig{
			PublishTimeout:   10 * time.Second,
			RelayCallTimeout: 15 * time.Second,
			RelayLoadFloor:   5,
		},
		Games: GamesConfig{
			ChessMoveTimeout:      5 * time.Minute,
			JankenChoosingTimeout: 20 * time.Second,
			JankenPhraseDelay:     3 * time.Second,
			JankenRematchDelay:    3 * time.Second,
			JankenResultDelay:     5 * time.Second,
		},
		Relay: RelayConfig{
			Backend:         RelayLocal,
			Servers:         []RelayServer{{ID: "local"}},
			ICEServers:      []string{"stun:stun.l.google.com:19302"},
			ConnectAttempts: 5,
			ConnectRetry:    2 * time.Second,
		},
		Reputation: ReputationConfig{
			Threshold:     50,
			ScoreTimeout:  5 * time.Second,
			ReverseLookup: true,
			LookupWait:    time.Second,
			LookupTimeout: 10 * time.Second,
			RelayPatterns: []string{`(?i)\.relay\.`, `(?i)vpn`, `(?i)\.tor-exit\.`, `(?i)proxy`},
		},
		Snapshot: SnapshotConfig{
			Backend:          SnapshotFile,
			Interval:         time.Minute,
			Path:             "data",
			RedisKey:         "gikopoi:snapshots",
			PostgresMaxConns: 4,
		},
		Admin: AdminConfig{
			JWTIssuer:   "gikopoi",
			JWTAudience: "gikopoi-admin",
			TokenTTL:    12 * time.Hour,
		},
		Events: EventsConfig{Subject: "gikopoi.rooms.rebuild"},
	}
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Relay.Backend {
	case RelayLocal:
	case RelayLiveKit:
		for _, s := range c.Relay.Servers {
			if s.URL == "" || s.APIKey == "" || s.APISecret == "" {
				return fmt.Errorf("relay server %q: url, api_key and api_secret are required", s.ID)
			}
		}
	default:
		return fmt.Errorf("unknown relay backend %q", c.Relay.Backend)
	}
	if len(c.Relay.Servers) == 0 {
		return fmt.Errorf("no relay servers configured")
	}
	seen := make(map[string]bool, len(c.Relay.Servers))
	for _, s := range c.Relay.Servers {
		if s.ID == "" || seen[s.ID] {
			return fmt.Errorf("relay server ids must be unique and non-empty")
		}
		seen[s.ID] = true
	}

	switch c.Snapshot.Backend {
	case SnapshotNone, SnapshotFile, SnapshotSQLite:
	case SnapshotRedis:
		if c.Snapshot.RedisAddr == "" {
			return fmt.Errorf("snapshot.redis_addr is required for the redis backend")
		}
	case SnapshotPostgres:
		if c.Snapshot.PostgresDSN == "" {
			return fmt.Errorf("snapshot.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown snapshot backend %q", c.Snapshot.Backend)
	}
	if c.Snapshot.Backend != SnapshotNone && c.Snapshot.Interval <= 0 {
		return fmt.Errorf("snapshot.interval must be positive")
	}
	return nil
}

// UpdateFrom overwrites non-zero values from other config into receiver.
// Only the settings exposed as command line flags are considered.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.Log.Format != "" {
		c.Log.Format = other.Log.Format
	}
	if other.World.CatalogPath != "" {
		c.World.CatalogPath = other.World.CatalogPath
	}
}
