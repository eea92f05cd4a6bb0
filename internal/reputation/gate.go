// Package reputation decides whether a network address may join the world.
//
// A Gate combines a mutable ban set with two process-lifetime caches: the
// abuse score reported by an external reputation service, and the reverse DNS
// names of the address. Lookup failures are cached as benign so a degraded
// dependency never slows admission twice for the same address.
package reputation

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Verdict is the admission decision for an address.
type Verdict string

const (
	VerdictOK             Verdict = "ok"
	VerdictBanned         Verdict = "banned"
	VerdictHighRisk       Verdict = "high_risk"
	VerdictSuspectedRelay Verdict = "suspected_relay"
)

// Allowed reports whether the verdict admits the address.
func (v Verdict) Allowed() bool {
	return v == VerdictOK
}

// Scorer returns an abuse score for an address. Higher is worse.
type Scorer interface {
	Score(ctx context.Context, address string) (int, error)
}

// Resolver performs reverse lookups. *net.Resolver satisfies it.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// Config tunes a Gate.
type Config struct {
	// Threshold is the highest score still considered ok.
	Threshold int
	// ScoreTimeout bounds one call to the Scorer.
	ScoreTimeout time.Duration
	// LookupWait is how long Check waits for reverse DNS before deciding
	// without it. The lookup keeps running and fills the cache.
	LookupWait time.Duration
	// LookupTimeout bounds the background reverse lookup.
	LookupTimeout time.Duration
	// RelayPatterns match reverse names of known relay or hosting providers.
	RelayPatterns []string
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		Threshold:     50,
		ScoreTimeout:  5 * time.Second,
		LookupWait:    time.Second,
		LookupTimeout: 10 * time.Second,
		RelayPatterns: []string{`(?i)\.relay\.`, `(?i)vpn`, `(?i)\.tor-exit\.`, `(?i)proxy`},
	}
}

// Gate is safe for concurrent use.
type Gate struct {
	cfg      Config
	scorer   Scorer
	resolver Resolver
	patterns []*regexp.Regexp
	log      *zerolog.Logger

	bans   *xsync.MapOf[string, time.Time]
	scores *xsync.MapOf[string, int]
	names  *xsync.MapOf[string, []string]
	flight singleflight.Group
}

// New builds a gate. A nil scorer scores every address as zero; a nil
// resolver disables the relay check.
func New(cfg Config, scorer Scorer, resolver Resolver, logger *zerolog.Logger) (*Gate, error) {
	patterns := make([]*regexp.Regexp, 0, len(cfg.RelayPatterns))
	for _, p := range cfg.RelayPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("relay pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}
	l := logger.With().Str("component", "reputation").Logger()
	return &Gate{
		cfg:      cfg,
		scorer:   scorer,
		resolver: resolver,
		patterns: patterns,
		log:      &l,
		bans:     xsync.NewMapOf[string, time.Time](),
		scores:   xsync.NewMapOf[string, int](),
		names:    xsync.NewMapOf[string, []string](),
	}, nil
}

// Check returns the verdict for address.
func (g *Gate) Check(ctx context.Context, address string) Verdict {
	address = NormalizeAddress(address)
	if g.IsBanned(address) {
		return VerdictBanned
	}
	if g.score(ctx, address) > g.cfg.Threshold {
		return VerdictHighRisk
	}
	if g.isRelay(ctx, address) {
		return VerdictSuspectedRelay
	}
	return VerdictOK
}

func (g *Gate) score(ctx context.Context, address string) int {
	if g.scorer == nil {
		return 0
	}
	if s, ok := g.scores.Load(address); ok {
		return s
	}
	v, _, _ := g.flight.Do("score:"+address, func() (any, error) {
		if s, ok := g.scores.Load(address); ok {
			return s, nil
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.ScoreTimeout)
		defer cancel()
		s, err := g.scorer.Score(sctx, address)
		if err != nil {
			g.log.Warn().Err(err).Str("address", address).Msg("reputation lookup failed, caching as benign")
			s = 0
		}
		g.scores.Store(address, s)
		return s, nil
	})
	return v.(int)
}

func (g *Gate) isRelay(ctx context.Context, address string) bool {
	if g.resolver == nil || len(g.patterns) == 0 {
		return false
	}
	names, ok := g.names.Load(address)
	if !ok {
		ch := g.flight.DoChan("names:"+address, func() (any, error) {
			lctx, cancel := context.WithTimeout(context.Background(), g.cfg.LookupTimeout)
			defer cancel()
			names, err := g.resolver.LookupAddr(lctx, address)
			if err != nil {
				g.log.Debug().Err(err).Str("address", address).Msg("reverse lookup failed")
				names = nil
			}
			g.names.Store(address, names)
			return names, nil
		})
		timer := time.NewTimer(g.cfg.LookupWait)
		defer timer.Stop()
		select {
		case res := <-ch:
			names, _ = res.Val.([]string)
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
	for _, name := range names {
		for _, re := range g.patterns {
			if re.MatchString(name) {
				return true
			}
		}
	}
	return false
}

// Ban adds addresses to the ban set.
func (g *Gate) Ban(addresses ...string) {
	now := time.Now()
	for _, a := range addresses {
		if a = NormalizeAddress(a); a != "" {
			g.bans.Store(a, now)
		}
	}
}

// Unban removes address from the ban set and reports whether it was present.
func (g *Gate) Unban(address string) bool {
	_, ok := g.bans.LoadAndDelete(NormalizeAddress(address))
	return ok
}

// IsBanned reports whether address is in the ban set.
func (g *Gate) IsBanned(address string) bool {
	_, ok := g.bans.Load(NormalizeAddress(address))
	return ok
}

// Bans returns the ban set, sorted.
func (g *Gate) Bans() []string {
	out := make([]string, 0, g.bans.Size())
	g.bans.Range(func(a string, _ time.Time) bool {
		out = append(out, a)
		return true
	})
	sort.Strings(out)
	return out
}

// RestoreBans replaces the ban set.
func (g *Gate) RestoreBans(addresses []string) {
	g.bans.Clear()
	g.Ban(addresses...)
}

// NormalizeAddress strips a port and IPv4-mapped IPv6 prefix.
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	if host, _, err := net.SplitHostPort(address); err == nil {
		address = host
	}
	address = strings.TrimPrefix(address, "::ffff:")
	if ip := net.ParseIP(address); ip != nil {
		return ip.String()
	}
	return address
}

// CachedScores returns the number of cached scores and names, for diagnostics.
func (g *Gate) CachedScores() (scores, names int) {
	return g.scores.Size(), g.names.Size()
}
