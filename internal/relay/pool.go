package relay

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Server is one configured relay endpoint.
type Server struct {
	ID     string
	Client Client

	ready atomic.Bool
}

// NewServer wraps client under id.
func NewServer(id string, client Client) *Server {
	return &Server{ID: id, Client: client}
}

// Ready reports whether Connect has succeeded.
func (s *Server) Ready() bool {
	return s.ready.Load()
}

// Connect establishes the client connection and marks the server ready.
func (s *Server) Connect(ctx context.Context) error {
	if err := s.Client.Connect(ctx); err != nil {
		return fmt.Errorf("connect relay %s: %w", s.ID, err)
	}
	s.ready.Store(true)
	return nil
}

// Pool is the static set of relay servers configured at boot.
type Pool struct {
	servers []*Server
	log     *zerolog.Logger
}

// NewPool builds a pool. Server order is the tie-break order for LeastLoaded.
func NewPool(logger *zerolog.Logger, servers ...*Server) *Pool {
	l := logger.With().Str("component", "relay").Logger()
	return &Pool{servers: servers, log: &l}
}

// Servers returns the configured servers.
func (p *Pool) Servers() []*Server {
	return p.servers
}

// Get returns the server with the given id, or nil.
func (p *Pool) Get(id string) *Server {
	for _, s := range p.servers {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// ConnectAll connects every server concurrently. Servers that keep failing are
// retried every retry interval until ctx ends; the call returns once each
// server has either connected or been given up on.
func (p *Pool) ConnectAll(ctx context.Context, attempts int, retry time.Duration) {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range p.servers {
		g.Go(func() error {
			for i := 0; attempts <= 0 || i < attempts; i++ {
				err := s.Connect(ctx)
				if err == nil {
					p.log.Info().Str("relay", s.ID).Msg("relay connected")
					return nil
				}
				p.log.Warn().Err(err).Str("relay", s.ID).Int("attempt", i+1).Msg("relay connect failed")
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(retry):
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// LeastLoaded returns the ready server with the smallest load. loads maps a
// server id to its current weighted load; absent ids count as zero.
func (p *Pool) LeastLoaded(loads map[string]int) (*Server, error) {
	var (
		best     *Server
		bestLoad int
	)
	for _, s := range p.servers {
		if !s.Ready() {
			continue
		}
		load := loads[s.ID]
		if best == nil || load < bestLoad {
			best, bestLoad = s, load
		}
	}
	if best == nil {
		return nil, ErrNoServer
	}
	return best, nil
}

// Close closes every client.
func (p *Pool) Close() {
	for _, s := range p.servers {
		if err := s.Client.Close(); err != nil {
			p.log.Warn().Err(err).Str("relay", s.ID).Msg("relay close failed")
		}
		s.ready.Store(false)
	}
}
