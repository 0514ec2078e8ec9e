// Package server runs several independent reactors on one address. Each shard
// owns its own listening socket (SO_REUSEPORT), multiplexer and channels, and
// the kernel spreads incoming connections across them.
package server

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/legamerdc/reactor"
)

type Config struct {
	// Reactor is the template for every shard. Name gets a "-<index>" suffix.
	Reactor reactor.Config
	Shards  int
}

type Server struct {
	cfg    Config
	shards []*reactor.Reactor
}

// New opens Shards listeners on cfg.Reactor.Address. With a zero port the
// first shard picks the port and the rest bind the same one.
func New(cfg Config, factory reactor.HandlerFactory) (*Server, error) {
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if cfg.Shards > 1 {
		cfg.Reactor.ReusePort = true
	}
	base := cfg.Reactor.Name
	if base == "" {
		base = "shard"
	}
	s := &Server{cfg: cfg}
	for i := 0; i < cfg.Shards; i++ {
		rc := cfg.Reactor
		rc.Name = base + "-" + strconv.Itoa(i)
		if i > 0 {
			rc.Address = boundAddress(cfg.Reactor.Address, s.shards[0].Addr())
		}
		r, err := reactor.New(rc, factory)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("server: shard %d: %w", i, err), s.Shutdown(context.Background()))
		}
		s.shards = append(s.shards, r)
	}
	return s, nil
}

// boundAddress keeps the configured host but takes the port the first shard
// actually bound, which differs when the configured port is 0.
func boundAddress(configured string, bound net.Addr) string {
	host, _, err := net.SplitHostPort(configured)
	tcp, ok := bound.(*net.TCPAddr)
	if err != nil || !ok {
		return bound.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(tcp.Port))
}

// Run drives every shard on its own goroutine until ctx is done or Stop is
// called. A structural failure of one shard stops the others and is returned.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range s.shards {
		g.Go(func() error {
			if err := r.Run(gctx); err != nil {
				return fmt.Errorf("server: %s: %w", r.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Stop asks every shard to stop without waiting.
func (s *Server) Stop() {
	for _, r := range s.shards {
		r.Stop()
	}
}

// Shutdown stops every shard and waits for all of them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Stop()
	var err error
	for _, r := range s.shards {
		err = multierr.Append(err, r.Shutdown(ctx))
	}
	return err
}

// Addr is the shared listening address.
func (s *Server) Addr() net.Addr { return s.shards[0].Addr() }

func (s *Server) Shards() []*reactor.Reactor { return s.shards }

// NumChannels sums open connections over all shards.
func (s *Server) NumChannels() int {
	n := 0
	for _, r := range s.shards {
		n += r.NumChannels()
	}
	return n
}

// Metrics sums the counters of all shards.
func (s *Server) Metrics() reactor.Stats {
	var t reactor.Stats
	for _, r := range s.shards {
		m := r.Metrics()
		t.Active += m.Active
		t.Accepted += m.Accepted
		t.Closed += m.Closed
		t.PollCycles += m.PollCycles
		t.HandlerErrors += m.HandlerErrors
		t.Dropped += m.Dropped
		t.AcceptEvents += m.AcceptEvents
		t.ReadableEvents += m.ReadableEvents
		t.WritableEvents += m.WritableEvents
		t.ErrorEvents += m.ErrorEvents
		t.HangupEvents += m.HangupEvents
		t.AcceptTemporary += m.AcceptTemporary
		t.AcceptExhausted += m.AcceptExhausted
		t.AcceptFatal += m.AcceptFatal
	}
	return t
}
