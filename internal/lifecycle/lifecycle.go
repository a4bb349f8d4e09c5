// Package lifecycle runs the two periodic reapers: the heartbeat monitor,
// which closes connections that stopped answering probes, and the eviction
// sweeper, which destroys sessions left empty past the grace window. Both are
// ticker loops over an injectable clock so their timing is testable.
package lifecycle

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/pairpad/backend/internal/metrics"
)

// Prober is one probeable connection. Probe reports whether the peer showed
// life since the previous probe and rearms the flag; Ping solicits fresh
// evidence; Kill force-closes.
type Prober interface {
	ID() string
	Probe() bool
	Ping()
	Kill()
}

// ConnSet is where the heartbeat finds its connections.
type ConnSet interface {
	LiveConns() []Prober
}

// Heartbeat closes connections that missed a probe cycle. A crashed or
// partitioned client is therefore counted as a participant for at most two
// intervals, which in turn bounds how long a dead room looks occupied.
type Heartbeat struct {
	conns    ConnSet
	interval time.Duration
	clk      clock.Clock
	log      *zap.Logger
}

func NewHeartbeat(conns ConnSet, interval time.Duration, clk clock.Clock, log *zap.Logger) *Heartbeat {
	return &Heartbeat{
		conns:    conns,
		interval: interval,
		clk:      clk,
		log:      log.Named("heartbeat"),
	}
}

// Run blocks until ctx is cancelled.
func (h *Heartbeat) Run(ctx context.Context) {
	t := h.clk.Ticker(h.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.probe()
		}
	}
}

func (h *Heartbeat) probe() {
	for _, c := range h.conns.LiveConns() {
		if !c.Probe() {
			metrics.HeartbeatKills.Inc()
			h.log.Info("connection missed heartbeat", zap.String("conn_id", c.ID()))
			c.Kill()
			continue
		}
		c.Ping()
	}
}

// Registry is the slice of the session registry the sweeper needs.
type Registry interface {
	SweepIdle(ctx context.Context, grace time.Duration) int
}

// Sweeper periodically destroys sessions that have been empty longer than
// the grace window.
type Sweeper struct {
	registry Registry
	interval time.Duration
	grace    time.Duration
	clk      clock.Clock
	log      *zap.Logger
}

func NewSweeper(registry Registry, interval, grace time.Duration, clk clock.Clock, log *zap.Logger) *Sweeper {
	return &Sweeper{
		registry: registry,
		interval: interval,
		grace:    grace,
		clk:      clk,
		log:      log.Named("sweeper"),
	}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	t := s.clk.Ticker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.registry.SweepIdle(ctx, s.grace); n > 0 {
				s.log.Info("swept idle sessions", zap.Int("evicted", n))
			}
		}
	}
}
