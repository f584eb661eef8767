package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweeper periodically evicts sessions with no recent traffic and pings the
// survivors so their pong replies refresh the activity clock.
type Sweeper struct {
	registry *Registry
	timeout  time.Duration
	interval time.Duration
}

// NewSweeper creates the session liveness sweeper
func NewSweeper(registry *Registry, timeout, interval time.Duration) *Sweeper {
	return &Sweeper{
		registry: registry,
		timeout:  timeout,
		interval: interval,
	}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().
		Dur("timeout", s.timeout).
		Dur("interval", s.interval).
		Msg("Session sweeper started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Session sweeper stopped")
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	evicted := s.registry.SweepInactive(s.timeout)
	if evicted > 0 {
		log.Info().Int("evicted", evicted).Msg("Inactive sessions evicted")
	}
	s.registry.PingAll(Ready, time.Now().Add(pingWriteWait))
}
