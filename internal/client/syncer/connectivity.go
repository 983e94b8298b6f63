package syncer

import (
	"context"
	"sync/atomic"
	"time"

	"gopkg.in/tomb.v2"

	"restaurant-sync/internal/common/logger"
)

type HealthChecker interface {
	Health(ctx context.Context) error
}

// Connectivity polls the backend and reports online/offline transitions on
// Changes. The first check always reports.
type Connectivity struct {
	tomb.Tomb

	checker HealthChecker
	every   time.Duration
	timeout time.Duration
	log     logger.Logger

	online  atomic.Bool
	changes chan bool
}

func NewConnectivity(p HealthChecker, every time.Duration, lg logger.Logger) *Connectivity {
	if every <= 0 {
		every = 5 * time.Second
	}
	return &Connectivity{
		checker: p,
		every:   every,
		timeout: min(every, 3*time.Second),
		log:     lg,
		changes: make(chan bool, 1),
	}
}

func (c *Connectivity) Changes() <-chan bool { return c.changes }

func (c *Connectivity) Online() bool { return c.online.Load() }

// Start checks until Kill is called on the tomb.
func (c *Connectivity) Start() {
	c.Go(func() error {
		ticker := time.NewTicker(c.every)
		defer ticker.Stop()

		first := true
		for {
			up := c.check()
			if first || up != c.online.Load() {
				c.online.Store(up)
				c.log.Info("connectivity_changed", map[string]any{"online": up})
				select {
				case c.changes <- up:
				case <-c.Dying():
					return nil
				}
			}
			first = false

			select {
			case <-c.Dying():
				return nil
			case <-ticker.C:
			}
		}
	})
}

func (c *Connectivity) check() bool {
	ctx, cancel := context.WithTimeout(c.Context(nil), c.timeout)
	defer cancel()
	if err := c.checker.Health(ctx); err != nil {
		c.log.Debug("connectivity_check_failed", map[string]any{"error": err.Error()})
		return false
	}
	return true
}

// Stop kills the checker and waits for it.
func (c *Connectivity) Stop() error {
	c.Kill(nil)
	return c.Wait()
}
