// Package clock timestamps captures. Boards without an RTC boot with a wrong
// wall clock, so the offset to an NTP server is applied when known.
package clock

import (
	"context"
	"sync"
	"time"

	"github.com/beevik/ntp"
	"go.uber.org/zap"

	"dual-shutter/pkg/utils"
)

type Clock struct {
	server string
	logger *zap.SugaredLogger
	query  func(host string) (*ntp.Response, error)

	mu     sync.RWMutex
	offset time.Duration
	synced time.Time
}

// New returns a clock synced against server. An empty server disables NTP.
func New(server string, logger *zap.SugaredLogger) *Clock {
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &Clock{
		server: server,
		logger: logger,
		query:  ntp.Query,
	}
}

// Now is the corrected wall time.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Now().Add(c.offset)
}

func (c *Clock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// Sync queries the server once and stores the offset.
func (c *Clock) Sync() error {
	if c.server == "" {
		return nil
	}
	resp, err := c.query(c.server)
	if err != nil {
		return err
	}
	if err := resp.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.offset = resp.ClockOffset
	c.synced = time.Now()
	c.mu.Unlock()
	c.logger.Infof("clock: offset to %s is %s", c.server, resp.ClockOffset)

	return nil
}

// Run re-syncs every interval until ctx is done.
func (c *Clock) Run(ctx context.Context, interval time.Duration) {
	if c.server == "" {
		return
	}
	if err := c.Sync(); err != nil {
		c.logger.Warnf("clock: ntp sync failed: %s", err)
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := c.Sync(); err != nil {
				c.logger.Warnf("clock: ntp sync failed: %s", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
