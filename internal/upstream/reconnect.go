package upstream

import (
	"time"

	"github.com/cenkalti/backoff"
)

// reconnectLoop retries connectOnce with exponential backoff until it
// succeeds or the client is shut down. Only one instance ever runs at a
// time; abort and New both call it, guarded by c.reconnecting.
func (c *Client) reconnectLoop() {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer c.reconnecting.Store(false)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0 // retry forever; the upstream is the only path once healthy

	for {
		select {
		case <-c.shutdownCtx.Done():
			return
		default:
		}

		if err := c.connectOnce(); err != nil {
			c.logger.Warn("reconnect attempt failed", "err", err)
			wait := b.NextBackOff()
			timer := time.NewTimer(wait)
			select {
			case <-c.shutdownCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}
		return
	}
}
