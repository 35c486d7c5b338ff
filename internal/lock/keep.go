package lock

import (
	"context"
	"time"
)

// Keep refreshes the lease every interval until ctx is done. The returned
// channel is closed if the lease is lost; store failures are logged and
// retried on the next tick because the lease may still be valid.
//
// A non-positive interval defaults to a third of the global timeout, or one
// second in unsafe mode.
func (l *Lock) Keep(ctx context.Context, interval time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = l.opts.globalTimeout / 3
		if interval <= 0 {
			interval = time.Second
		}
	}

	lost := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := l.Refresh(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					l.logger.Error("failed to extend lock", "error", err)
					continue
				}
				if !ok {
					close(lost)
					return
				}
				l.logger.Debug("extended lock", "ttl", l.opts.globalTimeout)
			}
		}
	}()
	return lost
}
