// Package async provides the ticker helper behind fincore's periodic sweeps.
package async

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "async")

// RunEvery runs the named task on a fixed period in its own goroutine until
// ctx is done. Ticks that fire while the task is still running are dropped,
// so a slow sweep never stacks up behind itself.
func RunEvery(ctx context.Context, name string, period time.Duration, f func()) {
	ticker := time.NewTicker(period)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				log.WithField("task", name).Trace("Running periodic task")
				f()
			case <-ctx.Done():
				log.WithField("task", name).Debug("Stopping periodic task")
				return
			}
		}
	}()
}
