package async_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/plexfin/fincore/async"
)

func TestRunEvery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var runs int32
	async.RunEvery(ctx, "counter", 10*time.Millisecond, func() {
		atomic.AddInt32(&runs, 1)
	})

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&runs) == 0 {
		t.Error("Task never ran")
	}

	cancel()
	time.Sleep(50 * time.Millisecond)
	last := atomic.LoadInt32(&runs)

	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&runs); got != last {
		t.Errorf("Task ran after cancel: %d -> %d", last, got)
	}
}
