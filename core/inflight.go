package core

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// inflight tracks background work so it can be drained before shutdown.
type inflight struct {
	wg    sync.WaitGroup
	count atomic.Int64
}

// Go runs fn on a new goroutine and tracks it until it returns.
// A panic in fn is logged and does not take down the process.
func (f *inflight) Go(fn func()) {
	f.wg.Add(1)
	f.count.Add(1)
	go func() {
		defer f.wg.Done()
		defer f.count.Add(-1)
		defer func() {
			if err := recover(); err != nil {
				log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in background task")
			}
		}()
		fn()
	}()
}

// Len returns the number of running tasks.
func (f *inflight) Len() int {
	return int(f.count.Load())
}

// Wait blocks until all tracked tasks have finished or the context is done.
func (f *inflight) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
