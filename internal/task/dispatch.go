package task

import (
	"context"
	"errors"
	"log"
	"sync"

	"golang.org/x/time/rate"
)

// RunFunc executes one task.
type RunFunc func(ctx context.Context, taskID string) error

// LocalDispatcher runs tasks in goroutines of this process, at most
// concurrency at once and no faster than the limiter allows.
type LocalDispatcher struct {
	ctx     context.Context
	run     RunFunc
	sem     chan struct{}
	limiter *rate.Limiter

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

var ErrDispatcherClosed = errors.New("dispatcher closed")

// NewLocalDispatcher returns a dispatcher whose tasks stop when ctx is done.
// A non-positive ratePerSec disables throttling.
func NewLocalDispatcher(ctx context.Context, run RunFunc, concurrency int, ratePerSec float64, burst int) *LocalDispatcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	if burst <= 0 {
		burst = 1
	}
	var limiter *rate.Limiter
	if ratePerSec <= 0 {
		limiter = rate.NewLimiter(rate.Inf, burst)
	} else {
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}
	return &LocalDispatcher{
		ctx:     ctx,
		run:     run,
		sem:     make(chan struct{}, concurrency),
		limiter: limiter,
	}
}

// Dispatch never blocks on running work.
func (d *LocalDispatcher) Dispatch(_ context.Context, taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.ctx.Err() != nil {
		return ErrDispatcherClosed
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case d.sem <- struct{}{}:
		case <-d.ctx.Done():
			return
		}
		defer func() { <-d.sem }()
		if err := d.limiter.Wait(d.ctx); err != nil {
			return
		}
		if err := d.run(d.ctx, taskID); err != nil {
			log.Printf("download worker: task %s: %v", taskID, err)
		}
	}()
	return nil
}

// Wait stops accepting tasks and blocks until in-flight ones return.
func (d *LocalDispatcher) Wait() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
