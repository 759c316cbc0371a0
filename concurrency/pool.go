// Package concurrency provides the shared goroutine pool used for fan-out work.
package concurrency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/leeforge/plugind/logging"
)

// ErrPoolClosed is returned by Submit after Release.
var ErrPoolClosed = errors.New("worker pool is closed")

// DefaultSize is used when a non-positive size is configured.
const DefaultSize = 16

// Pool is a bounded goroutine pool. Tasks that panic are logged and do not
// take the pool down.
type Pool struct {
	pool   *ants.Pool
	logger logging.Logger
}

// NewPool creates a pool with at most size concurrent workers.
func NewPool(size int, logger logging.Logger) (*Pool, error) {
	if size <= 0 {
		size = DefaultSize
	}
	log := logging.OrNop(logger).Named("pool")

	p, err := ants.NewPool(size,
		ants.WithExpiryDuration(time.Minute),
		ants.WithPanicHandler(func(r interface{}) {
			log.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &Pool{pool: p, logger: log}, nil
}

// Submit runs task on a pool worker, blocking while every worker is busy.
func (p *Pool) Submit(task func()) error {
	err := p.pool.Submit(task)
	if errors.Is(err, ants.ErrPoolClosed) {
		return ErrPoolClosed
	}
	return err
}

// Run executes every task on the pool and waits for all of them or for ctx.
// Tasks not yet submitted when ctx is done are skipped.
func (p *Pool) Run(ctx context.Context, tasks []func(context.Context)) error {
	var wg sync.WaitGroup
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		task := task
		wg.Add(1)
		if err := p.Submit(func() {
			defer wg.Done()
			task(ctx)
		}); err != nil {
			wg.Done()
			return err
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running returns the number of busy workers.
func (p *Pool) Running() int {
	return p.pool.Running()
}

// Cap returns the pool size.
func (p *Pool) Cap() int {
	return p.pool.Cap()
}

// Release stops accepting tasks and waits up to timeout for running ones.
func (p *Pool) Release(timeout time.Duration) error {
	if p.pool.IsClosed() {
		return nil
	}
	if err := p.pool.ReleaseTimeout(timeout); err != nil {
		p.logger.Warn("worker pool release timed out", zap.Int("running", p.pool.Running()))
		return err
	}
	return nil
}
