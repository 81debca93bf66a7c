// Package worker runs short fire-and-forget tasks with a hard concurrency cap.
package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Close when called twice.
var ErrClosed = errors.New("worker pool closed")

// Pool spawns at most size concurrent tasks. Submission never blocks: when the
// pool is saturated the task is rejected and the caller decides what to do.
type Pool struct {
	name   string
	sem    *semaphore.Weighted
	size   int64
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	rejected atomic.Uint64
}

// NewPool creates a pool. A non-positive size is treated as 1.
func NewPool(name string, size int, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		name:   name,
		sem:    semaphore.NewWeighted(int64(size)),
		size:   int64(size),
		logger: logger.Named("worker").With(zap.String("pool", name)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// TrySubmit starts fn in its own goroutine if a slot is free. The context given
// to fn is cancelled when the pool closes.
func (p *Pool) TrySubmit(task string, fn func(ctx context.Context)) bool {
	if p.closed.Load() {
		return false
	}
	if !p.sem.TryAcquire(1) {
		p.rejected.Add(1)
		return false
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("task panicked",
					zap.String("task", task),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
			}
		}()
		fn(p.ctx)
	}()
	return true
}

// Rejected returns how many submissions were turned away.
func (p *Pool) Rejected() uint64 {
	return p.rejected.Load()
}

// Close stops accepting work, cancels running tasks and waits for them until
// ctx expires.
func (p *Pool) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	p.cancel()
	p.logger.Info("closing pool", zap.Uint64("rejected", p.Rejected()))
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "draining pool %s", p.name)
	}
}
