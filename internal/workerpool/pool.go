// Package workerpool runs arbitrary closures on a resizable set of goroutines.
package workerpool

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iggydv12/coopsync/internal/workqueue"
)

// Pool drains closures from a shared work queue.
type Pool struct {
	mu      sync.Mutex // serializes Start/Stop/Resize
	tasks   *workqueue.Queue[func()]
	cancel  context.CancelFunc
	group   *errgroup.Group
	workers int
	running bool
	logger  *zap.Logger
}

// New creates an idle Pool. Call Start to spawn workers.
func New(logger *zap.Logger) *Pool {
	return &Pool{
		tasks:  workqueue.New[func()](0),
		logger: logger,
	}
}

// Start spawns n workers. It is a no-op if the pool is already running.
func (p *Pool) Start(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startLocked(n)
}

// Stop stops accepting work and joins all workers. Closures already running finish;
// closures still queued stay queued for the next Start.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks.Close()
	p.stopLocked()
}

// Resize drains the pool and restarts it with n workers. Submissions made while the
// resize is in progress are rejected; work queued before it is preserved.
func (p *Pool) Resize(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks.Close()
	p.stopLocked()
	p.startLocked(n)
	p.logger.Info("Worker pool resized", zap.Int("workers", n))
}

// Submit queues task. It returns false if the pool is stopped or resizing.
func (p *Pool) Submit(task func()) bool {
	if task == nil {
		return false
	}
	return p.tasks.Push(task)
}

// Workers returns the current worker count.
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// Pending returns the number of queued, not yet started closures.
func (p *Pool) Pending() int {
	return p.tasks.Len()
}

func (p *Pool) startLocked(n int) {
	if p.running || n <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			p.loop(ctx)
			return nil
		})
	}
	p.cancel = cancel
	p.group = g
	p.workers = n
	p.running = true
	p.tasks.Reopen()
}

func (p *Pool) stopLocked() {
	if !p.running {
		return
	}
	p.cancel()
	_ = p.group.Wait()
	p.cancel = nil
	p.group = nil
	p.workers = 0
	p.running = false
}

func (p *Pool) loop(ctx context.Context) {
	for ctx.Err() == nil {
		task, err := p.tasks.Pop(ctx)
		if err != nil {
			return
		}
		p.run(task)
	}
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Worker task panicked", zap.Any("panic", r))
		}
	}()
	task()
}
