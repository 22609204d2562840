package task

import (
	"context"
	"log/slog"
	"sync"
)

// Executor runs a function somewhere other than the calling goroutine and
// waits for it. The JobQueue's blocking pool implements it.
type Executor interface {
	Execute(ctx context.Context, fn func()) error
}

// blockingPool is a fixed set of goroutines reserved for blocking work so
// that long blocking calls cannot occupy every queue worker.
type blockingPool struct {
	work   chan func()
	size   int
	wg     sync.WaitGroup
	once   sync.Once
	stopCh chan struct{}
	logger *slog.Logger
}

func newBlockingPool(size int, logger *slog.Logger) *blockingPool {
	return &blockingPool{
		work:   make(chan func()),
		size:   size,
		stopCh: make(chan struct{}),
		logger: logger,
	}
}

func (p *blockingPool) start() {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

func (p *blockingPool) worker(id int) {
	defer p.wg.Done()

	p.logger.Debug("starting blocking worker", "blocking_worker_id", id)

	for {
		select {
		case <-p.stopCh:
			p.logger.Debug("stopping blocking worker", "blocking_worker_id", id)
			return
		case fn := <-p.work:
			fn()
		}
	}
}

// Execute hands fn to an idle blocking worker and waits for it to return.
// If ctx is done first, Execute returns ctx.Err() and fn keeps running
// detached; its outcome must be reported through shared state.
func (p *blockingPool) Execute(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}

	select {
	case p.work <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopCh:
		return ErrQueueStopped
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop releases idle blocking workers. Workers busy with a call exit once
// it returns; stop does not wait for them.
func (p *blockingPool) stop() {
	p.once.Do(func() {
		close(p.stopCh)
	})
}
