package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/andrej220/hexactl/internal/lg"
)

const (
	TotalMaxWorkers = 10
)

var ErrPoolStopped = errors.New("worker pool stopped")

type JobFunc[T any] func(context.Context, T) error

type Job[T any] struct {
	Payload     T
	Fn          JobFunc[T]
	Ctx         context.Context
	CleanupFunc func()
}

// Pool runs each submitted job on its own goroutine, with at most maxWorkers
// jobs executing at once. Jobs beyond that wait for a slot.
type Pool[T any] struct {
	sem           *semaphore.Weighted
	activeWorkers int32
	queued        int32
	wg            sync.WaitGroup
	maxWorkers    int
	logger        lg.Logger

	mu      sync.Mutex
	stopped bool
}

func NewPool[T any](maxWorkers int, logger lg.Logger) *Pool[T] {
	if maxWorkers <= 0 {
		maxWorkers = TotalMaxWorkers
	}
	return &Pool[T]{
		sem:        semaphore.NewWeighted(int64(maxWorkers)),
		maxWorkers: maxWorkers,
		logger:     lg.OrDiscard(logger),
	}
}

// Stop rejects further jobs and waits for submitted ones to finish.
func (p *Pool[T]) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool[T]) Submit(job Job[T]) error {
	if job.Ctx == nil {
		job.Ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.logger.Info("Worker pool is shutting down, job rejected")
		return ErrPoolStopped
	}
	p.wg.Add(1)
	p.mu.Unlock()

	atomic.AddInt32(&p.queued, 1)
	go p.worker(job)
	p.logger.Debug("Job submitted", lg.Any("job", job.Payload))
	return nil
}

func (p *Pool[T]) worker(job Job[T]) {
	defer p.wg.Done()
	defer func() {
		if job.CleanupFunc != nil {
			job.CleanupFunc()
		}
	}()
	logger := p.logger.With(lg.Any("job", job.Payload))

	// A job whose context ends while it waits for a slot still runs, without
	// a slot, so it can observe its own cancellation.
	acquired := p.sem.Acquire(job.Ctx, 1) == nil
	atomic.AddInt32(&p.queued, -1)
	if acquired {
		defer p.sem.Release(1)
		atomic.AddInt32(&p.activeWorkers, 1)
		defer atomic.AddInt32(&p.activeWorkers, -1)
	}
	logger.Debug("Worker started", lg.Int32("workers", atomic.LoadInt32(&p.activeWorkers)))

	if err := job.Fn(job.Ctx, job.Payload); err != nil {
		logger.Info("Worker finished with error", lg.Err(err))
		return
	}
	logger.Debug("Worker finished", lg.Int32("workers", atomic.LoadInt32(&p.activeWorkers)))
}

func (p *Pool[T]) ActiveWorkers() int32 {
	return atomic.LoadInt32(&p.activeWorkers)
}

// Queued is the number of submitted jobs still waiting for a slot.
func (p *Pool[T]) Queued() int32 {
	return atomic.LoadInt32(&p.queued)
}
