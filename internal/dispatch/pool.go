package dispatch

import (
	"context"
	"log/slog"
	"sync"
)

// Handler performs a single delivery attempt.
type Handler interface {
	Deliver(ctx context.Context, job Job)
}

// Pool is a fixed-size worker pool consuming delivery jobs from a channel.
type Pool struct {
	handler    Handler
	logger     *slog.Logger
	numWorkers int
	jobs       chan Job
	wg         sync.WaitGroup
}

func NewPool(handler Handler, numWorkers int, logger *slog.Logger) *Pool {
	return &Pool{
		handler:    handler,
		logger:     logger,
		numWorkers: numWorkers,
		jobs:       make(chan Job, numWorkers*2),
	}
}

// Start launches the workers. They run until the context is cancelled.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("worker pool starting", "num_workers", p.numWorkers)
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Submit hands a job to the pool. Blocks when all workers are busy and the
// buffer is full, which applies backpressure to the dispatcher's poll loop.
func (p *Pool) Submit(job Job) {
	p.jobs <- job
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With("worker_id", id)
	logger.Debug("worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker stopping")
			return
		case job := <-p.jobs:
			p.handler.Deliver(ctx, job)
		}
	}
}
