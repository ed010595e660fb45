// Package processing runs the moderation pipeline on an in-process worker pool
// for standalone mode, where no Redis queue is available.
package processing

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/MediaGate/internal/moderation"
)

// ErrQueueFull is returned by Dispatch when the buffer is saturated. The item
// stays received and the recovery sweep re-dispatches it later.
var ErrQueueFull = errors.New("processing queue full")

// Processor runs the pipeline for one item.
type Processor interface {
	Process(ctx context.Context, id string) (moderation.Outcome, error)
}

// Pool consumes media ids and runs them through the Processor.
type Pool struct {
	processor Processor
	logger    logrus.FieldLogger
	queue     chan string
	workers   int
	once      sync.Once
	wg        sync.WaitGroup
}

// New builds a Pool with queue capacity tied to worker count.
func New(processor Processor, workers int, logger logrus.FieldLogger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		processor: processor,
		logger:    logger.WithField("component", "pool"),
		queue:     make(chan string, workers*4),
		workers:   workers,
	}
}

// Start launches the workers. They exit when ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	p.once.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.worker(ctx)
		}
	})
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Dispatch queues id without blocking.
func (p *Pool) Dispatch(_ context.Context, id string) error {
	select {
	case p.queue <- id:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-p.queue:
			p.process(ctx, id)
		}
	}
}

func (p *Pool) process(ctx context.Context, id string) {
	log := p.logger.WithField("media_id", id)
	out, err := p.processor.Process(ctx, id)
	switch {
	case errors.Is(err, moderation.ErrNotClaimable):
		log.Debug("media item owned by another invocation")
	case err != nil:
		log.WithError(err).Error("moderation failed")
	default:
		log.WithFields(logrus.Fields{"status": out.Status, "reason": out.Reason}).Info("moderation finished")
	}
}
