// Package recovery finds media items stuck mid-pipeline and resumes or
// abandons them. Resumption goes through the orchestrator's own claim, so a
// sweep racing a live worker (or another sweep) cannot double-process an item.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dharsanguruparan/MediaGate/internal/metrics"
	"github.com/dharsanguruparan/MediaGate/internal/model"
	"github.com/dharsanguruparan/MediaGate/internal/moderation"
	"github.com/dharsanguruparan/MediaGate/internal/repository"
)

// Store is the subset of the data store the sweep reads and fences on.
type Store interface {
	ListStale(ctx context.Context, statuses []model.ProcessingStatus, before time.Time, limit int) ([]*model.MediaItem, error)
	Transition(ctx context.Context, t model.Transition) (*model.MediaItem, error)
}

// Processor re-enters the pipeline for one item.
type Processor interface {
	Process(ctx context.Context, id string) (moderation.Outcome, error)
}

// Dispatcher re-enqueues items whose original enqueue was lost.
type Dispatcher interface {
	Dispatch(ctx context.Context, id string) error
}

// Config tunes the sweep.
type Config struct {
	Interval        time.Duration
	StalenessWindow time.Duration
	MaxAttempts     int
	BatchSize       int
	Concurrency     int
}

// Report counts what one pass did.
type Report struct {
	Scanned      int
	Resumed      int
	Abandoned    int
	Redispatched int
	Skipped      int
	Errors       int
}

// Sweeper runs recovery passes.
type Sweeper struct {
	cfg        Config
	store      Store
	processor  Processor
	dispatcher Dispatcher
	metrics    *metrics.Pipeline
	logger     logrus.FieldLogger
	now        func() time.Time
}

// New builds a Sweeper. dispatcher may be nil, in which case stale received
// items are processed inline like transient ones.
func New(cfg Config, store Store, processor Processor, dispatcher Dispatcher, m *metrics.Pipeline, logger logrus.FieldLogger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StalenessWindow <= 0 {
		cfg.StalenessWindow = 15 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Sweeper{
		cfg:        cfg,
		store:      store,
		processor:  processor,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger.WithField("component", "recovery"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.WithError(err).Error("recovery sweep failed")
			}
		}
	}
}

// SweepOnce handles one batch of stale items.
func (s *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	staleBefore := s.now().Add(-s.cfg.StalenessWindow)
	statuses := append([]model.ProcessingStatus{model.StatusReceived}, model.TransientStatuses...)
	items, err := s.store.ListStale(ctx, statuses, staleBefore, s.cfg.BatchSize)
	if err != nil {
		return Report{}, fmt.Errorf("list stale items: %w", err)
	}

	results := make([]string, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, item := range items {
		g.Go(func() error {
			results[i] = s.recover(gctx, item, staleBefore)
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Scanned: len(items)}
	for _, action := range results {
		s.metrics.SweepAction(action)
		switch action {
		case actionResumed:
			report.Resumed++
		case actionAbandoned:
			report.Abandoned++
		case actionRedispatched:
			report.Redispatched++
		case actionSkipped:
			report.Skipped++
		default:
			report.Errors++
		}
	}
	if report.Scanned > 0 {
		s.logger.WithFields(logrus.Fields{
			"scanned":      report.Scanned,
			"resumed":      report.Resumed,
			"abandoned":    report.Abandoned,
			"redispatched": report.Redispatched,
			"skipped":      report.Skipped,
			"errors":       report.Errors,
		}).Info("recovery sweep finished")
	}
	return report, nil
}

const (
	actionResumed      = "resumed"
	actionAbandoned    = "abandoned"
	actionRedispatched = "redispatched"
	actionSkipped      = "skipped"
	actionError        = "error"
)

func (s *Sweeper) recover(ctx context.Context, item *model.MediaItem, staleBefore time.Time) string {
	log := s.logger.WithFields(logrus.Fields{
		"media_id": item.ID,
		"status":   item.Status,
		"attempts": item.Attempts,
	})

	if item.Status.Transient() && item.Attempts >= s.cfg.MaxAttempts {
		_, err := s.store.Transition(ctx, moderation.AbandonTransition(item, staleBefore))
		switch {
		case errors.Is(err, repository.ErrConflict):
			log.Debug("item moved before abandon")
			return actionSkipped
		case err != nil:
			log.WithError(err).Error("abandon stale item failed")
			return actionError
		}
		log.Warn("abandoned stale item after max retries")
		return actionAbandoned
	}

	if item.Status == model.StatusReceived && s.dispatcher != nil {
		if err := s.dispatcher.Dispatch(ctx, item.ID); err != nil {
			log.WithError(err).Error("re-dispatch stale item failed")
			return actionError
		}
		log.Info("re-dispatched stale received item")
		return actionRedispatched
	}

	out, err := s.processor.Process(ctx, item.ID)
	switch {
	case errors.Is(err, moderation.ErrNotClaimable):
		log.Debug("item claimed elsewhere")
		return actionSkipped
	case err != nil:
		log.WithError(err).Error("resume stale item failed")
		return actionError
	}
	log.WithField("outcome", out.Status).Info("resumed stale item")
	return actionResumed
}
