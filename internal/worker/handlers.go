// Package worker plugs the moderation pipeline and the recovery sweep into the
// asynq server loop.
package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/MediaGate/internal/moderation"
	"github.com/dharsanguruparan/MediaGate/internal/queue"
	"github.com/dharsanguruparan/MediaGate/internal/recovery"
	"github.com/dharsanguruparan/MediaGate/internal/repository"
)

// Processor runs the pipeline for one item.
type Processor interface {
	Process(ctx context.Context, id string) (moderation.Outcome, error)
}

// Sweeper runs one recovery pass.
type Sweeper interface {
	SweepOnce(ctx context.Context) (recovery.Report, error)
}

// Handlers serves the moderation queue.
type Handlers struct {
	processor Processor
	sweeper   Sweeper
	logger    logrus.FieldLogger
}

// NewHandlers constructs the task handlers.
func NewHandlers(processor Processor, sweeper Sweeper, logger logrus.FieldLogger) *Handlers {
	return &Handlers{processor: processor, sweeper: sweeper, logger: logger}
}

// Mux registers every task type.
func (h *Handlers) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.ModerateTask, h.HandleModerate)
	mux.HandleFunc(queue.SweepTask, h.HandleSweep)
	return mux
}

// HandleModerate processes one media item. Items owned by another invocation
// complete the task; the recovery sweep picks them up if that owner dies.
func (h *Handlers) HandleModerate(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseModeratePayload(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	log := h.logger.WithField("media_id", payload.MediaID)
	out, err := h.processor.Process(ctx, payload.MediaID)
	switch {
	case errors.Is(err, moderation.ErrNotClaimable):
		log.Debug("media item owned by another invocation")
		return nil
	case errors.Is(err, repository.ErrNotFound):
		log.Warn("media item not found")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	case err != nil:
		log.WithError(err).Error("moderation failed")
		return err
	}
	log.WithFields(logrus.Fields{
		"status":  out.Status,
		"reason":  out.Reason,
		"attempt": out.Attempt,
		"no_op":   out.NoOp,
	}).Info("moderation finished")
	return nil
}

// HandleSweep runs one recovery pass.
func (h *Handlers) HandleSweep(ctx context.Context, _ *asynq.Task) error {
	if _, err := h.sweeper.SweepOnce(ctx); err != nil {
		return fmt.Errorf("recovery sweep: %w", err)
	}
	return nil
}
