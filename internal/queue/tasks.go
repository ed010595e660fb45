// Package queue defines the asynq tasks that carry media items to the
// moderation workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// ModerateTask runs the moderation pipeline for one media item.
	ModerateTask = "media:moderate"
	// SweepTask triggers one recovery sweep pass.
	SweepTask = "media:recovery-sweep"

	// Name of the asynq queue both tasks run on.
	Name = "moderation"
)

// ModeratePayload is serialized into the task payload.
type ModeratePayload struct {
	MediaID string `json:"media_id"`
}

// NewModerateTask builds the task for id. The task id is derived from the
// media id so concurrent dispatches collapse into one pending task.
func NewModerateTask(id string, maxRetry int, timeout time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(ModeratePayload{MediaID: id})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	opts := []asynq.Option{
		asynq.TaskID(ModerateTaskID(id)),
		asynq.Queue(Name),
		asynq.MaxRetry(maxRetry),
	}
	if timeout > 0 {
		opts = append(opts, asynq.Timeout(timeout))
	}
	return asynq.NewTask(ModerateTask, data, opts...), nil
}

// ModerateTaskID is the asynq task id for media item id.
func ModerateTaskID(id string) string {
	return "moderate:" + id
}

// ParseModeratePayload decodes a moderate task payload.
func ParseModeratePayload(task *asynq.Task) (ModeratePayload, error) {
	var payload ModeratePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.MediaID == "" {
		return payload, errors.New("decode payload: media_id missing")
	}
	return payload, nil
}

// NewSweepTask builds the periodic sweep task. Unique keeps overlapping
// scheduler ticks from stacking passes.
func NewSweepTask(interval time.Duration) *asynq.Task {
	return asynq.NewTask(SweepTask, nil,
		asynq.Queue(Name),
		asynq.MaxRetry(0),
		asynq.Unique(interval),
	)
}

// Client dispatches moderation tasks through Redis.
type Client struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	maxRetry  int
	timeout   time.Duration
}

// NewClient wraps an asynq client. The inspector is used to replace tasks
// whose id is still held by an archived or completed run. timeout bounds one
// handler run and should cover the invocation budget.
func NewClient(client *asynq.Client, inspector *asynq.Inspector, maxRetry int, timeout time.Duration) *Client {
	return &Client{client: client, inspector: inspector, maxRetry: maxRetry, timeout: timeout}
}

// Dispatch enqueues id. An id that already has a live task (pending,
// scheduled, retrying or running) is not an error. A task left archived or
// completed is deleted and enqueued again, otherwise its id would swallow
// every later dispatch.
func (c *Client) Dispatch(ctx context.Context, id string) error {
	task, err := NewModerateTask(id, c.maxRetry, c.timeout)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task)
	if err == nil {
		return nil
	}
	if !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("enqueue moderate task: %w", err)
	}
	replaced, err := c.releaseFinished(ModerateTaskID(id))
	if err != nil || !replaced {
		return err
	}
	if _, err := c.client.EnqueueContext(ctx, task); err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("re-enqueue moderate task: %w", err)
	}
	return nil
}

// releaseFinished deletes the task holding taskID when it will never run
// again. It reports whether the id is free for a new enqueue.
func (c *Client) releaseFinished(taskID string) (bool, error) {
	if c.inspector == nil {
		return false, nil
	}
	info, err := c.inspector.GetTaskInfo(Name, taskID)
	switch {
	case errors.Is(err, asynq.ErrTaskNotFound):
		return true, nil
	case err != nil:
		return false, fmt.Errorf("inspect moderate task: %w", err)
	}
	if info.State != asynq.TaskStateArchived && info.State != asynq.TaskStateCompleted {
		return false, nil
	}
	if err := c.inspector.DeleteTask(Name, taskID); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		return false, fmt.Errorf("delete %s moderate task: %w", info.State, err)
	}
	return true, nil
}

// RegisterSweep schedules SweepTask every interval.
func RegisterSweep(scheduler *asynq.Scheduler, interval time.Duration) (string, error) {
	id, err := scheduler.Register(fmt.Sprintf("@every %s", interval), NewSweepTask(interval))
	if err != nil {
		return "", fmt.Errorf("register sweep: %w", err)
	}
	return id, nil
}
