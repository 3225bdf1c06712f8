package queue

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/dunamismax/facecraft/internal/config"
)

// Client enqueues portrait tasks on one named queue.
type Client struct {
	client *asynq.Client
	opts   []asynq.Option
}

func NewClient(cfg config.QueueConfig) *Client {
	opts := []asynq.Option{asynq.Queue(cfg.Name), asynq.MaxRetry(max(cfg.MaxRetry, 0))}
	if cfg.TaskTimeout > 0 {
		opts = append(opts, asynq.Timeout(cfg.TaskTimeout))
	}
	if cfg.Retention > 0 {
		opts = append(opts, asynq.Retention(cfg.Retention))
	}
	return &Client{client: asynq.NewClient(cfg.RedisClientOpt()), opts: opts}
}

// EnqueuePortrait uses the job id as the task id, so starting a job twice
// fails with asynq.ErrTaskIDConflict instead of processing it twice.
func (c *Client) EnqueuePortrait(ctx context.Context, payload ProcessPortraitPayload) (*asynq.TaskInfo, error) {
	task, err := NewProcessPortraitTask(payload)
	if err != nil {
		return nil, err
	}
	opts := append([]asynq.Option{asynq.TaskID(payload.JobID)}, c.opts...)
	info, err := c.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return nil, fmt.Errorf("enqueue job %s: %w", payload.JobID, err)
	}
	return info, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}
