package worker

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"

	"vault-cosigner/internal/worker/tasks"
)

// Client 封装 Asynq Client
type Client struct {
	client *asynq.Client
}

// NewClient 初始化 Client
// addr: "localhost:6379"
func NewClient(addr string, password string, db int) *Client {
	c := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Client{client: c}
}

// Enqueue 将任务推送到队列
func (c *Client) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	return c.client.EnqueueContext(ctx, task, opts...)
}

// EnqueueResume 投递 run 恢复任务，队列中已有同一 run 的任务时视为成功
func (c *Client) EnqueueResume(ctx context.Context, runID string) error {
	task, err := tasks.NewResumeRunTask(runID)
	if err != nil {
		return err
	}
	_, err = c.Enqueue(ctx, task, asynq.Queue(QueueCritical))
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// Close 关闭客户端连接
func (c *Client) Close() error {
	return c.client.Close()
}
