package ocrsdk

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// WaitForTask polls GetTaskInfo every interval until the task reaches a
// terminal status, and returns that final snapshot. The first check happens
// immediately. A failed status request ends the wait with its error. When
// ctx ends first, the last snapshot is returned together with the error.
func (c *Client) WaitForTask(ctx context.Context, taskID string, interval time.Duration) (*Task, error) {
	const op = "ocrsdk.wait_for_task"
	if interval <= 0 {
		return nil, &Error{Op: op, Kind: KindInvalidRequest, Message: fmt.Sprintf("poll interval must be positive, got %s", interval)}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *Task
	for polls := 1; ; polls++ {
		task, err := c.GetTaskInfo(ctx, taskID)
		if err != nil {
			if ctx.Err() != nil && last != nil {
				return last, newError(op, KindTransport, ctx.Err())
			}
			return nil, err
		}
		last = task
		if task.Status.IsTerminal() {
			c.logger.Debug("task reached terminal status",
				zap.String("task_id", task.ID),
				zap.String("status", string(task.Status)),
				zap.Int("polls", polls),
			)
			return task, nil
		}

		select {
		case <-ctx.Done():
			return task, newError(op, KindTransport, ctx.Err())
		case <-ticker.C:
		}
	}
}
