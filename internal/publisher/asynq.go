package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/hibiken/asynq"

	"pkt.systems/relayd/internal/reliability"
)

// TaskTypeDeliver is the asynq task type carrying a Request.
const TaskTypeDeliver = "relay:deliver"

// DefaultQueueName is the asynq queue deliveries are enqueued on.
const DefaultQueueName = "relay"

// AsynqQueue implements Queue on top of asynq and Redis.
type AsynqQueue struct {
	client *asynq.Client
	queue  string
}

// NewAsynqQueue connects an asynq client. An empty queue name selects
// DefaultQueueName.
func NewAsynqQueue(redisOpt asynq.RedisConnOpt, queue string) *AsynqQueue {
	if queue == "" {
		queue = DefaultQueueName
	}
	return &AsynqQueue{client: asynq.NewClient(redisOpt), queue: queue}
}

// QueueName reports the asynq queue in use.
func (q *AsynqQueue) QueueName() string {
	return q.queue
}

// PublishJSON implements Queue.
func (q *AsynqQueue) PublishJSON(ctx context.Context, req Request) (Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, reliability.NewValidationError("publisher.enqueue", "body", err.Error())
	}
	opts := []asynq.Option{asynq.Queue(q.queue)}
	if req.Delay > 0 {
		opts = append(opts, asynq.ProcessIn(req.Delay))
	}
	if req.DeduplicationID != "" {
		opts = append(opts, asynq.TaskID(req.DeduplicationID))
	}
	if req.Retries > 0 {
		opts = append(opts, asynq.MaxRetry(req.Retries))
	}
	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeDeliver, payload), opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return Response{}, &reliability.StatusError{Code: http.StatusConflict, Message: "duplicate delivery " + req.DeduplicationID}
		}
		return Response{}, fmt.Errorf("publisher: enqueue: %w", err)
	}
	return Response{MessageID: info.ID}, nil
}

// Close releases the asynq client.
func (q *AsynqQueue) Close() error {
	return q.client.Close()
}
