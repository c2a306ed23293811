package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/loggingutil"
)

// DeliveryConfig configures a Deliverer.
type DeliveryConfig struct {
	SigningKey  []byte
	Client      *http.Client
	Concurrency int
	Queues      map[string]int
	Clock       clock.Clock
	Logger      pslog.Logger
}

// Deliverer consumes relay:deliver tasks and POSTs them to their target.
type Deliverer struct {
	key    []byte
	client *http.Client
	clock  clock.Clock
	logger pslog.Logger
	server *asynq.Server
}

// NewDeliverer builds the consuming side of AsynqQueue.
func NewDeliverer(redisOpt asynq.RedisConnOpt, cfg DeliveryConfig) *Deliverer {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	queues := cfg.Queues
	if queues == nil {
		queues = map[string]int{DefaultQueueName: 1}
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "publisher.deliver")
	return &Deliverer{
		key:    cfg.SigningKey,
		client: client,
		clock:  clock.Or(cfg.Clock),
		logger: logger,
		server: asynq.NewServer(redisOpt, asynq.Config{Concurrency: concurrency, Queues: queues}),
	}
}

// ProcessTask implements asynq.Handler.
func (d *Deliverer) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var req Request
	if err := json.Unmarshal(t.Payload(), &req); err != nil {
		return fmt.Errorf("publisher: decode delivery: %v: %w", err, asynq.SkipRetry)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return fmt.Errorf("publisher: build delivery request: %v: %w", err, asynq.SkipRetry)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if len(d.key) > 0 {
		httpReq.Header.Set(SignatureHeader, Sign(d.key, req.Body))
	}
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("publisher: deliver %s: %w", req.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		d.logger.Debug("publisher.delivered", "url", req.URL, "status", resp.StatusCode)
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests:
		d.logger.Warn("publisher.delivery.rejected", "url", req.URL, "status", resp.StatusCode)
		return fmt.Errorf("publisher: deliver %s: status %d: %w", req.URL, resp.StatusCode, asynq.SkipRetry)
	default:
		return fmt.Errorf("publisher: deliver %s: status %d", req.URL, resp.StatusCode)
	}
}

func (d *Deliverer) lifecycle(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		begin := d.clock.Now()
		id, _ := asynq.GetTaskID(ctx)
		retry, _ := asynq.GetRetryCount(ctx)
		err := next.ProcessTask(ctx, t)
		if err != nil {
			d.logger.Warn("publisher.delivery.failed", "task_id", id, "retry", retry, "elapsed", d.clock.Now().Sub(begin), "error", err)
		}
		return err
	})
}

// Start runs the asynq server in the background.
func (d *Deliverer) Start() error {
	mux := asynq.NewServeMux()
	mux.Handle(TaskTypeDeliver, d)
	if err := d.server.Start(d.lifecycle(mux)); err != nil {
		return fmt.Errorf("publisher: start deliverer: %w", err)
	}
	return nil
}

// Shutdown stops the asynq server, waiting for in-flight deliveries.
func (d *Deliverer) Shutdown() {
	d.server.Shutdown()
}
