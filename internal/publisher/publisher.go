// Package publisher sends messages to the external queue with classified
// retries, an optional circuit breaker, concurrent batch fan-out and a
// degraded mode for unconfigured deployments.
package publisher

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/sourcegraph/conc/iter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/ids"
	"pkt.systems/relayd/internal/loggingutil"
	"pkt.systems/relayd/internal/reliability"
)

// Result statuses for BatchPublish.
const (
	StatusFulfilled = "fulfilled"
	StatusRejected  = "rejected"
)

// Config wires a Publisher. A nil Queue selects degraded mode.
type Config struct {
	Queue    Queue
	Verifier Verifier
	BaseURL  string
	Retry    *reliability.RetryPolicy
	Breaker  *reliability.CircuitBreaker
	Logger   pslog.Logger
}

// PublishOptions are per-message delivery hints.
type PublishOptions struct {
	Delay           time.Duration
	DeduplicationID string
	Retries         int
	Headers         http.Header
}

// Entry is one message of a batch.
type Entry struct {
	Topic   string
	Message any
	Options PublishOptions
}

// Result is the settled outcome of one batch entry.
type Result struct {
	Status    string
	MessageID string
	Err       error
}

// Publisher is safe for concurrent use.
type Publisher struct {
	queue    Queue
	verifier Verifier
	baseURL  string
	retry    *reliability.RetryPolicy
	breaker  *reliability.CircuitBreaker
	logger   pslog.Logger
	publish  metric.Int64Counter
}

// New constructs a Publisher.
func New(cfg Config) *Publisher {
	logger := loggingutil.WithSubsystem(cfg.Logger, "publisher")
	retry := cfg.Retry
	if retry == nil {
		retry = reliability.NewRetryPolicy(reliability.RetryConfig{Name: "publisher", Logger: cfg.Logger})
	}
	counter, err := otel.Meter("pkt.systems/relayd/publisher").Int64Counter(
		"relayd.publish",
		metric.WithDescription("Publish outcomes"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "relayd.publish", "error", err)
	}
	return &Publisher{
		queue:    cfg.Queue,
		verifier: cfg.Verifier,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		retry:    retry,
		breaker:  cfg.Breaker,
		logger:   logger,
		publish:  counter,
	}
}

// Degraded reports whether no queue is configured.
func (p *Publisher) Degraded() bool {
	return p.queue == nil
}

func (p *Publisher) record(ctx context.Context, result string) {
	if p.publish == nil {
		return
	}
	p.publish.Add(ctx, 1, metric.WithAttributes(attribute.String("relayd.publish.result", result)))
}

// URL resolves topic against the base URL. Absolute URLs pass through.
func (p *Publisher) URL(topic string) string {
	topic = strings.TrimSpace(topic)
	if strings.HasPrefix(topic, "http://") || strings.HasPrefix(topic, "https://") {
		return topic
	}
	return p.baseURL + "/" + strings.TrimLeft(topic, "/")
}

func encodeMessage(message any) ([]byte, error) {
	switch v := message.(type) {
	case nil:
		return nil, reliability.NewValidationError("publisher.publish", "message", "required")
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	case string:
		return json.Marshal(v)
	default:
		out, err := json.Marshal(v)
		if err != nil {
			return nil, reliability.NewValidationError("publisher.publish", "message", err.Error())
		}
		return out, nil
	}
}

// Publish sends message to topic and returns the queue's message id.
// Terminal rejections are returned after a single attempt.
func (p *Publisher) Publish(ctx context.Context, topic string, message any, opts PublishOptions) (string, error) {
	if strings.TrimSpace(topic) == "" {
		return "", reliability.NewValidationError("publisher.publish", "topic", "required")
	}
	body, err := encodeMessage(message)
	if err != nil {
		return "", err
	}
	if p.queue == nil {
		id := ids.NewLocalMessageID()
		p.logger.Warn("publisher.degraded", "topic", topic, "message_id", id)
		p.record(ctx, "degraded")
		return id, nil
	}
	req := Request{
		URL:             p.URL(topic),
		Body:            body,
		Headers:         headerMap(opts.Headers),
		Delay:           opts.Delay,
		DeduplicationID: opts.DeduplicationID,
		Retries:         opts.Retries,
	}
	var resp Response
	err = p.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		call := func(ctx context.Context) error {
			var err error
			resp, err = p.queue.PublishJSON(ctx, req)
			return err
		}
		if p.breaker != nil {
			return p.breaker.Execute(ctx, call)
		}
		return call(ctx)
	})
	if err != nil {
		kind := reliability.Classify(err).Kind
		p.record(ctx, kind.String())
		p.logger.Warn("publisher.publish.failed", "topic", topic, "kind", kind.String(), "error", err)
		return "", err
	}
	p.record(ctx, "ok")
	p.logger.Debug("publisher.published", "topic", topic, "message_id", resp.MessageID)
	return resp.MessageID, nil
}

// BatchPublish publishes all entries concurrently and returns one settled
// result per entry in input order.
func (p *Publisher) BatchPublish(ctx context.Context, entries []Entry) []Result {
	if len(entries) == 0 {
		return nil
	}
	return iter.Map(entries, func(e *Entry) Result {
		id, err := p.Publish(ctx, e.Topic, e.Message, e.Options)
		if err != nil {
			return Result{Status: StatusRejected, Err: err}
		}
		return Result{Status: StatusFulfilled, MessageID: id}
	})
}

// VerifyWebhookSignature checks an incoming delivery. Verification fails
// closed: any verifier error yields false. Without a queue or verifier
// configured every signature is accepted.
func (p *Publisher) VerifyWebhookSignature(ctx context.Context, signature string, body []byte) bool {
	if p.verifier == nil {
		if p.queue == nil {
			return true
		}
		p.logger.Warn("publisher.verify.unconfigured")
		return false
	}
	ok, err := p.verifier.Verify(ctx, signature, body)
	if err != nil {
		p.logger.Warn("publisher.verify.error", "error", err)
		return false
	}
	if !ok {
		p.logger.Debug("publisher.verify.mismatch")
	}
	return ok
}
