package reliability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

const meterName = "pkt.systems/relayd/reliability"

type breakerMetrics struct {
	state       metric.Int64ObservableGauge
	transitions metric.Int64Counter
	rejected    metric.Int64Counter
}

func newBreakerMetrics(logger pslog.Logger, breaker *CircuitBreaker) *breakerMetrics {
	meter := otel.Meter(meterName)
	m := &breakerMetrics{}
	var err error

	m.state, err = meter.Int64ObservableGauge(
		"relayd.breaker.state",
		metric.WithDescription("Circuit breaker state (0 closed, 1 open, 2 half-open)"),
	)
	logMetricInitError(logger, "relayd.breaker.state", err)

	m.transitions, err = meter.Int64Counter(
		"relayd.breaker.transition",
		metric.WithDescription("Circuit breaker state transitions"),
	)
	logMetricInitError(logger, "relayd.breaker.transition", err)

	m.rejected, err = meter.Int64Counter(
		"relayd.breaker.rejected",
		metric.WithDescription("Calls short-circuited by an open breaker"),
	)
	logMetricInitError(logger, "relayd.breaker.rejected", err)

	if m.state != nil {
		name := attribute.String("relayd.breaker.name", breaker.Name())
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.state, int64(breaker.State()), metric.WithAttributes(name))
			return nil
		}, m.state); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "relayd.breaker.state", "error", err)
		}
	}
	return m
}

func (m *breakerMetrics) recordTransition(ctx context.Context, name string, from, to State) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("relayd.breaker.name", name),
		attribute.String("relayd.breaker.from", from.String()),
		attribute.String("relayd.breaker.to", to.String()),
	))
}

func (m *breakerMetrics) recordRejected(ctx context.Context, name string) {
	if m == nil || m.rejected == nil {
		return
	}
	m.rejected.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("relayd.breaker.name", name)))
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
