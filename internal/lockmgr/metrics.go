package lockmgr

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

const meterName = "pkt.systems/relayd/lockmgr"

type lockMetrics struct {
	acquire metric.Int64Counter
}

func newLockMetrics(logger pslog.Logger) *lockMetrics {
	meter := otel.Meter(meterName)
	m := &lockMetrics{}
	var err error
	m.acquire, err = meter.Int64Counter(
		"relayd.lock.acquire",
		metric.WithDescription("Lease acquisition outcomes"),
	)
	logMetricInitError(logger, "relayd.lock.acquire", err)
	return m
}

func (m *lockMetrics) recordAcquire(ctx context.Context, result string) {
	if m == nil || m.acquire == nil {
		return
	}
	m.acquire.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("relayd.lock.result", result)))
}

type electorMetrics struct {
	transitions metric.Int64Counter
	leader      metric.Int64ObservableGauge
}

func newElectorMetrics(logger pslog.Logger, e *Elector) *electorMetrics {
	meter := otel.Meter(meterName)
	m := &electorMetrics{}
	var err error
	m.transitions, err = meter.Int64Counter(
		"relayd.leader.transitions",
		metric.WithDescription("Leadership gained or lost by this instance"),
	)
	logMetricInitError(logger, "relayd.leader.transitions", err)

	m.leader, err = meter.Int64ObservableGauge(
		"relayd.leader.active",
		metric.WithDescription("1 while this instance holds the leader lease"),
	)
	logMetricInitError(logger, "relayd.leader.active", err)
	if m.leader != nil {
		resource := attribute.String("relayd.lock.key", e.resource)
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			v := int64(0)
			if e.IsLeader() {
				v = 1
			}
			o.ObserveInt64(m.leader, v, metric.WithAttributes(resource))
			return nil
		}, m.leader); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "relayd.leader.active", "error", err)
		}
	}
	return m
}

func (m *electorMetrics) recordTransition(ctx context.Context, resource string, leader bool) {
	if m == nil || m.transitions == nil {
		return
	}
	direction := "demoted"
	if leader {
		direction = "elected"
	}
	m.transitions.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("relayd.lock.key", resource),
		attribute.String("relayd.leader.direction", direction),
	))
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
