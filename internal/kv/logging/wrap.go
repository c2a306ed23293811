// Package logging decorates a kv.Store with otel spans and debug logging.
package logging

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/correlation"
	"pkt.systems/relayd/internal/kv"
	"pkt.systems/relayd/internal/loggingutil"
)

type store struct {
	inner   kv.Store
	logger  pslog.Logger
	tracer  trace.Tracer
	backend string
}

// Wrap decorates inner with tracing. backend names the implementation in
// span attributes (memory, redis).
func Wrap(inner kv.Store, logger pslog.Logger, backend string) kv.Store {
	return &store{
		inner:   inner,
		logger:  loggingutil.WithSubsystem(logger, "kv"),
		tracer:  otel.Tracer("pkt.systems/relayd/kv"),
		backend: backend,
	}
}

func (s *store) observe(ctx context.Context, op, key string, fn func(context.Context) error) error {
	begin := time.Now()
	ctx, span := s.tracer.Start(ctx, "relayd.kv."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("relayd.kv.operation", op),
		attribute.String("relayd.kv.backend", s.backend),
		attribute.String("relayd.kv.key", key),
	)
	logger := s.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	if corr := correlation.ID(ctx); corr != "" {
		logger = logger.With("cid", corr)
		span.SetAttributes(attribute.String("relayd.correlation_id", corr))
	}

	err := fn(pslog.ContextWithLogger(ctx, logger))
	result := resultLabel(err)
	span.SetAttributes(attribute.String("relayd.kv.result", result))
	switch result {
	case "ok", "not_found", "cas_mismatch":
		span.SetStatus(codes.Ok, "")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "kv_error")
	}
	logger.Trace("kv.op", "operation", op, "key", key, "result", result, "elapsed", time.Since(begin))
	if result == "error" {
		logger.Debug("kv.op.error", "operation", op, "key", key, "error", err, "elapsed", time.Since(begin))
	}
	return err
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, kv.ErrNotFound):
		return "not_found"
	case errors.Is(err, kv.ErrCASMismatch):
		return "cas_mismatch"
	default:
		return "error"
	}
}

func (s *store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.observe(ctx, "get", key, func(ctx context.Context) error {
		var err error
		value, err = s.inner.Get(ctx, key)
		return err
	})
	return value, err
}

func (s *store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.observe(ctx, "set", key, func(ctx context.Context) error {
		return s.inner.Set(ctx, key, value, ttl)
	})
}

func (s *store) Delete(ctx context.Context, key string) error {
	return s.observe(ctx, "delete", key, func(ctx context.Context) error {
		return s.inner.Delete(ctx, key)
	})
}

func (s *store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.observe(ctx, "list_keys", prefix, func(ctx context.Context) error {
		var err error
		keys, err = s.inner.ListKeys(ctx, prefix)
		return err
	})
	return keys, err
}

func (s *store) CompareAndSwap(ctx context.Context, key string, expected, value []byte, ttl time.Duration) error {
	return s.observe(ctx, "compare_and_swap", key, func(ctx context.Context) error {
		return s.inner.CompareAndSwap(ctx, key, expected, value, ttl)
	})
}

func (s *store) CompareAndDelete(ctx context.Context, key string, expected []byte) error {
	return s.observe(ctx, "compare_and_delete", key, func(ctx context.Context) error {
		return s.inner.CompareAndDelete(ctx, key, expected)
	})
}

func (s *store) Close() error {
	return s.inner.Close()
}
