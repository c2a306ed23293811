package relayd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/version"
)

const otlpExportTimeout = 10 * time.Second

type telemetrySettings struct {
	endpoint         string
	metricsListen    string
	pprofListen      string
	profilingMetrics bool
	instanceID       string
}

func (s telemetrySettings) empty() bool {
	return strings.TrimSpace(s.endpoint) == "" &&
		strings.TrimSpace(s.metricsListen) == "" &&
		strings.TrimSpace(s.pprofListen) == "" &&
		!s.profilingMetrics
}

// telemetryBundle owns everything setupTelemetry started. Components stop in
// reverse start order.
type telemetryBundle struct {
	logger      pslog.Logger
	metricsAddr string
	stops       []telemetryStop
}

type telemetryStop struct {
	name string
	stop func(context.Context) error
}

func (t *telemetryBundle) started(name string, stop func(context.Context) error) {
	t.stops = append(t.stops, telemetryStop{name: name, stop: stop})
}

// MetricsAddr reports the bound Prometheus listener, if any.
func (t *telemetryBundle) MetricsAddr() string {
	if t == nil {
		return ""
	}
	return t.metricsAddr
}

func (t *telemetryBundle) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	for _, s := range slices.Backward(t.stops) {
		err := s.stop(ctx)
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			continue
		}
		t.logger.Warn("telemetry.shutdown.failure", "component", s.name, "error", err)
		errs = append(errs, fmt.Errorf("%s shutdown: %w", s.name, err))
	}
	t.stops = nil
	if err := errors.Join(errs...); err != nil {
		return err
	}
	t.logger.Debug("telemetry.shutdown.complete")
	return nil
}

type otelErrorHandler struct {
	logger pslog.Logger
}

func (h otelErrorHandler) Handle(err error) {
	if err == nil {
		return
	}
	if strings.Contains(err.Error(), "waiting for connections to become ready") {
		h.logger.Debug("telemetry.exporter.retry", "error", err)
		return
	}
	h.logger.Warn("telemetry.exporter.error", "error", err)
}

// setupTelemetry starts tracing, the Prometheus endpoint and pprof as
// configured. It returns nil when nothing is enabled.
func setupTelemetry(ctx context.Context, s telemetrySettings, logger pslog.Logger) (*telemetryBundle, error) {
	if s.empty() {
		return nil, nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	res, err := telemetryResource(ctx, s.instanceID)
	if err != nil {
		return nil, err
	}
	bundle := &telemetryBundle{logger: logger}
	steps := []func() error{
		func() error { return bundle.startTracing(ctx, strings.TrimSpace(s.endpoint), res) },
		func() error {
			return bundle.startMetrics(strings.TrimSpace(s.metricsListen), s.profilingMetrics, res)
		},
		func() error { return bundle.startPprof(strings.TrimSpace(s.pprofListen)) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			_ = bundle.Shutdown(ctx)
			return nil, err
		}
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetErrorHandler(otelErrorHandler{logger: logger})
	return bundle, nil
}

func telemetryResource(ctx context.Context, instanceID string) (*resource.Resource, error) {
	attrs := resource.WithAttributes(
		semconv.ServiceName("relayd"),
		semconv.ServiceVersion(version.Current()),
	)
	opts := []resource.Option{resource.WithSchemaURL(semconv.SchemaURL), attrs}
	if instanceID != "" {
		opts = append(opts, resource.WithAttributes(semconv.ServiceInstanceID(instanceID)))
	}
	res, err := resource.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}
	return res, nil
}

func (t *telemetryBundle) startTracing(ctx context.Context, endpoint string, res *resource.Resource) error {
	if endpoint == "" {
		return nil
	}
	target, err := resolveOTLPTarget(endpoint)
	if err != nil {
		return err
	}
	exporter, err := target.exporter(ctx)
	if err != nil {
		return fmt.Errorf("telemetry: start %s trace exporter: %w", target.protocol, err)
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	t.started("trace", provider.Shutdown)
	t.logger.Info("telemetry.tracing.enabled",
		"protocol", target.protocol,
		"endpoint", target.endpoint,
		"insecure", target.insecure,
	)
	return nil
}

func (t *telemetryBundle) startMetrics(listen string, profiling bool, res *resource.Resource) error {
	if listen == "" {
		if profiling {
			return fmt.Errorf("telemetry: profiling metrics require a metrics listen address")
		}
		return nil
	}
	registry := prometheus.NewRegistry()
	opts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
	if profiling {
		opts = append(opts, otelprometheus.WithProducer(otelruntime.NewProducer()))
	}
	exporter, err := otelprometheus.New(opts...)
	if err != nil {
		return fmt.Errorf("telemetry: start prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	t.started("metric", provider.Shutdown)
	if profiling {
		if err := startRuntimeMetrics(provider); err != nil {
			return err
		}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	addr, err := t.serve("metrics server", listen, mux)
	if err != nil {
		return fmt.Errorf("telemetry: metrics listen: %w", err)
	}
	t.metricsAddr = addr
	t.logger.Info("telemetry.metrics.enabled", "listen", addr, "runtime", profiling)
	return nil
}

func (t *telemetryBundle) startPprof(listen string) error {
	if listen == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	addr, err := t.serve("pprof server", listen, mux)
	if err != nil {
		return fmt.Errorf("telemetry: pprof listen: %w", err)
	}
	t.logger.Info("telemetry.pprof.enabled", "listen", addr)
	return nil
}

// serve binds listen and serves handler until Shutdown. The bound address is
// returned so ":0" listeners can be discovered.
func (t *telemetryBundle) serve(name, listen string, handler http.Handler) (string, error) {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return "", err
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Warn("telemetry.serve.failure", "component", name, "error", err)
		}
	}()
	t.started(name, srv.Shutdown)
	return ln.Addr().String(), nil
}

var (
	runtimeMetricsOnce sync.Once
	runtimeMetricsErr  error
)

func startRuntimeMetrics(provider *sdkmetric.MeterProvider) error {
	runtimeMetricsOnce.Do(func() {
		runtimeMetricsErr = otelruntime.Start(otelruntime.WithMeterProvider(provider))
	})
	if runtimeMetricsErr != nil {
		return fmt.Errorf("telemetry: runtime metrics: %w", runtimeMetricsErr)
	}
	return nil
}

type otlpTarget struct {
	protocol string
	endpoint string
	path     string
	insecure bool
}

func (t otlpTarget) exporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	if t.protocol == "http" {
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(t.endpoint),
			otlptracehttp.WithTimeout(otlpExportTimeout),
		}
		if t.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if t.path != "" {
			opts = append(opts, otlptracehttp.WithURLPath(t.path))
		}
		return otlptracehttp.New(ctx, opts...)
	}
	creds := credentials.NewClientTLSFromCert(nil, "")
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(t.endpoint),
		otlptracegrpc.WithTimeout(otlpExportTimeout),
	}
	if t.insecure {
		creds = insecure.NewCredentials()
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(creds)))
	return otlptracegrpc.New(ctx, opts...)
}

// otlpSchemes maps endpoint URL schemes to exporter protocol, default port and
// transport security. A bare host[:port] means plaintext grpc.
var otlpSchemes = map[string]otlpTarget{
	"":      {protocol: "grpc", endpoint: "4317", insecure: true},
	"grpc":  {protocol: "grpc", endpoint: "4317", insecure: true},
	"grpcs": {protocol: "grpc", endpoint: "4317"},
	"http":  {protocol: "http", endpoint: "4318", insecure: true},
	"https": {protocol: "http", endpoint: "4318"},
}

func resolveOTLPTarget(raw string) (otlpTarget, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: empty otlp endpoint")
	}
	scheme, host, path := "", raw, ""
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return otlpTarget{}, fmt.Errorf("telemetry: parse otlp endpoint: %w", err)
		}
		scheme, host, path = strings.ToLower(u.Scheme), u.Host, strings.TrimSuffix(u.Path, "/")
	}
	proto, ok := otlpSchemes[scheme]
	if !ok {
		return otlpTarget{}, fmt.Errorf("telemetry: unknown otlp scheme %q", scheme)
	}
	if host == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: otlp endpoint %q has no host", raw)
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, proto.endpoint)
	}
	return otlpTarget{protocol: proto.protocol, endpoint: host, path: path, insecure: proto.insecure}, nil
}
