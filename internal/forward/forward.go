// Package forward relays a signed webhook payload from a follower to the
// instance currently holding the upstream lease.
package forward

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/correlation"
	"pkt.systems/relayd/internal/loggingutil"
	"pkt.systems/relayd/internal/reliability"
	"pkt.systems/relayd/internal/version"
)

const (
	// DefaultPath is appended to the leader address.
	DefaultPath = "/forward"
	// DefaultTimeout bounds a single forward call.
	DefaultTimeout = 10 * time.Second

	maxErrorBody = 4 << 10
)

// Config configures a Forwarder.
type Config struct {
	Token   string
	Timeout time.Duration
	Path    string
	Client  *http.Client
	Logger  pslog.Logger
}

// Forwarder posts payloads to a peer instance.
type Forwarder struct {
	token  string
	path   string
	client *http.Client
	logger pslog.Logger
}

// New constructs a Forwarder. The default client propagates trace context.
func New(cfg Config) *Forwarder {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return &Forwarder{
		token:  cfg.Token,
		path:   path,
		client: client,
		logger: loggingutil.WithSubsystem(cfg.Logger, "forward"),
	}
}

// Endpoint returns the URL a forward to address is posted to.
func (f *Forwarder) Endpoint(address string) string {
	address = strings.TrimRight(strings.TrimSpace(address), "/")
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	return address + f.path
}

// Forward replays body and headers to the instance at address. A non-2xx
// answer is returned as *reliability.StatusError.
func (f *Forwarder) Forward(ctx context.Context, address string, body []byte, headers http.Header) error {
	if strings.TrimSpace(address) == "" {
		return reliability.NewValidationError("forward", "address", "required")
	}
	endpoint := f.Endpoint(address)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return reliability.NewValidationError("forward", "address", err.Error())
	}
	for k, vals := range headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", version.UserAgent())
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	if id := correlation.ID(ctx); id != "" {
		req.Header.Set(correlation.HeaderName, id)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Warn("forward.failed", "endpoint", endpoint, "error", err)
		return fmt.Errorf("forward: post %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		f.logger.Debug("forward.delivered", "endpoint", endpoint, "status", resp.StatusCode)
		return nil
	}
	f.logger.Warn("forward.rejected", "endpoint", endpoint, "status", resp.StatusCode)
	se := &reliability.StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	if resp.StatusCode == http.StatusTooManyRequests {
		se.RetryAfter = retryAfter(resp.Header.Get("Retry-After"))
	}
	return se
}

func retryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := time.ParseDuration(v + "s"); err == nil && secs >= 0 {
		return secs
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
