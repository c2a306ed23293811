package relayd

import (
	"context"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/loggingutil"
	"pkt.systems/relayd/internal/reliability"
)

// Upstream is the exclusive external connection only the leader may hold.
type Upstream interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// logUpstream stands in for a real upstream client and only records
// transitions.
type logUpstream struct {
	logger pslog.Logger
}

func (u logUpstream) Connect(ctx context.Context) error {
	u.logger.Info("upstream.connect")
	return nil
}

func (u logUpstream) Disconnect(ctx context.Context) error {
	u.logger.Info("upstream.disconnect")
	return nil
}

// upstreamLink tracks whether the upstream is connected and routes every
// connect attempt through the breaker.
type upstreamLink struct {
	upstream Upstream
	breaker  *reliability.CircuitBreaker
	logger   pslog.Logger

	mu        sync.Mutex
	connected bool
}

func newUpstreamLink(u Upstream, breaker *reliability.CircuitBreaker, logger pslog.Logger) *upstreamLink {
	logger = loggingutil.WithSubsystem(logger, "upstream")
	if u == nil {
		u = logUpstream{logger: logger}
	}
	return &upstreamLink{upstream: u, breaker: breaker, logger: logger}
}

// ensure connects when not already connected. Failures leave the link
// disconnected; the next renewal tries again.
func (l *upstreamLink) ensure(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connected {
		return
	}
	if err := l.breaker.Execute(ctx, l.upstream.Connect); err != nil {
		l.logger.Warn("upstream.connect.failed", "error", err, "breaker", l.breaker.State().String())
		return
	}
	l.connected = true
}

func (l *upstreamLink) disconnect(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return
	}
	l.connected = false
	if err := l.upstream.Disconnect(ctx); err != nil {
		l.logger.Warn("upstream.disconnect.failed", "error", err)
	}
}

func (l *upstreamLink) isConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}
