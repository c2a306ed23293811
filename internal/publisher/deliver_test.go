package publisher

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/clock"
)

func TestDeliveryLifecycleMeasuresWithClock(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	var logs bytes.Buffer
	d := &Deliverer{
		clock: clk,
		logger: pslog.NewWithOptions(&logs, pslog.Options{
			Mode:             pslog.ModeStructured,
			DisableTimestamp: true,
			NoColor:          true,
		}),
	}
	handler := d.lifecycle(asynq.HandlerFunc(func(context.Context, *asynq.Task) error {
		clk.Advance(3 * time.Second)
		return errors.New("status 503")
	}))
	if err := handler.ProcessTask(context.Background(), asynq.NewTask(TaskTypeDeliver, nil)); err == nil {
		t.Fatal("expected the handler error to pass through")
	}
	out := logs.String()
	if !strings.Contains(out, "publisher.delivery.failed") || !strings.Contains(out, `"elapsed":"3s"`) {
		t.Fatalf("expected elapsed measured on the injected clock, got %q", out)
	}
}
