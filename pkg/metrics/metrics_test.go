package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesRecordedMetrics(t *testing.T) {
	t.Parallel()

	m, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	m.RecordTurn(ctx, "ok", 2)
	m.RecordTool(ctx, "create_order", "confirmed", 15*time.Millisecond)
	m.RecordModel(ctx, 120*time.Millisecond, errors.New("timeout"))
	m.RecordWebhook(ctx, "delivered")

	server := httptest.NewServer(m.Handler())
	t.Cleanup(server.Close)

	resp, err := server.Client().Get(server.URL)
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	body := string(raw)

	for _, want := range []string{
		"pharmacy_turns_total",
		`outcome="ok"`,
		"pharmacy_tool_calls_total",
		`tool="create_order"`,
		"pharmacy_model_errors_total",
		"pharmacy_webhook_deliveries_total",
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	ctx := context.Background()
	m.RecordTurn(ctx, "ok", 1)
	m.RecordTool(ctx, "x", "ok", time.Millisecond)
	m.RecordModel(ctx, time.Millisecond, nil)
	m.RecordWebhook(ctx, "failed")
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
