package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryMetricsAreObservable(t *testing.T) {
	m := New()
	m.FilesScannedTotal.Inc()
	m.VerdictsTotal.WithLabelValues("clean").Inc()
	m.QueueDepth.Set(3)

	mfs, err := m.reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := map[string]bool{}
	for _, mf := range mfs {
		found[mf.GetName()] = true
	}
	for _, name := range []string{"sentinel_files_scanned_total", "sentinel_verdicts_total", "sentinel_queue_depth"} {
		if !found[name] {
			t.Fatalf("expected metric %s to be registered", name)
		}
	}
}

func TestServerServesMetricsEndpoint(t *testing.T) {
	m := New()
	m.FilesScannedTotal.Inc()

	srv := NewServer("127.0.0.1:0", m)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "sentinel_files_scanned_total") {
		t.Fatal("expected metrics output to mention sentinel_files_scanned_total")
	}
}

func TestServerRunStopsOnContextCancel(t *testing.T) {
	m := New()
	srv := NewServer("127.0.0.1:0", m)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := srv.Run(ctx); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
}
