package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics, update func()) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler(update).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestMetrics_nil_receiver(t *testing.T) {
	var m *Metrics
	m.IncRequests()
	m.IncSessionsEnded("disconnect")
	m.ObserveUpload("segment", time.Second, nil)
	m.SetActiveStreams(3)
}

func TestMetrics_Handler_exposes_domain_series(t *testing.T) {
	m := New("ingest")
	m.IncSessionsStarted()
	m.IncSessionsEnded("stop_stream")
	m.AddBytesReceived(1024)
	m.ObservePublish("STREAM_STARTED", nil)
	m.ObservePublish("STREAM_ENDED", errors.New("down"))
	m.ObserveUpload("playlist", 10*time.Millisecond, nil)

	body := scrape(t, m, func() { m.SetActiveStreams(2) })

	for _, want := range []string{
		"ingest_sessions_started_total 1",
		`ingest_sessions_ended_total{reason="stop_stream"} 1`,
		"ingest_bytes_received_total 1024",
		`ingest_events_published_total{result="error",type="STREAM_ENDED"} 1`,
		`ingest_uploads_total{kind="playlist",result="ok"} 1`,
		"ingest_active_streams 2",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in scrape output", want)
		}
	}
}

func TestRequestMiddleware(t *testing.T) {
	m := New("api")
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	body := scrape(t, m, nil)
	if !strings.Contains(body, "api_http_requests_total 2") {
		t.Errorf("expected 2 requests: %s", body)
	}
	if !strings.Contains(body, "api_http_errors_total 1") {
		t.Errorf("expected 1 error: %s", body)
	}
}
