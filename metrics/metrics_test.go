package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected metrics handler to return 200, got %d", rr.Code)
	}
	return rr.Body.String()
}

func TestInstrumentHandlerRecordsRequests(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	invoked := false
	mux := http.NewServeMux()
	mux.HandleFunc("/pollz", func(w http.ResponseWriter, r *http.Request) {
		invoked = true
		w.WriteHeader(http.StatusAccepted)
	})
	handler := c.InstrumentHandler(mux)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/pollz", nil))

	if !invoked {
		t.Fatal("expected handler to be invoked")
	}
	if rr.Code != http.StatusAccepted {
		t.Fatalf("unexpected status code: %d", rr.Code)
	}

	body := scrape(t, c)
	for _, want := range []string{
		`nextcloud_notifier_http_requests_total{method="POST",path="/pollz",status="202"} 1`,
		`nextcloud_notifier_http_request_duration_seconds_count{method="POST",path="/pollz",status="202"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metric %q not recorded, body=%q", want, body)
		}
	}
}

func TestInstrumentHandlerCollapsesUnknownPaths(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {})
	handler := c.InstrumentHandler(mux)

	for _, path := range []string{"/wp-login.php", "/.env", "/admin/a/b/c"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	body := scrape(t, c)
	want := `nextcloud_notifier_http_requests_total{method="GET",path="other",status="404"} 3`
	if !strings.Contains(body, want) {
		t.Errorf("metric %q not recorded, body=%q", want, body)
	}
	for _, path := range []string{"/wp-login.php", "/.env", "/admin/a/b/c"} {
		if strings.Contains(body, `path="`+path+`"`) {
			t.Errorf("unmatched path %q became its own series", path)
		}
	}
}

func TestPipelineMetrics(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	c.Tick("ok")
	c.Tick("ok")
	c.Tick("error")
	c.ActivitiesFetched(3)
	c.ActivitiesFetched(2)
	c.EventsSkipped("known", 4)
	c.EventsSkipped("blacklisted", 0)
	c.EventsDispatched(6)
	c.BatchFailed()
	c.EnrichFailed()
	c.KnownKeys(10)
	c.KnownKeys(12)

	body := scrape(t, c)
	for _, want := range []string{
		`nextcloud_notifier_poll_ticks_total{outcome="ok"} 2`,
		`nextcloud_notifier_poll_ticks_total{outcome="error"} 1`,
		`nextcloud_notifier_poll_activities_fetched_total 5`,
		`nextcloud_notifier_poll_events_skipped_total{reason="known"} 4`,
		`nextcloud_notifier_poll_events_dispatched_total 6`,
		`nextcloud_notifier_poll_batch_failures_total 1`,
		`nextcloud_notifier_poll_enrich_failures_total 1`,
		`nextcloud_notifier_poll_known_keys 12`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metric %q not recorded", want)
		}
	}
	if strings.Contains(body, `reason="blacklisted"`) {
		t.Error("zero skip count should not create a series")
	}
}
