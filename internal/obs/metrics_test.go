package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInstrumentCapturesStatus(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/instrument-status", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/instrument-status", "418"))
	if got != 1 {
		t.Fatalf("expected 1 request counted, got %v", got)
	}
}

func TestInstrumentUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Instrument)
	r.Get("/things/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/things/abc123", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/things/{id}", "200"))
	if got != 1 {
		t.Fatalf("expected pattern label, got %v", got)
	}
	raw := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/things/abc123", "200"))
	if raw != 0 {
		t.Fatalf("raw path must not be a label, got %v", raw)
	}
}

func TestAuditCounters(t *testing.T) {
	AuditEntryRecorded("CREATE", "INFO")
	AuditEntryRecorded("CREATE", "INFO")
	if got := testutil.ToFloat64(auditEntriesTotal.WithLabelValues("CREATE", "INFO")); got != 2 {
		t.Fatalf("expected 2 entries counted, got %v", got)
	}

	before := testutil.ToFloat64(auditWriteFailures)
	AuditWriteFailed()
	if got := testutil.ToFloat64(auditWriteFailures); got != before+1 {
		t.Fatalf("expected failure counter to increase, got %v", got)
	}

	SecurityEventRecorded("PERMISSION_DENIED")
	if got := testutil.ToFloat64(securityEventsTotal.WithLabelValues("PERMISSION_DENIED")); got != 1 {
		t.Fatalf("expected 1 security event, got %v", got)
	}
}
