package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/portfolios/{userID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, user := range []string{"alice", "bob"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/portfolios/"+user, nil))
	}

	got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/portfolios/{userID}", "418"))
	if got != 2 {
		t.Errorf("expected 2 requests under the route pattern, got %v", got)
	}
}

func TestStatusWriter_HijackUnsupported(t *testing.T) {
	w := &statusWriter{ResponseWriter: httptest.NewRecorder(), status: 200}
	if _, _, err := w.Hijack(); err == nil {
		t.Error("recorder cannot be hijacked")
	}
}
