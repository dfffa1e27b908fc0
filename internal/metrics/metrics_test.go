package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	r := NewRegistry()
	r.ConnectionsCurrent.Set(3)
	r.QualityScore.WithLabelValues("session-1").Set(0.92)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "sigmasockets_connections_current 3") {
		t.Errorf("missing connections_current in output:\n%s", body)
	}
	if !strings.Contains(body, `sigmasockets_quality_score{session_id="session-1"} 0.92`) {
		t.Errorf("missing quality_score series in output:\n%s", body)
	}
}

func TestForgetSessionRemovesLabelSeries(t *testing.T) {
	r := NewRegistry()
	r.QualityScore.WithLabelValues("session-1").Set(0.5)
	r.ForgetSession("session-1")

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, req)

	if strings.Contains(w.Body.String(), "session-1") {
		t.Error("expected session-1 series to be removed after ForgetSession")
	}
}
