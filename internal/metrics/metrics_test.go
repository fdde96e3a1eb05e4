package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{409, "4xx"},
		{502, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/metrics", Handler())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	ObserveGateway("create_transfer", time.Now(), errors.New("boom"))
	SettlementsTotal.WithLabelValues("release", "ok").Inc()

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/ping", nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	body := w.Body.String()
	for _, name := range []string{
		"casepay_goroutines",
		"casepay_gateway_call_duration_seconds",
		`casepay_settlements_total{action="release",result="ok"}`,
		`casepay_http_requests_total{method="GET",path="/ping",status="2xx"}`,
	} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}
}

func TestObserveGateway_RecordsResult(t *testing.T) {
	GatewayCallDuration.Reset()

	ObserveGateway("create_refund", time.Now(), nil)
	ObserveGateway("create_refund", time.Now(), errors.New("declined"))
	ObserveGateway("create_refund", time.Now(), errors.New("declined"))

	for result, want := range map[string]uint64{"ok": 1, "error": 2} {
		obs, err := GatewayCallDuration.GetMetricWithLabelValues("create_refund", result)
		if err != nil {
			t.Fatalf("GetMetricWithLabelValues failed: %v", err)
		}
		m := &dto.Metric{}
		if err := obs.(interface{ Write(*dto.Metric) error }).Write(m); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if got := m.Histogram.GetSampleCount(); got != want {
			t.Errorf("result %s: expected %d samples, got %d", result, want, got)
		}
	}
}

func TestPurgeResults_Counter(t *testing.T) {
	PurgeResultsTotal.Reset()
	PurgeResultsTotal.WithLabelValues("purged").Inc()
	PurgeResultsTotal.WithLabelValues("purged").Inc()

	m := &dto.Metric{}
	if err := PurgeResultsTotal.WithLabelValues("purged").Write(m); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if m.Counter.GetValue() != 2.0 {
		t.Errorf("expected counter value 2, got %f", m.Counter.GetValue())
	}
}
