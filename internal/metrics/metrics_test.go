package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestStatusBucket(t *testing.T) {
	cases := []struct {
		code int
		want string
	}{
		{102, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{429, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}
	for _, tc := range cases {
		if got := statusBucket(tc.code); got != tc.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tc.code, got, tc.want)
		}
	}
}

func TestMiddleware_RecordsRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/queue", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	before := counterValue(t, HTTPRequestsTotal, "GET", "/v1/queue", "2xx")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/queue", nil)
	r.ServeHTTP(w, req)

	after := counterValue(t, HTTPRequestsTotal, "GET", "/v1/queue", "2xx")
	if after != before+1 {
		t.Errorf("expected counter to increase by 1, got %.0f -> %.0f", before, after)
	}
}

// counterValue reads the current value of a labelled counter via the
// client_model DTO.
func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	c, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("get metric: %v", err)
	}
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}
