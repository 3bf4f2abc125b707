package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/luvio/trustengine/internal/config"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Port:             "0",
		Env:              "development",
		LogLevel:         "error",
		APILimitRPM:      10000,
		MaxBodyBytes:     1 << 20,
		ReviewSLA:        24 * time.Hour,
		StaleAfter:       12 * time.Hour,
		MaxPerReviewer:   10,
		SuspendWarnings:  3,
		QueueTickSeconds: 60,
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

func do(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("/health status = %d", w.Code)
	}

	w = do(t, srv, http.MethodGet, "/health/live", nil)
	if w.Code != http.StatusOK {
		t.Errorf("/health/live status = %d", w.Code)
	}

	// Readiness flips on only after Run starts.
	w = do(t, srv, http.MethodGet, "/health/ready", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("/health/ready status = %d, want 503 before Run", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Errorf("/metrics status = %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("trustengine")) {
		t.Error("metrics output missing trustengine namespace")
	}
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/api", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("/api status = %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

// End-to-end flow over the wired router: flag content, add a reviewer,
// auto-assign, complete the review.
func TestModerationFlow(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, http.MethodPut, "/v1/admin/reviewers/rev_1", gin.H{
		"name": "First Reviewer",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("upsert reviewer status = %d, body %s", w.Code, w.Body.String())
	}

	w = do(t, srv, http.MethodPost, "/v1/events/content-flagged", gin.H{
		"subjectId":  "sub_srv",
		"contentRef": "photo:ph_srv",
		"severity":   "high",
		"reporterId": "sub_rep",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("content-flagged status = %d, body %s", w.Code, w.Body.String())
	}
	var item struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &item); err != nil {
		t.Fatalf("unmarshal item: %v", err)
	}

	w = do(t, srv, http.MethodPost, "/v1/queue/auto-assign", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("auto-assign status = %d, body %s", w.Code, w.Body.String())
	}

	w = do(t, srv, http.MethodPost, "/v1/queue/"+item.ID+"/complete", gin.H{
		"reviewerId": "rev_1",
		"decision":   "approve",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("complete status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestAdminSecretEnforced(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Port:             "0",
		Env:              "development",
		LogLevel:         "error",
		AdminSecret:      "topsecret",
		APILimitRPM:      10000,
		MaxBodyBytes:     1 << 20,
		ReviewSLA:        24 * time.Hour,
		StaleAfter:       12 * time.Hour,
		MaxPerReviewer:   10,
		SuspendWarnings:  3,
		QueueTickSeconds: 60,
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	payload, _ := json.Marshal(gin.H{"name": "Reviewer"})
	req := httptest.NewRequest(http.MethodPut, "/v1/admin/reviewers/rev_x", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without secret", w.Code)
	}

	req = httptest.NewRequest(http.MethodPut, "/v1/admin/reviewers/rev_x", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Secret", "topsecret")
	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d with secret, body %s", w.Code, w.Body.String())
	}
}
