package modqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func setupHandlerTestRouter() (*gin.Engine, *Service, *MemoryReviewerStore) {
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	reviewers := NewMemoryReviewerStore()
	svc := NewService(store, reviewers, newFakeFeedback(), &fakeSuspender{}, ServiceConfig{})
	handler := NewHandler(svc)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)

	return r, svc, reviewers
}

func postJSON(t *testing.T, router *gin.Engine, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// POST /v1/queue
// ---------------------------------------------------------------------------

func TestHandler_Enqueue_201(t *testing.T) {
	router, _, _ := setupHandlerTestRouter()

	w := postJSON(t, router, "/v1/queue",
		`{"subjectId": "usr_a", "contentRef": "photo_9", "contentType": "photo", "severity": "high"}`)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Item struct {
			ID       string `json:"id"`
			Severity string `json:"severity"`
			Status   string `json:"status"`
		} `json:"item"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Item.ID == "" || resp.Item.Status != "pending" {
		t.Errorf("unexpected item: %+v", resp.Item)
	}
}

func TestHandler_Enqueue_400_UnknownSeverity(t *testing.T) {
	router, _, _ := setupHandlerTestRouter()

	w := postJSON(t, router, "/v1/queue",
		`{"subjectId": "usr_a", "contentRef": "photo_9", "severity": "catastrophic"}`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// GET /v1/queue
// ---------------------------------------------------------------------------

func TestHandler_List_FiltersByStatus(t *testing.T) {
	router, svc, _ := setupHandlerTestRouter()
	now := time.Now().UTC()

	enqueueT(t, svc, "usr_a", "c1", SeverityHigh, now)
	item := enqueueT(t, svc, "usr_b", "c2", SeverityLow, now)
	if _, err := svc.Assign(context.Background(), item.ID, "rev_1", now); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/queue?status=pending", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Count int `json:"count"`
		Items []struct {
			ID            string `json:"id"`
			Priority      int    `json:"priority"`
			PriorityLevel string `json:"priorityLevel"`
		} `json:"items"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Count != 1 {
		t.Fatalf("expected 1 pending item, got %d", resp.Count)
	}
	if resp.Items[0].PriorityLevel == "" {
		t.Error("expected computed priority level in listing")
	}
}

// ---------------------------------------------------------------------------
// Assign / complete endpoints
// ---------------------------------------------------------------------------

func TestHandler_AssignAndComplete(t *testing.T) {
	router, svc, _ := setupHandlerTestRouter()
	now := time.Now().UTC()

	item := enqueueT(t, svc, "usr_a", "c1", SeverityMedium, now)

	w := postJSON(t, router, "/v1/queue/"+item.ID+"/assign", `{"reviewerId": "rev_1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("assign: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = postJSON(t, router, "/v1/queue/"+item.ID+"/complete",
		`{"decision": "reject", "note": "spam", "reviewerId": "rev_1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Completed items refuse further transitions.
	w = postJSON(t, router, "/v1/queue/"+item.ID+"/complete",
		`{"decision": "approve", "reviewerId": "rev_2"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("double complete: expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_Assign_404(t *testing.T) {
	router, _, _ := setupHandlerTestRouter()

	w := postJSON(t, router, "/v1/queue/qi_missing/assign", `{"reviewerId": "rev_1"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Maintenance endpoints
// ---------------------------------------------------------------------------

func TestHandler_AutoAssignAndEscalate(t *testing.T) {
	router, svc, reviewers := setupHandlerTestRouter()
	now := time.Now().UTC()

	addReviewer(t, reviewers, "rev_1")
	enqueueT(t, svc, "usr_a", "c1", SeverityLow, now.Add(-13*time.Hour))

	w := postJSON(t, router, "/v1/queue/escalate", `{}`)
	if w.Code != http.StatusOK {
		t.Fatalf("escalate: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var esc struct {
		Escalated int `json:"escalated"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &esc); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if esc.Escalated != 1 {
		t.Errorf("expected 1 escalation, got %d", esc.Escalated)
	}

	w = postJSON(t, router, "/v1/queue/auto-assign", `{}`)
	if w.Code != http.StatusOK {
		t.Fatalf("auto-assign: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var auto struct {
		Assigned int `json:"assigned"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &auto); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if auto.Assigned != 1 {
		t.Errorf("expected 1 assignment, got %d", auto.Assigned)
	}
}

func enqueueT(t *testing.T, svc *Service, subjectID, contentRef string, severity Severity, at time.Time) *Item {
	t.Helper()
	item, err := svc.Enqueue(context.Background(), EnqueueRequest{
		SubjectID:  subjectID,
		ContentRef: contentRef,
		Severity:   severity,
	}, at)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return item
}
