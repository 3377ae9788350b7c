package behaviormesh

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitRun(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/runs" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var submission RunSubmission
		if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
			t.Errorf("decode submission: %v", err)
		}
		if submission.Behavior != "patrol" || submission.AgentID != "agent-1" {
			t.Errorf("unexpected submission: %+v", submission)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Run{ID: "run-1", Behavior: submission.Behavior, Status: "pending"})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	created, err := client.SubmitRun(context.Background(), RunSubmission{Behavior: "patrol", AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("SubmitRun: %v", err)
	}
	if created.ID != "run-1" || created.Status != "pending" {
		t.Fatalf("unexpected run: %+v", created)
	}
}

func TestGetRunEscapesIdentifier(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/runs/run 1" {
			t.Errorf("unexpected path: %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(Run{ID: "run 1", Status: "running"})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	found, err := client.GetRun(context.Background(), "run 1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if found.Status != "running" {
		t.Fatalf("unexpected run: %+v", found)
	}
}

func TestListRunsEncodesQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("limit") != "5" || q.Get("status") != "pending,failed" ||
			q.Get("behavior") != "patrol" || q.Get("agent_id") != "agent-1" || q.Get("order") != "asc" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode([]Run{{ID: "run-1"}, {ID: "run-2"}})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	runs, err := client.ListRuns(context.Background(), ListQuery{
		Limit:    5,
		Statuses: []string{"pending", "failed"},
		Behavior: "patrol",
		AgentID:  "agent-1",
		Ascend:   true,
	})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
}

func TestStats(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/runs/stats" {
			t.Errorf("unexpected path: %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(RunStats{Total: 3, Pending: 1, Succeeded: 2})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	stats, err := client.Stats(context.Background(), ListQuery{})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 3 || stats.Succeeded != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestBehaviors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string][]string{"behaviors": {"countdown", "patrol"}})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	names, err := client.Behaviors(context.Background())
	if err != nil {
		t.Fatalf("Behaviors: %v", err)
	}
	if len(names) != 2 || names[0] != "countdown" {
		t.Fatalf("unexpected behaviors: %v", names)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"code":    "BEHAVIOR_NOT_FOUND",
			"message": "behavior missing is not registered",
		})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	_, err = client.SubmitRun(context.Background(), RunSubmission{Behavior: "missing"})
	if err == nil {
		t.Fatal("expected an error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "BEHAVIOR_NOT_FOUND" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestWaitUntilCompleted(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := "running"
		if calls.Add(1) >= 3 {
			status = "succeeded"
		}
		_ = json.NewEncoder(w).Encode(Run{ID: "run-1", Status: status})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	final, err := client.WaitUntilCompleted(ctx, "run-1", time.Millisecond)
	if err != nil {
		t.Fatalf("WaitUntilCompleted: %v", err)
	}
	if final.Status != "succeeded" {
		t.Fatalf("unexpected final status: %s", final.Status)
	}
	if calls.Load() < 3 {
		t.Fatalf("expected at least 3 polls, got %d", calls.Load())
	}
}
