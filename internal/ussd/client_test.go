package ussd

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()

	c, err := NewClient(url, time.Second, nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	c.retryStep = time.Millisecond
	c.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	return c
}

func TestClientGetJobRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/jobs/job-1" {
			t.Errorf("request = %s %s, want GET /jobs/job-1", r.Method, r.URL.Path)
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"job-1","operator":"acme","simSlot":1,"code":"*171#","steps":["7","4"]}`)
	}))
	defer srv.Close()

	job, err := newTestClient(t, srv.URL+"/").GetJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
	if job.Operator != "acme" || job.Slot() != 1 || len(job.Steps) != 2 {
		t.Fatalf("job = %+v", job)
	}
}

func TestClientGetJobGivesUpAfterThreeTries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := newTestClient(t, srv.URL).GetJob(context.Background(), "job-1"); err == nil {
		t.Fatal("GetJob() error = nil, want failure")
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestClientGetJobClientErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).GetJob(context.Background(), "job-1")
	if err == nil || !strings.Contains(err.Error(), "HTTP 404") {
		t.Fatalf("GetJob() error = %v, want HTTP 404", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestClientCallbacks(t *testing.T) {
	t.Parallel()

	bodies := make(chan map[string]any, 2)
	paths := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		paths <- r.URL.Path
		bodies <- body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	outcome := Outcome{
		Success:  true,
		Response: "Balance 5",
		Sequence: "*100#",
		Steps:    []StepResult{{StepNumber: 1, StepInput: "*100#", Success: true, Response: "Balance 5"}},
	}

	if err := c.Complete(context.Background(), "job-1", outcome); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got := <-paths; got != "/jobs/job-1/complete" {
		t.Fatalf("complete path = %s", got)
	}
	if got := <-bodies; got["response"] != "Balance 5" || got["success"] != true {
		t.Fatalf("complete body = %v", got)
	}

	if err := c.SendResponse(context.Background(), "job-1", outcome); err != nil {
		t.Fatalf("SendResponse() error = %v", err)
	}
	if got := <-paths; got != "/jobs/job-1/response" {
		t.Fatalf("response path = %s", got)
	}
	body := <-bodies
	if body["jobId"] != "job-1" || body["finalResponse"] != "Balance 5" || body["success"] != true {
		t.Fatalf("response body = %v", body)
	}
	if body["timestamp"] != float64(1_700_000_000_000) {
		t.Fatalf("timestamp = %v", body["timestamp"])
	}
	if steps, ok := body["steps"].([]any); !ok || len(steps) != 1 {
		t.Fatalf("steps = %v", body["steps"])
	}
}

func TestClientCallbackErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if err := newTestClient(t, srv.URL).Complete(context.Background(), "job-1", Outcome{}); err == nil {
		t.Fatal("Complete() error = nil, want HTTP 500")
	}
}

func TestHTTPDialerRun(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ussd/run" {
			t.Errorf("path = %s, want /ussd/run", r.URL.Path)
		}
		var req dialRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Sequence != "*100#" || req.SimSlot != 1 {
			t.Errorf("request = %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"success":true,"response":"Balance 5","steps":[]}`)
	}))
	defer srv.Close()

	dialer, err := NewHTTPDialer(srv.URL, time.Second)
	if err != nil {
		t.Fatalf("NewHTTPDialer() error = %v", err)
	}
	outcome, err := dialer.Run(context.Background(), "*100#", 1)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !outcome.Success || outcome.Response != "Balance 5" || outcome.Sequence != "*100#" {
		t.Fatalf("outcome = %+v", outcome)
	}
}
