package backend

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

func TestNextIntervalSequence(t *testing.T) {
	max := 3 * time.Second
	want := []time.Duration{
		750 * time.Millisecond,
		1125 * time.Millisecond,
		1687500 * time.Microsecond,
		2531250 * time.Microsecond,
		3 * time.Second,
		3 * time.Second,
	}

	interval := 500 * time.Millisecond
	for i, expected := range want {
		interval = nextInterval(interval, max)
		if interval != expected {
			t.Errorf("step %d: expected %v, got %v", i, expected, interval)
		}
	}
}

func TestSendMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.URL.Query().Get("query"); got != "what is RAG?" {
			t.Errorf("unexpected query param: %q", got)
		}
		if got := r.URL.Query().Get("usr_id"); got != "user-1" {
			t.Errorf("unexpected usr_id param: %q", got)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"status": "queued", "job_id": "job-42", "job_status": "queued", "owner_id": "user-1",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	resp, err := c.SendMessage(context.Background(), "what is RAG?", "user-1")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if resp.JobID != "job-42" || resp.Status != "queued" || resp.OwnerID != "user-1" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func fastPoll() PollOptions {
	return PollOptions{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Timeout:         5 * time.Second,
	}
}

func TestPollUntilFinished(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/job-status" || r.URL.Query().Get("job_id") != "job-1" {
			t.Errorf("unexpected request: %s %s", r.URL.Path, r.URL.RawQuery)
		}
		switch calls.Add(1) {
		case 1:
			json.NewEncoder(w).Encode(map[string]any{"status": "queued"})
		case 2:
			json.NewEncoder(w).Encode(map[string]any{"status": "started"})
		default:
			json.NewEncoder(w).Encode(map[string]any{"status": "finished", "result": "the answer"})
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)

	var seen []JobStatus
	opts := fastPoll()
	opts.OnPoll = func(_ int, status JobStatus) { seen = append(seen, status) }

	result, err := c.PollJobUntilComplete(context.Background(), "job-1", opts)
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if got := ResultText(result); got != "the answer" {
		t.Errorf("unexpected result: %q", got)
	}
	if len(seen) != 3 || seen[0] != JobQueued || seen[1] != JobStarted || seen[2] != JobFinished {
		t.Errorf("unexpected status sequence: %v", seen)
	}
}

func TestPollFailedJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "failed", "error": "worker crashed"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.PollJobUntilComplete(context.Background(), "job-1", fastPoll())

	var jf *JobFailedError
	if !errors.As(err, &jf) {
		t.Fatalf("expected JobFailedError, got %v", err)
	}
	if jf.Detail != "worker crashed" {
		t.Errorf("expected backend diagnostic, got %q", jf.Detail)
	}
}

func TestPollJobNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "not_found", "error": "Job not found or expired"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.PollJobUntilComplete(context.Background(), "job-1", fastPoll())

	var nf *JobNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected JobNotFoundError, got %v", err)
	}
}

func TestPollTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "queued"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	opts := fastPoll()
	opts.Timeout = 30 * time.Millisecond

	_, err := c.PollJobUntilComplete(context.Background(), "job-1", opts)

	var pt *PollTimeoutError
	if !errors.As(err, &pt) {
		t.Fatalf("expected PollTimeoutError, got %v", err)
	}
	if pt.Polls == 0 {
		t.Error("expected at least one poll before the deadline")
	}
}

func TestPollCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "queued"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		opts := fastPoll()
		opts.InitialInterval = 50 * time.Millisecond
		_, err := c.PollJobUntilComplete(ctx, "job-1", opts)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poll loop did not stop after cancellation")
	}
}

func TestSendMessageAndWaitNoResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/chat" {
			json.NewEncoder(w).Encode(map[string]string{"status": "queued", "job_id": "job-9"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "finished", "result": nil})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.SendMessageAndWait(context.Background(), "q", "u", fastPoll())

	var nr *NoResultError
	if !errors.As(err, &nr) {
		t.Fatalf("expected NoResultError, got %v", err)
	}
}

func TestUnauthorizedTriggersHook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"detail": "Invalid or expired token"})
	}))
	defer srv.Close()

	invalidated := false
	c := NewClient(srv.URL, WithUnauthorizedHook(func() { invalidated = true }))

	_, err := c.SendMessage(context.Background(), "q", "u")
	if !IsUnauthorized(err) {
		t.Fatalf("expected 401 ServerError, got %v", err)
	}
	if !invalidated {
		t.Error("401 must trigger the auth-invalidated hook")
	}

	var se *ServerError
	if !errors.As(err, &se) || se.Message != "Invalid or expired token" {
		t.Errorf("expected backend detail in error, got %v", err)
	}
}

func TestNetworkErrorWrapping(t *testing.T) {
	c := NewClient("http://127.0.0.1:1") // nothing listens here
	_, err := c.SendMessage(context.Background(), "q", "u")

	var ne *NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
}

func TestAuthHeaderAttached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("expected bearer header, got %q", got)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "queued", "job_id": "j"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithAuthHeader(func() map[string]string {
		return map[string]string{"Authorization": "Bearer tok"}
	}))
	if _, err := c.SendMessage(context.Background(), "q", "u"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
}
