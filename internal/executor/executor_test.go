package executor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPExecutor_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audits" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key" {
			t.Errorf("expected bearer auth, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"audit_id":"a-1","score":91.2}`))
	}))
	defer srv.Close()

	x := NewHTTPExecutor(srv.URL, "key", 5*time.Second)
	res, err := x.Execute(context.Background(), Request{
		CampaignID: "c", JobID: "j", AudioURL: "https://cdn.example.com/call.wav",
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.AuditID != "a-1" || res.Score != 91.2 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestHTTPExecutor_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	x := NewHTTPExecutor(srv.URL, "", 5*time.Second)
	_, err := x.Execute(context.Background(), Request{AudioURL: "https://cdn.example.com/call.wav"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !Retryable(err) {
		t.Fatalf("5xx must be retryable: %v", err)
	}
	var e *Error
	if !errors.As(err, &e) || e.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected status captured, got %v", err)
	}
	if Message(err) != "model overloaded" {
		t.Fatalf("expected upstream message, got %q", Message(err))
	}
}

func TestHTTPExecutor_RateLimitIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	x := NewHTTPExecutor(srv.URL, "", 5*time.Second)
	_, err := x.Execute(context.Background(), Request{AudioURL: "https://cdn.example.com/call.wav"})
	if !Retryable(err) {
		t.Fatalf("429 must be retryable: %v", err)
	}
}

func TestHTTPExecutor_ClientErrorIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"unsupported media format"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	x := NewHTTPExecutor(srv.URL, "", 5*time.Second)
	_, err := x.Execute(context.Background(), Request{AudioURL: "https://cdn.example.com/call.wav"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if Retryable(err) {
		t.Fatalf("4xx must be terminal: %v", err)
	}
}

func TestHTTPExecutor_BadAudioURLTerminalWithoutCall(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	x := NewHTTPExecutor(srv.URL, "", 5*time.Second)
	for _, bad := range []string{"", "not-a-url", "ftp://host/file.wav"} {
		_, err := x.Execute(context.Background(), Request{AudioURL: bad})
		if err == nil {
			t.Fatalf("expected error for %q", bad)
		}
		if Retryable(err) {
			t.Fatalf("malformed url must be terminal: %v", err)
		}
	}
	if called {
		t.Fatalf("upstream must not be called for malformed urls")
	}
}

func TestHTTPExecutor_ConnectionFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // immediately: connection refused

	x := NewHTTPExecutor(srv.URL, "", time.Second)
	_, err := x.Execute(context.Background(), Request{AudioURL: "https://cdn.example.com/call.wav"})
	if !Retryable(err) {
		t.Fatalf("network failure must be retryable: %v", err)
	}
}

func TestRetryable_UnknownErrorDefaultsRetryable(t *testing.T) {
	if !Retryable(errors.New("boom")) {
		t.Fatalf("unknown errors default to retryable")
	}
}

func TestScriptedExecutor_ConsumesScriptsInOrder(t *testing.T) {
	x := NewScriptedExecutor()
	x.Script("j1",
		Outcome{Err: &Error{Message: "flaky", Retryable: true}},
		Outcome{Result: Result{AuditID: "a-1"}},
	)

	_, err := x.Execute(context.Background(), Request{JobID: "j1"})
	if err == nil {
		t.Fatalf("expected scripted failure first")
	}
	res, err := x.Execute(context.Background(), Request{JobID: "j1"})
	if err != nil || res.AuditID != "a-1" {
		t.Fatalf("expected scripted success, got %v %v", res, err)
	}
	// Falls back to default success once scripts are drained.
	res, err = x.Execute(context.Background(), Request{JobID: "j1"})
	if err != nil || res.AuditID == "" {
		t.Fatalf("expected default success, got %v %v", res, err)
	}
	if len(x.Calls()) != 3 {
		t.Fatalf("expected 3 recorded calls, got %d", len(x.Calls()))
	}
}
