package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/taskmesh/queueengine/task"
)

// scriptedWorker starts a fake worker agent that writes one NDJSON line per
// entry in frames, flushing after each, in the spirit of the deleted
// provider/mock/mock.go scripted provider but speaking real HTTP+NDJSON.
func scriptedWorker(t *testing.T, status int, frames []string, delay time.Duration) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("ResponseWriter does not support flushing")
		}
		for _, f := range frames {
			if delay > 0 {
				time.Sleep(delay)
			}
			fmt.Fprintln(w, f)
			flusher.Flush()
		}
	}))
}

func TestInvokeSuccess(t *testing.T) {
	srv := scriptedWorker(t, http.StatusOK, []string{
		`{"type":"claude_json","sessionId":"s1","message":{"content":[{"type":"text","text":"hello "}]}}`,
		`{"type":"claude_json","message":{"content":[{"type":"text","text":"world"}]}}`,
		`{"type":"done"}`,
	}, 0)
	defer srv.Close()

	inv := NewInvoker(nil)
	result, taskErr := inv.Invoke(context.Background(), Agent{ID: "a1", Endpoint: srv.URL}, Request{Message: "hi", RequestID: "r1"})
	if taskErr != nil {
		t.Fatalf("unexpected error: %+v", taskErr)
	}
	if result.Content != "hello world" {
		t.Fatalf("expected accumulated content, got %q", result.Content)
	}
	if result.SessionID != "s1" {
		t.Fatalf("expected sessionId captured, got %q", result.SessionID)
	}
	if result.Type != task.ResultSuccess {
		t.Fatalf("expected success result type, got %s", result.Type)
	}
}

func TestInvokeSkipsMalformedLines(t *testing.T) {
	srv := scriptedWorker(t, http.StatusOK, []string{
		`not json`,
		`{"type":"claude_json","message":{"content":[{"type":"text","text":"ok"}]}}`,
		`{"type":"done"}`,
	}, 0)
	defer srv.Close()

	inv := NewInvoker(nil)
	result, taskErr := inv.Invoke(context.Background(), Agent{ID: "a1", Endpoint: srv.URL}, Request{Message: "hi", RequestID: "r1"})
	if taskErr != nil {
		t.Fatalf("unexpected error: %+v", taskErr)
	}
	if result.Content != "ok" {
		t.Fatalf("expected malformed line skipped, got %q", result.Content)
	}
}

func TestInvokeErrorFrame(t *testing.T) {
	srv := scriptedWorker(t, http.StatusOK, []string{
		`{"type":"error","error":"boom"}`,
	}, 0)
	defer srv.Close()

	inv := NewInvoker(nil)
	_, taskErr := inv.Invoke(context.Background(), Agent{ID: "a1", Endpoint: srv.URL}, Request{Message: "hi", RequestID: "r1"})
	if taskErr == nil {
		t.Fatal("expected error")
	}
	if taskErr.Type != task.ErrorExecution || !taskErr.Retryable {
		t.Fatalf("expected retryable execution error, got %+v", taskErr)
	}
}

func TestInvokeAbortedFrame(t *testing.T) {
	srv := scriptedWorker(t, http.StatusOK, []string{
		`{"type":"aborted"}`,
	}, 0)
	defer srv.Close()

	inv := NewInvoker(nil)
	_, taskErr := inv.Invoke(context.Background(), Agent{ID: "a1", Endpoint: srv.URL}, Request{Message: "hi", RequestID: "r1"})
	if taskErr == nil || taskErr.Type != task.ErrorAbort || taskErr.Retryable {
		t.Fatalf("expected non-retryable abort error, got %+v", taskErr)
	}
}

func TestInvokeUnauthorizedNotRetryable(t *testing.T) {
	srv := scriptedWorker(t, http.StatusUnauthorized, nil, 0)
	defer srv.Close()

	inv := NewInvoker(nil)
	_, taskErr := inv.Invoke(context.Background(), Agent{ID: "a1", Endpoint: srv.URL}, Request{Message: "hi", RequestID: "r1"})
	if taskErr == nil || taskErr.Type != task.ErrorExecution || taskErr.Retryable {
		t.Fatalf("expected non-retryable execution error for 401, got %+v", taskErr)
	}
}

func TestInvokeServerErrorIsRetryable(t *testing.T) {
	srv := scriptedWorker(t, http.StatusBadGateway, nil, 0)
	defer srv.Close()

	inv := NewInvoker(nil)
	_, taskErr := inv.Invoke(context.Background(), Agent{ID: "a1", Endpoint: srv.URL}, Request{Message: "hi", RequestID: "r1"})
	if taskErr == nil || taskErr.Type != task.ErrorNetwork || !taskErr.Retryable {
		t.Fatalf("expected retryable network error for 502, got %+v", taskErr)
	}
}

func TestInvokeOuterDeadlineExceeded(t *testing.T) {
	srv := scriptedWorker(t, http.StatusOK, []string{
		`{"type":"claude_json","message":{"content":[{"type":"text","text":"slow"}]}}`,
		`{"type":"done"}`,
	}, 50*time.Millisecond)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	inv := NewInvoker(nil)
	_, taskErr := inv.Invoke(ctx, Agent{ID: "a1", Endpoint: srv.URL}, Request{Message: "hi", RequestID: "r1"})
	if taskErr == nil || taskErr.Type != task.ErrorTimeout {
		t.Fatalf("expected timeout error, got %+v", taskErr)
	}
}
