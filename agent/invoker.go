package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/taskmesh/queueengine/task"
)

// frameReadDeadline bounds how long the invoker waits for the next NDJSON
// frame before concluding a silent proxy has stalled the response (spec
// §4.1 step 4).
const frameReadDeadline = 30 * time.Second

// Request is the payload POSTed to a worker agent's chat endpoint.
type Request struct {
	Message          string `json:"message"`
	RequestID        string `json:"requestId"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	Credentials      string `json:"credentials,omitempty"`
}

// chatFrame is one newline-delimited JSON envelope in the agent's
// response stream (spec §6's wire protocol).
type chatFrame struct {
	Type      string       `json:"type"`
	Message   *chatMessage `json:"message,omitempty"`
	SessionID string       `json:"sessionId,omitempty"`
	Error     string       `json:"error,omitempty"`
}

type chatMessage struct {
	Content []contentBlock `json:"content,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Invoker issues one streaming HTTP request per task and aggregates its
// NDJSON response. Grounded on provider/anthropic.go's deleted readSSE
// reader: a bufio.Scanner line loop over a JSON envelope with a Type
// discriminator, emitting accumulated text on completion, generalized from
// Anthropic's SSE "data: " framing to this wire protocol's bare-line NDJSON
// framing.
type Invoker struct {
	httpClient *http.Client
}

// NewInvoker creates an Invoker. httpClient may be nil to use
// http.DefaultClient.
func NewInvoker(httpClient *http.Client) *Invoker {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Invoker{httpClient: httpClient}
}

// Invoke executes req against ag, honoring ctx for the outer
// timeoutPerTask/abort deadline (the cancellation token of spec §4.1 is
// simply ctx — the caller cancels it to abort). It returns exactly one of
// (*task.Result, nil) or (nil, *task.Error); retryability classification is
// final per spec §4.1.
func (inv *Invoker) Invoke(ctx context.Context, ag Agent, req Request) (*task.Result, *task.Error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &task.Error{Type: task.ErrorExecution, Message: fmt.Sprintf("encode request: %v", err), Retryable: false, OccurredAt: nowMillis()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ag.Endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, &task.Error{Type: task.ErrorExecution, Message: fmt.Sprintf("build request: %v", err), Retryable: false, OccurredAt: nowMillis()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Connection", "keep-alive")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := inv.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctxCancellationError(ctx); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &task.Error{Type: task.ErrorNetwork, Message: err.Error(), Retryable: true, OccurredAt: nowMillis()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyStatus(resp.StatusCode)
	}

	return inv.readFrames(ctx, resp)
}

// classifyStatus implements spec §4.1 step 2's non-2xx classification.
func classifyStatus(status int) *task.Error {
	now := nowMillis()
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &task.Error{Type: task.ErrorExecution, Message: fmt.Sprintf("agent returned status %d", status), Retryable: false, OccurredAt: now}
	case status >= 500:
		return &task.Error{Type: task.ErrorNetwork, Message: fmt.Sprintf("agent returned status %d", status), Retryable: true, OccurredAt: now}
	default:
		return &task.Error{Type: task.ErrorExecution, Message: fmt.Sprintf("agent returned status %d", status), Retryable: false, OccurredAt: now}
	}
}

type scannedLine struct {
	text string
	err  error
}

func (inv *Invoker) readFrames(ctx context.Context, resp *http.Response) (*task.Result, *task.Error) {
	lines := make(chan scannedLine)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			lines <- scannedLine{text: scanner.Text()}
		}
		if err := scanner.Err(); err != nil {
			lines <- scannedLine{err: err}
		}
	}()

	var accumulator strings.Builder
	var sessionID string

	timer := time.NewTimer(frameReadDeadline)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctxCancellationError(ctx)

		case <-timer.C:
			return nil, &task.Error{Type: task.ErrorTimeout, Message: "no frame received within read deadline", Retryable: true, OccurredAt: nowMillis()}

		case ln, ok := <-lines:
			if !ok {
				return nil, &task.Error{Type: task.ErrorNetwork, Message: "agent closed connection before done frame", Retryable: true, OccurredAt: nowMillis()}
			}
			if ln.err != nil {
				return nil, &task.Error{Type: task.ErrorNetwork, Message: ln.err.Error(), Retryable: true, OccurredAt: nowMillis()}
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(frameReadDeadline)

			line := strings.TrimSpace(ln.text)
			if line == "" {
				continue
			}

			var frame chatFrame
			if err := json.Unmarshal([]byte(line), &frame); err != nil {
				continue // malformed JSON lines are skipped silently
			}

			switch frame.Type {
			case "claude_json":
				if frame.Message != nil {
					for _, c := range frame.Message.Content {
						if c.Type == "text" {
							accumulator.WriteString(c.Text)
						}
					}
				}
				if frame.SessionID != "" {
					sessionID = frame.SessionID
				}
			case "error":
				return nil, &task.Error{Type: task.ErrorExecution, Message: frame.Error, Retryable: true, OccurredAt: nowMillis()}
			case "aborted":
				return nil, &task.Error{Type: task.ErrorAbort, Message: "invocation aborted", Retryable: false, OccurredAt: nowMillis()}
			case "done":
				return &task.Result{Type: task.ResultSuccess, Content: accumulator.String(), SessionID: sessionID, CompletedAt: nowMillis()}, nil
			}
		}
	}
}

// ctxCancellationError distinguishes a per-task deadline (retryable timeout)
// from an explicit scheduler-issued stop/abort (non-retryable), per spec
// §5's cancellation model — a stopped scheduler cancels the dispatch's
// context directly, while the timeoutPerTask bound expires it.
func ctxCancellationError(ctx context.Context) *task.Error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return &task.Error{Type: task.ErrorTimeout, Message: "task timeout exceeded", Retryable: true, OccurredAt: nowMillis()}
	case context.Canceled:
		return &task.Error{Type: task.ErrorAbort, Message: "invocation aborted", Retryable: false, OccurredAt: nowMillis()}
	default:
		return nil
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }
