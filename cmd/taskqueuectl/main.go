// Command taskqueuectl is the task queue engine's CLI client.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/taskmesh/queueengine/internal/version"
)

const defaultServer = "http://localhost:9090"

func main() {
	var serverURL = flag.String("server", defaultServer, "task queue engine server URL")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cli := &Client{
		BaseURL:    strings.TrimRight(*serverURL, "/"),
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}

	cmd := args[0]
	rest := args[1:]

	var err error
	switch cmd {
	case "version":
		err = cmdVersion(rest)
	case "status":
		err = cli.cmdStatus(rest)
	case "queue":
		err = cli.cmdQueue(rest)
	case "agents":
		err = cli.cmdAgents(rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `taskqueuectl — task queue engine CLI

Usage:
  taskqueuectl [flags] <command> [args]

Flags:
  --server <url>   server URL (default: http://localhost:9090)

Commands:
  version                          print version
  status                           show server status
  agents                           list agents currently marked busy
  queue create <name> <message>    create a one-task queue for agent --agent
  queue create-json                create a queue from a JSON body on stdin
  queue get <id>                   show a queue and its tasks
  queue list                       list all queues
  queue delete <id> [--force]      delete a queue
  queue start <id>                 start dispatching a queue (returns its stream URL)
  queue stream <id>                open the SSE event stream and print events
  queue pause <id>                 pause a running queue
  queue resume <id>                resume a paused queue
  queue retry <id> <taskId>        reset a task to pending and requeue it
`)
}

// --- version ---

func cmdVersion(_ []string) error {
	fmt.Printf("taskqueuectl %s (commit %s, built %s)\n",
		version.Version, version.Commit, version.BuildDate)
	return nil
}

// Client holds HTTP client state for CLI commands.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// get performs a GET and decodes JSON into v.
func (c *Client) get(path string, v any) error {
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// post performs a POST and decodes the JSON response into v (may be nil).
func (c *Client) post(path string, body io.Reader, v any) error {
	req, err := http.NewRequest(http.MethodPost, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if v != nil && resp.ContentLength != 0 {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

// del performs a DELETE and decodes the JSON response into v (may be nil).
func (c *Client) del(path string, v any) error {
	req, err := http.NewRequest(http.MethodDelete, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if v != nil && resp.ContentLength != 0 {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

// --- status / agents ---

func (c *Client) cmdStatus(_ []string) error {
	var result map[string]any
	if err := c.get("/api/status", &result); err != nil {
		return err
	}
	fmt.Printf("version: %v\n", result["version"])
	fmt.Printf("uptime:  %v\n", result["uptime"])
	fmt.Printf("agents:  %v\n", result["agents"])
	return nil
}

func (c *Client) cmdAgents(_ []string) error {
	var result struct {
		BusyAgents []string `json:"busyAgents"`
	}
	if err := c.get("/api/queue/busy-agents", &result); err != nil {
		return err
	}
	if len(result.BusyAgents) == 0 {
		fmt.Println("no agents busy")
		return nil
	}
	for _, id := range result.BusyAgents {
		fmt.Println(id)
	}
	return nil
}

// --- queue ---

func (c *Client) cmdQueue(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: taskqueuectl queue <create|create-json|get|list|delete|start|stream|pause|resume|retry> ...")
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "create":
		return c.cmdQueueCreate(rest)
	case "create-json":
		return c.cmdQueueCreateJSON(rest)
	case "get":
		return c.cmdQueueGet(rest)
	case "list":
		return c.cmdQueueList(rest)
	case "delete":
		return c.cmdQueueDelete(rest)
	case "start":
		return c.cmdQueueStart(rest)
	case "stream":
		return c.cmdQueueStream(rest)
	case "pause":
		return c.cmdQueuePause(rest)
	case "resume":
		return c.cmdQueueResume(rest)
	case "retry":
		return c.cmdQueueRetry(rest)
	default:
		return fmt.Errorf("unknown queue subcommand: %s", sub)
	}
}

func (c *Client) cmdQueueCreate(args []string) error {
	fs := flag.NewFlagSet("queue create", flag.ExitOnError)
	agentID := fs.String("agent", "", "agent id to dispatch the task to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) < 2 || *agentID == "" {
		return fmt.Errorf("usage: taskqueuectl queue create --agent <id> <name> <message>")
	}
	name := rest[0]
	message := strings.Join(rest[1:], " ")

	reqBody, err := json.Marshal(map[string]any{
		"name": name,
		"tasks": []map[string]any{
			{"agentId": *agentID, "message": message},
		},
	})
	if err != nil {
		return err
	}

	var result struct {
		QueueID string `json:"queueId"`
	}
	if err := c.post("/api/queue", strings.NewReader(string(reqBody)), &result); err != nil {
		return err
	}
	fmt.Printf("created queue %s\n", result.QueueID)
	return nil
}

func (c *Client) cmdQueueCreateJSON(_ []string) error {
	body, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	var result struct {
		QueueID string `json:"queueId"`
	}
	if err := c.post("/api/queue", strings.NewReader(string(body)), &result); err != nil {
		return err
	}
	fmt.Printf("created queue %s\n", result.QueueID)
	return nil
}

func (c *Client) cmdQueueGet(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: taskqueuectl queue get <id>")
	}
	var result map[string]any
	if err := c.get("/api/queue/"+args[0], &result); err != nil {
		return err
	}
	return printJSON(result)
}

func (c *Client) cmdQueueList(_ []string) error {
	var result struct {
		Queues []struct {
			ID             string `json:"id"`
			Name           string `json:"name"`
			Status         string `json:"status"`
			TaskCount      int    `json:"taskCount"`
			CompletedCount int    `json:"completedCount"`
		} `json:"queues"`
	}
	if err := c.get("/api/queues", &result); err != nil {
		return err
	}
	if len(result.Queues) == 0 {
		fmt.Println("no queues")
		return nil
	}
	fmt.Printf("%-36s %-20s %-10s %-6s %-6s\n", "ID", "NAME", "STATUS", "TASKS", "DONE")
	fmt.Println(strings.Repeat("-", 84))
	for _, q := range result.Queues {
		fmt.Printf("%-36s %-20s %-10s %-6d %-6d\n", q.ID, truncate(q.Name, 19), q.Status, q.TaskCount, q.CompletedCount)
	}
	return nil
}

func (c *Client) cmdQueueDelete(args []string) error {
	fs := flag.NewFlagSet("queue delete", flag.ExitOnError)
	force := fs.Bool("force", false, "delete even if the queue is running")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) != 1 {
		return fmt.Errorf("usage: taskqueuectl queue delete [--force] <id>")
	}
	path := "/api/queue/" + rest[0]
	if *force {
		path += "?force=true"
	}
	if err := c.del(path, nil); err != nil {
		return err
	}
	fmt.Printf("deleted queue %s\n", rest[0])
	return nil
}

func (c *Client) cmdQueueStart(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: taskqueuectl queue start <id>")
	}
	var result struct {
		StreamURL string `json:"streamUrl"`
	}
	if err := c.post("/api/queue/"+args[0]+"/start", nil, &result); err != nil {
		return err
	}
	fmt.Printf("queue %s started; stream at %s\n", args[0], result.StreamURL)
	return nil
}

func (c *Client) cmdQueuePause(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: taskqueuectl queue pause <id>")
	}
	return c.post("/api/queue/"+args[0]+"/pause", nil, nil)
}

func (c *Client) cmdQueueResume(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: taskqueuectl queue resume <id>")
	}
	return c.post("/api/queue/"+args[0]+"/resume", nil, nil)
}

func (c *Client) cmdQueueRetry(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: taskqueuectl queue retry <id> <taskId>")
	}
	return c.post("/api/queue/"+args[0]+"/tasks/"+args[1]+"/retry", nil, nil)
}

// cmdQueueStream opens the SSE connection and prints one line per event as
// it arrives, until the connection closes or a terminal queue event is seen.
func (c *Client) cmdQueueStream(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: taskqueuectl queue stream <id>")
	}
	resp, err := c.HTTPClient.Get(c.BaseURL + "/api/queue/stream/" + args[0])
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	var eventType string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimPrefix(line, "event:")
		case strings.HasPrefix(line, "data:"):
			fmt.Printf("[%s] %s\n", eventType, strings.TrimPrefix(line, "data:"))
		}
	}
	return scanner.Err()
}

// --- helpers ---

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
