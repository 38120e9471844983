package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pennylabs/penny"
)

// Client talks to a penny-sandbox exec agent over HTTP. One agent serves
// one container; the runner maps sessions to agents.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
}

// Execute POSTs one request and returns the complete result.
func (c *Client) Execute(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, penny.WrapErr(penny.CodeInternal, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return Result{}, penny.WrapErr(penny.CodeInternal, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Result{}, penny.WrapErr(penny.CodeNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, agentError(resp.StatusCode, data)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, penny.WrapErr(penny.CodeUpstream, err)
	}
	return result, nil
}

// ExecuteStream POSTs to the streaming endpoint and forwards SSE events
// into ch, closing it after the terminal event. Returns the final result
// assembled from the stream.
func (c *Client) ExecuteStream(ctx context.Context, req Request, ch chan<- Event) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		close(ch)
		return Result{}, penny.WrapErr(penny.CodeInternal, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute/stream", bytes.NewReader(body))
	if err != nil {
		close(ch)
		return Result{}, penny.WrapErr(penny.CodeInternal, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		ch <- Event{Type: EventError, Code: string(penny.CodeNetwork), Message: err.Error()}
		close(ch)
		return Result{}, penny.WrapErr(penny.CodeNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := agentError(resp.StatusCode, data)
		ch <- Event{Type: EventError, Code: string(penny.CodeOf(err)), Message: err.Error()}
		close(ch)
		return Result{}, err
	}

	var (
		result   Result
		stdout   strings.Builder
		stderr   strings.Builder
		terminal bool
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case EventStdout:
			stdout.WriteString(ev.Data)
		case EventStderr:
			stderr.WriteString(ev.Data)
		case EventVariable:
			if result.Variables == nil {
				result.Variables = make(map[string]string)
			}
			result.Variables[ev.Name] = ev.Data
		case EventDone, EventError:
			terminal = true
		}
		ch <- ev
		if terminal {
			break
		}
	}
	close(ch)
	if err := scanner.Err(); err != nil {
		return Result{}, penny.WrapErr(penny.CodeNetwork, err)
	}
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	if !terminal {
		return result, penny.Errf(penny.CodeUpstream, "sandbox stream ended without terminal event")
	}
	return result, nil
}

// Healthy probes the agent's health endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func agentError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch {
	case status == http.StatusRequestTimeout:
		return penny.Errf(penny.CodeTimeout, "sandbox: %s", msg)
	case status == http.StatusTooManyRequests:
		return penny.Errf(penny.CodeRateLimited, "sandbox: %s", msg)
	case status >= 500:
		return penny.Errf(penny.CodeUnavailable, "sandbox: %s", msg)
	default:
		return penny.Errf(penny.CodeUpstream, "sandbox: %d %s", status, msg)
	}
}
