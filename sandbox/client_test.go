package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pennylabs/penny"
)

func TestClientExecute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/execute" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Code != "print(1)" {
			t.Errorf("code = %q", req.Code)
		}
		json.NewEncoder(w).Encode(Result{Stdout: "1\n", ExitCode: 0, DurationMs: 5})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	result, err := c.Execute(context.Background(), Request{SessionID: "s", Code: "print(1)"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Stdout != "1\n" {
		t.Errorf("stdout = %q", result.Stdout)
	}
}

func TestClientExecuteAgentErrors(t *testing.T) {
	cases := []struct {
		status int
		want   penny.Code
	}{
		{http.StatusRequestTimeout, penny.CodeTimeout},
		{http.StatusTooManyRequests, penny.CodeRateLimited},
		{http.StatusInternalServerError, penny.CodeUnavailable},
		{http.StatusBadRequest, penny.CodeUpstream},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "boom", tc.status)
		}))
		c := NewClient(srv.URL)
		_, err := c.Execute(context.Background(), Request{SessionID: "s", Code: "x"})
		srv.Close()
		if penny.CodeOf(err) != tc.want {
			t.Errorf("status %d: code = %s, want %s", tc.status, penny.CodeOf(err), tc.want)
		}
	}
}

func TestClientExecuteStream(t *testing.T) {
	events := []Event{
		{Type: EventStdout, Data: "hel"},
		{Type: EventStdout, Data: "lo\n"},
		{Type: EventVariable, Name: "x", Data: "1"},
		{Type: EventDone},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/execute/stream" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			data, _ := json.Marshal(ev)
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	ch := make(chan Event, 16)
	result, err := c.ExecuteStream(context.Background(), Request{SessionID: "s", Code: "x"}, ch)
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}

	var got []Event
	for ev := range ch {
		got = append(got, ev)
	}
	if len(got) != len(events) {
		t.Fatalf("events = %d, want %d", len(got), len(events))
	}
	if got[len(got)-1].Type != EventDone {
		t.Errorf("terminal event = %s", got[len(got)-1].Type)
	}
	if result.Stdout != "hello\n" {
		t.Errorf("assembled stdout = %q", result.Stdout)
	}
	if result.Variables["x"] != "1" {
		t.Errorf("variables = %v", result.Variables)
	}
}

func TestClientExecuteStreamMissingTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "data: {\"type\":\"stdout\",\"data\":\"partial\"}\n\n")
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	ch := make(chan Event, 16)
	_, err := c.ExecuteStream(context.Background(), Request{SessionID: "s", Code: "x"}, ch)
	if err == nil {
		t.Fatal("expected error when stream ends without terminal event")
	}
	if penny.CodeOf(err) != penny.CodeUpstream {
		t.Errorf("code = %s, want UPSTREAM", penny.CodeOf(err))
	}
}

func TestClientHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if !c.Healthy(context.Background()) {
		t.Error("expected healthy")
	}
	srv.Close()
	if c.Healthy(context.Background()) {
		t.Error("expected unhealthy after close")
	}
}
