package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pennylabs/penny"
	"github.com/pennylabs/penny/auth"
	"github.com/pennylabs/penny/store/memory"
)

// stubProcessor replays a scripted stream and final message.
type stubProcessor struct {
	chunks []penny.Chunk
	final  penny.Message
	err    error
}

func (p *stubProcessor) Process(_ context.Context, _ penny.Tenant, _ penny.Principal, userMsg penny.Message, _ penny.ProcessOptions, ch chan<- penny.Chunk) (penny.Message, error) {
	if ch != nil {
		for _, c := range p.chunks {
			ch <- c
		}
		if p.err != nil {
			ch <- penny.ErrorChunk(p.err)
		} else {
			ch <- penny.Chunk{Type: penny.ChunkDone}
		}
		close(ch)
	}
	if p.err != nil {
		return penny.Message{}, p.err
	}
	final := p.final
	final.ConversationID = userMsg.ConversationID
	return final, nil
}

type testEnv struct {
	store  *memory.Store
	srv    *httptest.Server
	token  string
	jwt    *auth.JWTService
	queue  *penny.Queue
	server *Server
}

// newLimitedToken mints a token for the same tenant with narrower scopes.
func newLimitedToken(t *testing.T, env *testEnv, scopes []string) string {
	t.Helper()
	token, err := env.jwt.Generate(penny.Principal{ID: "u2", TenantID: "t1", Kind: penny.PrincipalUser, Scopes: scopes})
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	if err := store.CreateTenant(ctx, penny.Tenant{ID: "t1", Name: "acme", Active: true, CreatedAt: penny.NowUnix()}); err != nil {
		t.Fatalf("create tenant: %v", err)
	}

	jwt := auth.NewJWTService("test-secret", "penny", time.Hour)
	token, err := jwt.Generate(penny.Principal{ID: "u1", TenantID: "t1", Kind: penny.PrincipalUser, Scopes: []string{"*"}})
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	authn := auth.NewAuthenticator(jwt, store)

	registry := penny.NewRegistry()
	limiter := penny.NewLimiter()
	queue := penny.NewQueue(penny.QueueConcurrency(2), penny.QueueIntervalCap(100))
	t.Cleanup(func() { queue.Shutdown(time.Second) })
	usage := penny.NewUsageRecorder(store)
	executor := penny.NewExecutor(registry, limiter, queue, store, usage)

	processor := &stubProcessor{final: penny.Message{ID: "m-final", Role: "assistant", Content: "Hi there"}}

	opts = append([]Option{WithLimiter(limiter)}, opts...)
	server := NewServer(store, authn, processor, executor, registry, opts...)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{store: store, srv: srv, token: token, jwt: jwt, queue: queue, server: server}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeError(t *testing.T, resp *http.Response) errorBody {
	t.Helper()
	var body struct {
		Error errorBody `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	resp.Body.Close()
	return body.Error
}

func TestUnauthenticated(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/v1/messages", "", map[string]any{"content": "hi"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if e := decodeError(t, resp); e.Code != penny.CodeUnauthenticated {
		t.Errorf("code = %s", e.Code)
	}
}

func TestMessagesNonStream(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/v1/messages", env.token, map[string]any{"content": "Hello"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body messageResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if body.Message.Content != "Hi there" {
		t.Errorf("content = %q", body.Message.Content)
	}
	if body.ConversationID == "" {
		t.Error("expected a created conversation id")
	}

	// The user message was persisted before processing.
	msgs, err := env.store.GetMessages(context.Background(), "t1", body.ConversationID, 10)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != "user" || msgs[0].Content != "Hello" {
		t.Errorf("stored messages = %+v", msgs)
	}
}

func TestMessagesStreamOrder(t *testing.T) {
	env := newTestEnv(t)
	env.server.processor = &stubProcessor{
		chunks: []penny.Chunk{
			{Type: penny.ChunkContent, Content: "Hi"},
			{Type: penny.ChunkContent, Content: " there"},
		},
		final: penny.Message{Role: "assistant", Content: "Hi there"},
	}

	resp := env.do(t, http.MethodPost, "/v1/messages", env.token, map[string]any{"content": "Hello", "stream": true})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	var chunks []penny.Chunk
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var c penny.Chunk
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &c); err != nil {
			t.Fatalf("bad chunk %q: %v", line, err)
		}
		chunks = append(chunks, c)
	}

	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	var content strings.Builder
	terminals := 0
	for _, c := range chunks {
		switch c.Type {
		case penny.ChunkContent:
			content.WriteString(c.Content)
		case penny.ChunkDone, penny.ChunkError:
			terminals++
		}
	}
	if content.String() != "Hi there" {
		t.Errorf("concatenated content = %q", content.String())
	}
	if terminals != 1 {
		t.Errorf("terminal chunks = %d, want exactly 1", terminals)
	}
	if chunks[len(chunks)-1].Type != penny.ChunkDone {
		t.Errorf("last chunk = %s, want done", chunks[len(chunks)-1].Type)
	}
}

func TestMessagesRequiresContent(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/v1/messages", env.token, map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if e := decodeError(t, resp); e.Code != penny.CodeInvalidParams {
		t.Errorf("code = %s", e.Code)
	}
}

func TestMessagesCrossTenantConversationIs404(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.store.CreateTenant(ctx, penny.Tenant{ID: "t2", Active: true})
	env.store.CreateConversation(ctx, penny.Conversation{ID: "conv-b", TenantID: "t2"})

	resp := env.do(t, http.MethodPost, "/v1/messages", env.token, map[string]any{
		"content":         "peek",
		"conversation_id": "conv-b",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 (never 403)", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestMessagesRateLimit(t *testing.T) {
	env := newTestEnv(t, WithMessageRateLimit(penny.RateLimitSpec{Requests: 2, WindowSec: 60}))

	for i := 0; i < 2; i++ {
		resp := env.do(t, http.MethodPost, "/v1/messages", env.token, map[string]any{"content": "hi"})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, resp.StatusCode)
		}
		resp.Body.Close()
	}
	resp := env.do(t, http.MethodPost, "/v1/messages", env.token, map[string]any{"content": "hi"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third request: status = %d, want 429", resp.StatusCode)
	}
	e := decodeError(t, resp)
	if e.Code != penny.CodeRateLimited {
		t.Errorf("code = %s", e.Code)
	}
	if !e.Retryable {
		t.Error("rate limit errors must be marked retryable")
	}
}

func TestTenantDisabledIs409(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tenant, _ := env.store.GetTenant(ctx, "t1")
	tenant.Active = false
	env.store.UpdateTenant(ctx, tenant)

	resp := env.do(t, http.MethodPost, "/v1/messages", env.token, map[string]any{"content": "hi"})
	// The authenticator rejects disabled tenants outright.
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if e := decodeError(t, resp); e.Code != penny.CodeTenantDisabled {
		t.Errorf("code = %s", e.Code)
	}
}
