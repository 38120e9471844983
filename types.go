package penny

import "encoding/json"

// --- Domain types (database records) ---

// Tenant is the isolation unit. Every stored entity is partitioned by tenant;
// tenants are mutated only through the admin path and never owned by a request.
type Tenant struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Active        bool            `json:"active"`
	EnabledModels []string        `json:"enabled_models,omitempty"`
	EnabledTools  []string        `json:"enabled_tools,omitempty"`
	DisabledTools []string        `json:"disabled_tools,omitempty"`
	Features      map[string]bool `json:"features,omitempty"`
	CreatedAt     int64           `json:"created_at"`
}

// PrincipalKind distinguishes interactive users from API keys.
type PrincipalKind string

const (
	PrincipalUser   PrincipalKind = "user"
	PrincipalAPIKey PrincipalKind = "api_key"
)

// Principal is the authenticated caller identity, constructed once per
// request and immutable for that request's lifetime.
type Principal struct {
	ID       string        `json:"principal_id"`
	TenantID string        `json:"tenant_id"`
	Kind     PrincipalKind `json:"kind"`
	Scopes   []string      `json:"scopes,omitempty"`
	Roles    []string      `json:"roles,omitempty"`
}

// HasScope reports whether the principal holds scope or the wildcard "*".
func (p Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope || s == "*" {
			return true
		}
	}
	return false
}

type Conversation struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	Title     string `json:"title,omitempty"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// Message is one entry in a conversation. Tool messages carry ParentID
// pointing at the assistant message that requested them.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	TenantID       string         `json:"tenant_id"`
	Role           string         `json:"role"` // "system", "user", "assistant", "tool"
	Content        string         `json:"content"`
	ToolCalls      []ToolCall     `json:"tool_calls,omitempty"`
	ParentID       string         `json:"parent_id,omitempty"`
	TokenCount     int            `json:"token_count"`
	CreatedAt      int64          `json:"created_at"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Artifact is a generated resource (code block, table, chart) attached to a
// message.
type Artifact struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	MessageID string `json:"message_id"`
	Kind      string `json:"kind"` // "html", "css", "code", "json", "markdown", ...
	Language  string `json:"language,omitempty"`
	Title     string `json:"title,omitempty"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// APIKey is the stored form of an API credential. Only the SHA-256 hash is
// persisted; the plaintext is shown exactly once at creation.
type APIKey struct {
	ID         string   `json:"id"`
	TenantID   string   `json:"tenant_id"`
	UserID     string   `json:"user_id"`
	Name       string   `json:"name,omitempty"`
	Hash       string   `json:"-"`
	Scopes     []string `json:"scopes,omitempty"`
	Active     bool     `json:"active"`
	CreatedAt  int64    `json:"created_at"`
	ExpiresAt  int64    `json:"expires_at,omitempty"` // 0 = never
	LastUsedAt int64    `json:"last_used_at,omitempty"`
}

// UsageMetric names a counted quantity.
type UsageMetric string

const (
	MetricTokensIn      UsageMetric = "tokens_in"
	MetricTokensOut     UsageMetric = "tokens_out"
	MetricRequests      UsageMetric = "requests"
	MetricLatencyMs     UsageMetric = "latency_ms"
	MetricToolExecution UsageMetric = "tool_execution"
	MetricCost          UsageMetric = "cost"
)

// UsageRecord is an append-only accounting entry. It refers to a tenant but
// never prevents its deletion.
type UsageRecord struct {
	TenantID  string            `json:"tenant_id"`
	Metric    UsageMetric       `json:"metric"`
	Value     float64           `json:"value"`
	Unit      string            `json:"unit,omitempty"`
	Timestamp int64             `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// --- LLM protocol types ---

// ChatMessage is the provider-facing message shape. Content may be plain
// text or a heterogeneous list of parts; adapters project it into the
// upstream's native shape.
type ChatMessage struct {
	Role       string        `json:"role"` // "system", "user", "assistant", "tool"
	Content    string        `json:"content"`
	Parts      []ContentPart `json:"parts,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// ContentPart is one element of a multimodal message.
type ContentPart struct {
	Type     string `json:"type"` // "text" or "image"
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Base64   string `json:"base64,omitempty"`
}

// HasImage reports whether the message carries an image part.
func (m ChatMessage) HasImage() bool {
	for _, p := range m.Parts {
		if p.Type == "image" {
			return true
		}
	}
	return false
}

type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolSpec is the provider-facing tool declaration (name + JSON Schema).
// The registry projects its richer ToolDefinition down to this.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}
