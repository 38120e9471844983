package penny

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Store lookups that match nothing. Callers
// translate it to a NOT_FOUND coded error; cross-tenant reads surface it
// identically so the response never reveals whether the row exists.
var ErrNotFound = errors.New("not found")

// NotFoundErr reports whether err is a missing-row error, from either the
// sentinel or a coded NOT_FOUND.
func NotFoundErr(err error) bool {
	return errors.Is(err, ErrNotFound) || CodeOf(err) == CodeNotFound
}

// Store abstracts persistence. Every read and write below a tenant boundary
// takes the tenant ID explicitly; implementations must scope queries by it.
type Store interface {
	// --- Tenants ---
	CreateTenant(ctx context.Context, t Tenant) error
	GetTenant(ctx context.Context, id string) (Tenant, error)
	UpdateTenant(ctx context.Context, t Tenant) error

	// --- Conversations ---
	CreateConversation(ctx context.Context, c Conversation) error
	GetConversation(ctx context.Context, tenantID, id string) (Conversation, error)
	ListConversations(ctx context.Context, tenantID string, limit int) ([]Conversation, error)
	TouchConversation(ctx context.Context, tenantID, id string, at int64) error

	// --- Messages ---
	StoreMessage(ctx context.Context, msg Message) error
	UpdateMessage(ctx context.Context, msg Message) error
	GetMessages(ctx context.Context, tenantID, conversationID string, limit int) ([]Message, error)

	// --- Artifacts ---
	StoreArtifact(ctx context.Context, a Artifact) error
	ListArtifacts(ctx context.Context, tenantID, messageID string) ([]Artifact, error)

	// --- API keys ---
	CreateAPIKey(ctx context.Context, k APIKey) error
	GetAPIKeyByHash(ctx context.Context, hash string) (APIKey, error)
	ListAPIKeys(ctx context.Context, tenantID string) ([]APIKey, error)
	RevokeAPIKey(ctx context.Context, tenantID, id string) error
	TouchAPIKey(ctx context.Context, id string, at int64) error

	// --- Routing policies ---
	PutRoutingPolicy(ctx context.Context, p RoutingPolicy) error
	GetRoutingPolicy(ctx context.Context, tenantID string) (RoutingPolicy, error)

	// --- Tool executions ---
	StoreToolExecution(ctx context.Context, e ToolExecution) error
	UpdateToolExecution(ctx context.Context, e ToolExecution) error
	GetToolExecution(ctx context.Context, tenantID, id string) (ToolExecution, error)
	ListToolExecutions(ctx context.Context, tenantID, toolName string, limit int) ([]ToolExecution, error)

	// --- Usage ---
	AppendUsage(ctx context.Context, rec UsageRecord) error
	SumUsage(ctx context.Context, tenantID string, metric UsageMetric, since int64) (float64, error)

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}
