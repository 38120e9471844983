// Package postgres implements penny.Store using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool. Compound values live
// in JSONB columns so routing rules and execution metrics stay queryable
// from SQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pennylabs/penny"
)

// Store implements penny.Store backed by PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ penny.Store = (*Store)(nil)

// Option configures a PostgreSQL Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables and indexes. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			enabled_models JSONB,
			enabled_tools JSONB,
			disabled_tools JSONB,
			features JSONB,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			title TEXT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls JSONB,
			parent_id TEXT,
			token_count INTEGER NOT NULL DEFAULT 0,
			metadata JSONB,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			language TEXT,
			title TEXT,
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			user_id TEXT,
			name TEXT,
			hash TEXT NOT NULL UNIQUE,
			scopes JSONB,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL DEFAULT 0,
			last_used_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS routing_policies (
			tenant_id TEXT PRIMARY KEY,
			default_model TEXT NOT NULL,
			fallback_models JSONB,
			rules JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS tool_executions (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			principal_id TEXT,
			tool_name TEXT NOT NULL,
			params JSONB,
			status TEXT NOT NULL,
			started_at BIGINT NOT NULL DEFAULT 0,
			completed_at BIGINT NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			retries INTEGER NOT NULL DEFAULT 0,
			result JSONB,
			error TEXT,
			error_code TEXT,
			metrics JSONB,
			logs JSONB,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS usage_metrics (
			id BIGSERIAL PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			metric TEXT NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			unit TEXT,
			ts BIGINT NOT NULL,
			metadata JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_tenant ON conversations(tenant_id, updated_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(tenant_id, conversation_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_message ON artifacts(tenant_id, message_id)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_tenant ON api_keys(tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_tenant ON tool_executions(tenant_id, tool_name, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_tenant ON usage_metrics(tenant_id, metric, ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	s.logger.Debug("postgres: schema ready", "duration", time.Since(start))
	return nil
}

func (s *Store) CreateTenant(ctx context.Context, t penny.Tenant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenants (id, name, active, enabled_models, enabled_tools, disabled_tools, features, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.Name, t.Active,
		jsonb(t.EnabledModels), jsonb(t.EnabledTools), jsonb(t.DisabledTools), jsonb(t.Features),
		t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

func (s *Store) GetTenant(ctx context.Context, id string) (penny.Tenant, error) {
	var t penny.Tenant
	var models, etools, dtools, features []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, active, enabled_models, enabled_tools, disabled_tools, features, created_at
		 FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.Active, &models, &etools, &dtools, &features, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return penny.Tenant{}, penny.ErrNotFound
	}
	if err != nil {
		return penny.Tenant{}, fmt.Errorf("get tenant: %w", err)
	}
	unmarshalJSONB(models, &t.EnabledModels)
	unmarshalJSONB(etools, &t.EnabledTools)
	unmarshalJSONB(dtools, &t.DisabledTools)
	unmarshalJSONB(features, &t.Features)
	return t, nil
}

func (s *Store) UpdateTenant(ctx context.Context, t penny.Tenant) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tenants SET name = $1, active = $2, enabled_models = $3, enabled_tools = $4,
		   disabled_tools = $5, features = $6 WHERE id = $7`,
		t.Name, t.Active,
		jsonb(t.EnabledModels), jsonb(t.EnabledTools), jsonb(t.DisabledTools), jsonb(t.Features),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update tenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return penny.ErrNotFound
	}
	return nil
}

func (s *Store) CreateConversation(ctx context.Context, c penny.Conversation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, tenant_id, title, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.TenantID, c.Title, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, tenantID, id string) (penny.Conversation, error) {
	var c penny.Conversation
	var title *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, title, created_at, updated_at FROM conversations WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	).Scan(&c.ID, &c.TenantID, &title, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return penny.Conversation{}, penny.ErrNotFound
	}
	if err != nil {
		return penny.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	if title != nil {
		c.Title = *title
	}
	return c, nil
}

func (s *Store) ListConversations(ctx context.Context, tenantID string, limit int) ([]penny.Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, title, created_at, updated_at
		 FROM conversations WHERE tenant_id = $1 ORDER BY updated_at DESC LIMIT $2`,
		tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []penny.Conversation
	for rows.Next() {
		var c penny.Conversation
		var title *string
		if err := rows.Scan(&c.ID, &c.TenantID, &title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		if title != nil {
			c.Title = *title
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) TouchConversation(ctx context.Context, tenantID, id string, at int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET updated_at = $1 WHERE id = $2 AND tenant_id = $3`, at, id, tenantID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return penny.ErrNotFound
	}
	return nil
}

func (s *Store) StoreMessage(ctx context.Context, msg penny.Message) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, tenant_id, role, content, tool_calls, parent_id, token_count, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content, tool_calls = EXCLUDED.tool_calls,
		   token_count = EXCLUDED.token_count, metadata = EXCLUDED.metadata`,
		msg.ID, msg.ConversationID, msg.TenantID, msg.Role, msg.Content,
		jsonb(msg.ToolCalls), textOrNil(msg.ParentID), msg.TokenCount, jsonb(msg.Metadata), msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	return nil
}

func (s *Store) UpdateMessage(ctx context.Context, msg penny.Message) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET content = $1, tool_calls = $2, token_count = $3, metadata = $4
		 WHERE id = $5 AND tenant_id = $6`,
		msg.Content, jsonb(msg.ToolCalls), msg.TokenCount, jsonb(msg.Metadata), msg.ID, msg.TenantID,
	)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return penny.ErrNotFound
	}
	return nil
}

// GetMessages returns the most recent messages of a conversation in
// chronological order.
func (s *Store) GetMessages(ctx context.Context, tenantID, conversationID string, limit int) ([]penny.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, tenant_id, role, content, tool_calls, parent_id, token_count, metadata, created_at
		 FROM (
			SELECT * FROM messages
			WHERE tenant_id = $1 AND conversation_id = $2
			ORDER BY created_at DESC, id DESC
			LIMIT $3
		 ) recent ORDER BY created_at ASC, id ASC`,
		tenantID, conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var messages []penny.Message
	for rows.Next() {
		var m penny.Message
		var toolCalls, metadata []byte
		var parentID *string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.TenantID, &m.Role, &m.Content,
			&toolCalls, &parentID, &m.TokenCount, &metadata, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		unmarshalJSONB(toolCalls, &m.ToolCalls)
		unmarshalJSONB(metadata, &m.Metadata)
		if parentID != nil {
			m.ParentID = *parentID
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *Store) StoreArtifact(ctx context.Context, a penny.Artifact) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO artifacts (id, tenant_id, message_id, kind, language, title, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (id) DO NOTHING`,
		a.ID, a.TenantID, a.MessageID, a.Kind, textOrNil(a.Language), textOrNil(a.Title), a.Content, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store artifact: %w", err)
	}
	return nil
}

func (s *Store) ListArtifacts(ctx context.Context, tenantID, messageID string) ([]penny.Artifact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, message_id, kind, language, title, content, created_at
		 FROM artifacts WHERE tenant_id = $1 AND message_id = $2 ORDER BY created_at`,
		tenantID, messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []penny.Artifact
	for rows.Next() {
		var a penny.Artifact
		var lang, title *string
		if err := rows.Scan(&a.ID, &a.TenantID, &a.MessageID, &a.Kind, &lang, &title, &a.Content, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		if lang != nil {
			a.Language = *lang
		}
		if title != nil {
			a.Title = *title
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) CreateAPIKey(ctx context.Context, k penny.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, tenant_id, user_id, name, hash, scopes, active, created_at, expires_at, last_used_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		k.ID, k.TenantID, textOrNil(k.UserID), textOrNil(k.Name), k.Hash,
		jsonb(k.Scopes), k.Active, k.CreatedAt, k.ExpiresAt, k.LastUsedAt,
	)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (penny.APIKey, error) {
	var k penny.APIKey
	var userID, name *string
	var scopes []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, user_id, name, hash, scopes, active, created_at, expires_at, last_used_at
		 FROM api_keys WHERE hash = $1`, hash,
	).Scan(&k.ID, &k.TenantID, &userID, &name, &k.Hash, &scopes, &k.Active, &k.CreatedAt, &k.ExpiresAt, &k.LastUsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return penny.APIKey{}, penny.ErrNotFound
	}
	if err != nil {
		return penny.APIKey{}, fmt.Errorf("get api key: %w", err)
	}
	if userID != nil {
		k.UserID = *userID
	}
	if name != nil {
		k.Name = *name
	}
	unmarshalJSONB(scopes, &k.Scopes)
	return k, nil
}

func (s *Store) ListAPIKeys(ctx context.Context, tenantID string) ([]penny.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, user_id, name, hash, scopes, active, created_at, expires_at, last_used_at
		 FROM api_keys WHERE tenant_id = $1 ORDER BY created_at DESC`, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var out []penny.APIKey
	for rows.Next() {
		var k penny.APIKey
		var userID, name *string
		var scopes []byte
		if err := rows.Scan(&k.ID, &k.TenantID, &userID, &name, &k.Hash, &scopes, &k.Active,
			&k.CreatedAt, &k.ExpiresAt, &k.LastUsedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		if userID != nil {
			k.UserID = *userID
		}
		if name != nil {
			k.Name = *name
		}
		unmarshalJSONB(scopes, &k.Scopes)
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Store) RevokeAPIKey(ctx context.Context, tenantID, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET active = FALSE WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return penny.ErrNotFound
	}
	return nil
}

func (s *Store) TouchAPIKey(ctx context.Context, id string, at int64) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = $1 WHERE id = $2`, at, id); err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

func (s *Store) PutRoutingPolicy(ctx context.Context, p penny.RoutingPolicy) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO routing_policies (tenant_id, default_model, fallback_models, rules)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant_id) DO UPDATE SET default_model = EXCLUDED.default_model,
		   fallback_models = EXCLUDED.fallback_models, rules = EXCLUDED.rules`,
		p.TenantID, p.DefaultModel, jsonb(p.FallbackModels), jsonb(p.Rules),
	)
	if err != nil {
		return fmt.Errorf("put routing policy: %w", err)
	}
	return nil
}

func (s *Store) GetRoutingPolicy(ctx context.Context, tenantID string) (penny.RoutingPolicy, error) {
	var p penny.RoutingPolicy
	var fallbacks, rules []byte
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, default_model, fallback_models, rules FROM routing_policies WHERE tenant_id = $1`,
		tenantID,
	).Scan(&p.TenantID, &p.DefaultModel, &fallbacks, &rules)
	if errors.Is(err, pgx.ErrNoRows) {
		return penny.RoutingPolicy{}, penny.ErrNotFound
	}
	if err != nil {
		return penny.RoutingPolicy{}, fmt.Errorf("get routing policy: %w", err)
	}
	unmarshalJSONB(fallbacks, &p.FallbackModels)
	unmarshalJSONB(rules, &p.Rules)
	return p, nil
}

func (s *Store) StoreToolExecution(ctx context.Context, e penny.ToolExecution) error {
	metrics, _ := json.Marshal(e.Metrics)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tool_executions
		 (id, tenant_id, principal_id, tool_name, params, status, started_at, completed_at,
		  duration_ms, retries, result, error, error_code, metrics, logs, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, started_at = EXCLUDED.started_at,
		   completed_at = EXCLUDED.completed_at, duration_ms = EXCLUDED.duration_ms,
		   retries = EXCLUDED.retries, result = EXCLUDED.result, error = EXCLUDED.error,
		   error_code = EXCLUDED.error_code, metrics = EXCLUDED.metrics, logs = EXCLUDED.logs`,
		e.ID, e.TenantID, textOrNil(e.PrincipalID), e.ToolName, jsonb(e.Params), string(e.Status),
		e.StartedAt, e.CompletedAt, e.DurationMs, e.Retries,
		jsonb(e.Result), textOrNil(e.Error), textOrNil(string(e.ErrorCode)),
		metrics, jsonb(e.Logs), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store tool execution: %w", err)
	}
	return nil
}

func (s *Store) UpdateToolExecution(ctx context.Context, e penny.ToolExecution) error {
	metrics, _ := json.Marshal(e.Metrics)
	tag, err := s.pool.Exec(ctx,
		`UPDATE tool_executions SET status = $1, started_at = $2, completed_at = $3, duration_ms = $4,
		   retries = $5, result = $6, error = $7, error_code = $8, metrics = $9, logs = $10
		 WHERE id = $11 AND tenant_id = $12`,
		string(e.Status), e.StartedAt, e.CompletedAt, e.DurationMs, e.Retries,
		jsonb(e.Result), textOrNil(e.Error), textOrNil(string(e.ErrorCode)), metrics, jsonb(e.Logs),
		e.ID, e.TenantID,
	)
	if err != nil {
		return fmt.Errorf("update tool execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return penny.ErrNotFound
	}
	return nil
}

func (s *Store) GetToolExecution(ctx context.Context, tenantID, id string) (penny.ToolExecution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, principal_id, tool_name, params, status, started_at, completed_at,
		   duration_ms, retries, result, error, error_code, metrics, logs, created_at
		 FROM tool_executions WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	e, err := scanToolExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return penny.ToolExecution{}, penny.ErrNotFound
	}
	if err != nil {
		return penny.ToolExecution{}, fmt.Errorf("get tool execution: %w", err)
	}
	return e, nil
}

func (s *Store) ListToolExecutions(ctx context.Context, tenantID, toolName string, limit int) ([]penny.ToolExecution, error) {
	query := `SELECT id, tenant_id, principal_id, tool_name, params, status, started_at, completed_at,
		   duration_ms, retries, result, error, error_code, metrics, logs, created_at
		 FROM tool_executions WHERE tenant_id = $1`
	args := []any{tenantID}
	if toolName != "" {
		query += ` AND tool_name = $2 ORDER BY created_at DESC LIMIT $3`
		args = append(args, toolName, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tool executions: %w", err)
	}
	defer rows.Close()

	var out []penny.ToolExecution
	for rows.Next() {
		e, err := scanToolExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tool execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) AppendUsage(ctx context.Context, rec penny.UsageRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_metrics (tenant_id, metric, value, unit, ts, metadata) VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.TenantID, string(rec.Metric), rec.Value, textOrNil(rec.Unit), rec.Timestamp, jsonb(rec.Metadata),
	)
	if err != nil {
		return fmt.Errorf("append usage: %w", err)
	}
	return nil
}

func (s *Store) SumUsage(ctx context.Context, tenantID string, metric penny.UsageMetric, since int64) (float64, error) {
	var total *float64
	err := s.pool.QueryRow(ctx,
		`SELECT SUM(value) FROM usage_metrics WHERE tenant_id = $1 AND metric = $2 AND ts >= $3`,
		tenantID, string(metric), since,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum usage: %w", err)
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToolExecution(row rowScanner) (penny.ToolExecution, error) {
	var e penny.ToolExecution
	var principalID, errMsg, errCode *string
	var params, result, metrics, logs []byte
	var status string
	err := row.Scan(&e.ID, &e.TenantID, &principalID, &e.ToolName, &params, &status,
		&e.StartedAt, &e.CompletedAt, &e.DurationMs, &e.Retries,
		&result, &errMsg, &errCode, &metrics, &logs, &e.CreatedAt)
	if err != nil {
		return penny.ToolExecution{}, err
	}
	e.Status = penny.ExecStatus(status)
	if principalID != nil {
		e.PrincipalID = *principalID
	}
	if errMsg != nil {
		e.Error = *errMsg
	}
	if errCode != nil {
		e.ErrorCode = penny.Code(*errCode)
	}
	unmarshalJSONB(params, &e.Params)
	unmarshalJSONB(result, &e.Result)
	unmarshalJSONB(metrics, &e.Metrics)
	unmarshalJSONB(logs, &e.Logs)
	return e, nil
}

func textOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// jsonb serializes v for a JSONB column, NULL when empty.
func jsonb(v any) []byte {
	switch t := v.(type) {
	case nil:
		return nil
	case []string:
		if len(t) == 0 {
			return nil
		}
	case map[string]bool:
		if len(t) == 0 {
			return nil
		}
	case map[string]any:
		if len(t) == 0 {
			return nil
		}
	case map[string]string:
		if len(t) == 0 {
			return nil
		}
	case []penny.ToolCall:
		if len(t) == 0 {
			return nil
		}
	case []penny.RoutingRule:
		if len(t) == 0 {
			return nil
		}
	case *penny.ToolOutput:
		if t == nil {
			return nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func unmarshalJSONB[T any](data []byte, dst *T) {
	if len(data) > 0 {
		_ = json.Unmarshal(data, dst)
	}
}
