// Package sqlite implements penny.Store using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pennylabs/penny"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements penny.Store backed by a local SQLite file. Compound
// values (tool calls, metadata, routing rules, execution metrics) are
// stored as JSON text.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ penny.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			enabled_models TEXT,
			enabled_tools TEXT,
			disabled_tools TEXT,
			features TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			title TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT,
			parent_id TEXT,
			token_count INTEGER NOT NULL DEFAULT 0,
			metadata TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			language TEXT,
			title TEXT,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			user_id TEXT,
			name TEXT,
			hash TEXT NOT NULL UNIQUE,
			scopes TEXT,
			active INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0,
			last_used_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS routing_policies (
			tenant_id TEXT PRIMARY KEY,
			default_model TEXT NOT NULL,
			fallback_models TEXT,
			rules TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS tool_executions (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			principal_id TEXT,
			tool_name TEXT NOT NULL,
			params TEXT,
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL DEFAULT 0,
			completed_at INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			retries INTEGER NOT NULL DEFAULT 0,
			result TEXT,
			error TEXT,
			error_code TEXT,
			metrics TEXT,
			logs TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS usage_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id TEXT NOT NULL,
			metric TEXT NOT NULL,
			value REAL NOT NULL,
			unit TEXT,
			ts INTEGER NOT NULL,
			metadata TEXT
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_conversations_tenant ON conversations(tenant_id, updated_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(tenant_id, conversation_id, created_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_artifacts_message ON artifacts(tenant_id, message_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_api_keys_tenant ON api_keys(tenant_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_executions_tenant ON tool_executions(tenant_id, tool_name, created_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_usage_tenant ON usage_metrics(tenant_id, metric, ts)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// --- Tenants ---

func (s *Store) CreateTenant(ctx context.Context, t penny.Tenant) error {
	start := time.Now()
	s.logger.Debug("sqlite: create tenant", "id", t.ID, "name", t.Name)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, active, enabled_models, enabled_tools, disabled_tools, features, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, boolToInt(t.Active),
		jsonOrNil(t.EnabledModels), jsonOrNil(t.EnabledTools), jsonOrNil(t.DisabledTools), jsonOrNil(t.Features),
		t.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: create tenant failed", "id", t.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("create tenant: %w", err)
	}
	s.logger.Debug("sqlite: create tenant ok", "id", t.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) GetTenant(ctx context.Context, id string) (penny.Tenant, error) {
	var t penny.Tenant
	var active int
	var models, etools, dtools, features sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, active, enabled_models, enabled_tools, disabled_tools, features, created_at
		 FROM tenants WHERE id = ?`, id,
	).Scan(&t.ID, &t.Name, &active, &models, &etools, &dtools, &features, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return penny.Tenant{}, penny.ErrNotFound
	}
	if err != nil {
		return penny.Tenant{}, fmt.Errorf("get tenant: %w", err)
	}
	t.Active = active != 0
	unmarshalNullable(models, &t.EnabledModels)
	unmarshalNullable(etools, &t.EnabledTools)
	unmarshalNullable(dtools, &t.DisabledTools)
	unmarshalNullable(features, &t.Features)
	return t, nil
}

func (s *Store) UpdateTenant(ctx context.Context, t penny.Tenant) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET name=?, active=?, enabled_models=?, enabled_tools=?, disabled_tools=?, features=? WHERE id=?`,
		t.Name, boolToInt(t.Active),
		jsonOrNil(t.EnabledModels), jsonOrNil(t.EnabledTools), jsonOrNil(t.DisabledTools), jsonOrNil(t.Features),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update tenant: %w", err)
	}
	return noRowsToNotFound(res)
}

// --- Conversations ---

func (s *Store) CreateConversation(ctx context.Context, c penny.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, tenant_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.Title, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, tenantID, id string) (penny.Conversation, error) {
	var c penny.Conversation
	var title sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, title, created_at, updated_at FROM conversations WHERE id = ? AND tenant_id = ?`,
		id, tenantID,
	).Scan(&c.ID, &c.TenantID, &title, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return penny.Conversation{}, penny.ErrNotFound
	}
	if err != nil {
		return penny.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	if title.Valid {
		c.Title = title.String
	}
	return c, nil
}

func (s *Store) ListConversations(ctx context.Context, tenantID string, limit int) ([]penny.Conversation, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, title, created_at, updated_at
		 FROM conversations WHERE tenant_id = ?
		 ORDER BY updated_at DESC LIMIT ?`,
		tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []penny.Conversation
	for rows.Next() {
		var c penny.Conversation
		var title sql.NullString
		if err := rows.Scan(&c.ID, &c.TenantID, &title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		if title.Valid {
			c.Title = title.String
		}
		out = append(out, c)
	}
	s.logger.Debug("sqlite: list conversations ok", "tenant_id", tenantID, "count", len(out), "duration", time.Since(start))
	return out, rows.Err()
}

func (s *Store) TouchConversation(ctx context.Context, tenantID, id string, at int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ? AND tenant_id = ?`, at, id, tenantID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return noRowsToNotFound(res)
}

// --- Messages ---

func (s *Store) StoreMessage(ctx context.Context, msg penny.Message) error {
	start := time.Now()
	s.logger.Debug("sqlite: store message", "id", msg.ID, "conversation_id", msg.ConversationID, "role", msg.Role)

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO messages (id, conversation_id, tenant_id, role, content, tool_calls, parent_id, token_count, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.TenantID, msg.Role, msg.Content,
		jsonOrNil(msg.ToolCalls), nullIfEmpty(msg.ParentID), msg.TokenCount, jsonOrNil(msg.Metadata), msg.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: store message failed", "id", msg.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("store message: %w", err)
	}
	s.logger.Debug("sqlite: store message ok", "id", msg.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) UpdateMessage(ctx context.Context, msg penny.Message) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content=?, tool_calls=?, token_count=?, metadata=? WHERE id=? AND tenant_id=?`,
		msg.Content, jsonOrNil(msg.ToolCalls), msg.TokenCount, jsonOrNil(msg.Metadata), msg.ID, msg.TenantID,
	)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return noRowsToNotFound(res)
}

// GetMessages returns the most recent messages for a conversation, ordered
// chronologically (oldest first).
func (s *Store) GetMessages(ctx context.Context, tenantID, conversationID string, limit int) ([]penny.Message, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get messages", "conversation_id", conversationID, "limit", limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, tenant_id, role, content, tool_calls, parent_id, token_count, metadata, created_at
		 FROM messages
		 WHERE tenant_id = ? AND conversation_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		tenantID, conversationID, limit,
	)
	if err != nil {
		s.logger.Error("sqlite: get messages failed", "conversation_id", conversationID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var messages []penny.Message
	for rows.Next() {
		var m penny.Message
		var toolCalls, parentID, metadata sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.TenantID, &m.Role, &m.Content, &toolCalls, &parentID, &m.TokenCount, &metadata, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		unmarshalNullable(toolCalls, &m.ToolCalls)
		unmarshalNullable(metadata, &m.Metadata)
		if parentID.Valid {
			m.ParentID = parentID.String
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	s.logger.Debug("sqlite: get messages ok", "conversation_id", conversationID, "count", len(messages), "duration", time.Since(start))
	return messages, nil
}

// --- Artifacts ---

func (s *Store) StoreArtifact(ctx context.Context, a penny.Artifact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO artifacts (id, tenant_id, message_id, kind, language, title, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, a.MessageID, a.Kind, nullIfEmpty(a.Language), nullIfEmpty(a.Title), a.Content, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store artifact: %w", err)
	}
	return nil
}

func (s *Store) ListArtifacts(ctx context.Context, tenantID, messageID string) ([]penny.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, message_id, kind, language, title, content, created_at
		 FROM artifacts WHERE tenant_id = ? AND message_id = ? ORDER BY created_at`,
		tenantID, messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []penny.Artifact
	for rows.Next() {
		var a penny.Artifact
		var lang, title sql.NullString
		if err := rows.Scan(&a.ID, &a.TenantID, &a.MessageID, &a.Kind, &lang, &title, &a.Content, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		if lang.Valid {
			a.Language = lang.String
		}
		if title.Valid {
			a.Title = title.String
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- API keys ---

func (s *Store) CreateAPIKey(ctx context.Context, k penny.APIKey) error {
	start := time.Now()
	s.logger.Debug("sqlite: create api key", "id", k.ID, "tenant_id", k.TenantID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, tenant_id, user_id, name, hash, scopes, active, created_at, expires_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.TenantID, nullIfEmpty(k.UserID), nullIfEmpty(k.Name), k.Hash,
		jsonOrNil(k.Scopes), boolToInt(k.Active), k.CreatedAt, k.ExpiresAt, k.LastUsedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: create api key failed", "id", k.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (penny.APIKey, error) {
	var k penny.APIKey
	var userID, name, scopes sql.NullString
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, user_id, name, hash, scopes, active, created_at, expires_at, last_used_at
		 FROM api_keys WHERE hash = ?`, hash,
	).Scan(&k.ID, &k.TenantID, &userID, &name, &k.Hash, &scopes, &active, &k.CreatedAt, &k.ExpiresAt, &k.LastUsedAt)
	if err == sql.ErrNoRows {
		return penny.APIKey{}, penny.ErrNotFound
	}
	if err != nil {
		return penny.APIKey{}, fmt.Errorf("get api key: %w", err)
	}
	k.Active = active != 0
	if userID.Valid {
		k.UserID = userID.String
	}
	if name.Valid {
		k.Name = name.String
	}
	unmarshalNullable(scopes, &k.Scopes)
	return k, nil
}

func (s *Store) ListAPIKeys(ctx context.Context, tenantID string) ([]penny.APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, user_id, name, hash, scopes, active, created_at, expires_at, last_used_at
		 FROM api_keys WHERE tenant_id = ? ORDER BY created_at DESC`, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var out []penny.APIKey
	for rows.Next() {
		var k penny.APIKey
		var userID, name, scopes sql.NullString
		var active int
		if err := rows.Scan(&k.ID, &k.TenantID, &userID, &name, &k.Hash, &scopes, &active, &k.CreatedAt, &k.ExpiresAt, &k.LastUsedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		k.Active = active != 0
		if userID.Valid {
			k.UserID = userID.String
		}
		if name.Valid {
			k.Name = name.String
		}
		unmarshalNullable(scopes, &k.Scopes)
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Store) RevokeAPIKey(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET active = 0 WHERE id = ? AND tenant_id = ?`, id, tenantID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	return noRowsToNotFound(res)
}

func (s *Store) TouchAPIKey(ctx context.Context, id string, at int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

// --- Routing policies ---

func (s *Store) PutRoutingPolicy(ctx context.Context, p penny.RoutingPolicy) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO routing_policies (tenant_id, default_model, fallback_models, rules)
		 VALUES (?, ?, ?, ?)`,
		p.TenantID, p.DefaultModel, jsonOrNil(p.FallbackModels), jsonOrNil(p.Rules),
	)
	if err != nil {
		return fmt.Errorf("put routing policy: %w", err)
	}
	return nil
}

func (s *Store) GetRoutingPolicy(ctx context.Context, tenantID string) (penny.RoutingPolicy, error) {
	var p penny.RoutingPolicy
	var fallbacks, rules sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, default_model, fallback_models, rules FROM routing_policies WHERE tenant_id = ?`,
		tenantID,
	).Scan(&p.TenantID, &p.DefaultModel, &fallbacks, &rules)
	if err == sql.ErrNoRows {
		return penny.RoutingPolicy{}, penny.ErrNotFound
	}
	if err != nil {
		return penny.RoutingPolicy{}, fmt.Errorf("get routing policy: %w", err)
	}
	unmarshalNullable(fallbacks, &p.FallbackModels)
	unmarshalNullable(rules, &p.Rules)
	return p, nil
}

// --- Tool executions ---

func (s *Store) StoreToolExecution(ctx context.Context, e penny.ToolExecution) error {
	start := time.Now()
	s.logger.Debug("sqlite: store tool execution", "id", e.ID, "tool", e.ToolName, "status", e.Status)

	metrics, _ := json.Marshal(e.Metrics)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tool_executions
		 (id, tenant_id, principal_id, tool_name, params, status, started_at, completed_at, duration_ms, retries, result, error, error_code, metrics, logs, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, nullIfEmpty(e.PrincipalID), e.ToolName, jsonOrNil(e.Params), string(e.Status),
		e.StartedAt, e.CompletedAt, e.DurationMs, e.Retries,
		jsonOrNil(e.Result), nullIfEmpty(e.Error), nullIfEmpty(string(e.ErrorCode)),
		string(metrics), jsonOrNil(e.Logs), e.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: store tool execution failed", "id", e.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("store tool execution: %w", err)
	}
	return nil
}

func (s *Store) UpdateToolExecution(ctx context.Context, e penny.ToolExecution) error {
	metrics, _ := json.Marshal(e.Metrics)
	res, err := s.db.ExecContext(ctx,
		`UPDATE tool_executions SET status=?, started_at=?, completed_at=?, duration_ms=?, retries=?, result=?, error=?, error_code=?, metrics=?, logs=?
		 WHERE id=? AND tenant_id=?`,
		string(e.Status), e.StartedAt, e.CompletedAt, e.DurationMs, e.Retries,
		jsonOrNil(e.Result), nullIfEmpty(e.Error), nullIfEmpty(string(e.ErrorCode)),
		string(metrics), jsonOrNil(e.Logs), e.ID, e.TenantID,
	)
	if err != nil {
		return fmt.Errorf("update tool execution: %w", err)
	}
	return noRowsToNotFound(res)
}

func (s *Store) GetToolExecution(ctx context.Context, tenantID, id string) (penny.ToolExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, principal_id, tool_name, params, status, started_at, completed_at, duration_ms, retries, result, error, error_code, metrics, logs, created_at
		 FROM tool_executions WHERE id = ? AND tenant_id = ?`, id, tenantID)
	e, err := scanToolExecution(row)
	if err == sql.ErrNoRows {
		return penny.ToolExecution{}, penny.ErrNotFound
	}
	if err != nil {
		return penny.ToolExecution{}, fmt.Errorf("get tool execution: %w", err)
	}
	return e, nil
}

func (s *Store) ListToolExecutions(ctx context.Context, tenantID, toolName string, limit int) ([]penny.ToolExecution, error) {
	query := `SELECT id, tenant_id, principal_id, tool_name, params, status, started_at, completed_at, duration_ms, retries, result, error, error_code, metrics, logs, created_at
		 FROM tool_executions WHERE tenant_id = ?`
	args := []any{tenantID}
	if toolName != "" {
		query += ` AND tool_name = ?`
		args = append(args, toolName)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
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

// --- Usage ---

func (s *Store) AppendUsage(ctx context.Context, rec penny.UsageRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_metrics (tenant_id, metric, value, unit, ts, metadata) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.TenantID, string(rec.Metric), rec.Value, nullIfEmpty(rec.Unit), rec.Timestamp, jsonOrNil(rec.Metadata),
	)
	if err != nil {
		return fmt.Errorf("append usage: %w", err)
	}
	return nil
}

func (s *Store) SumUsage(ctx context.Context, tenantID string, metric penny.UsageMetric, since int64) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(value) FROM usage_metrics WHERE tenant_id = ? AND metric = ? AND ts >= ?`,
		tenantID, string(metric), since,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum usage: %w", err)
	}
	return total.Float64, nil
}

// DB returns the underlying *sql.DB for advanced callers.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

// --- Scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToolExecution(row rowScanner) (penny.ToolExecution, error) {
	var e penny.ToolExecution
	var principalID, params, result, errMsg, errCode, metrics, logs sql.NullString
	var status string
	err := row.Scan(&e.ID, &e.TenantID, &principalID, &e.ToolName, &params, &status,
		&e.StartedAt, &e.CompletedAt, &e.DurationMs, &e.Retries,
		&result, &errMsg, &errCode, &metrics, &logs, &e.CreatedAt)
	if err != nil {
		return penny.ToolExecution{}, err
	}
	e.Status = penny.ExecStatus(status)
	if principalID.Valid {
		e.PrincipalID = principalID.String
	}
	unmarshalNullable(params, &e.Params)
	unmarshalNullable(result, &e.Result)
	if errMsg.Valid {
		e.Error = errMsg.String
	}
	if errCode.Valid {
		e.ErrorCode = penny.Code(errCode.String)
	}
	if metrics.Valid {
		_ = json.Unmarshal([]byte(metrics.String), &e.Metrics)
	}
	unmarshalNullable(logs, &e.Logs)
	return e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// jsonOrNil serializes v to JSON text, or NULL when v is empty.
func jsonOrNil(v any) *string {
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
	out := string(data)
	return &out
}

func unmarshalNullable[T any](ns sql.NullString, dst *T) {
	if ns.Valid && ns.String != "" {
		_ = json.Unmarshal([]byte(ns.String), dst)
	}
}

// noRowsToNotFound maps a zero-row UPDATE to ErrNotFound.
func noRowsToNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return penny.ErrNotFound
	}
	return nil
}
