// Package memory implements penny.Store entirely in process memory.
// It backs tests and short-lived development servers; nothing survives
// a restart.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/pennylabs/penny"
)

// Store is a map-backed penny.Store. All methods are safe for
// concurrent use.
type Store struct {
	mu sync.RWMutex

	tenants       map[string]penny.Tenant
	conversations map[string]penny.Conversation
	messages      map[string]penny.Message
	artifacts     map[string]penny.Artifact
	apiKeys       map[string]penny.APIKey
	policies      map[string]penny.RoutingPolicy
	executions    map[string]penny.ToolExecution
	usage         []penny.UsageRecord
}

var _ penny.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		tenants:       make(map[string]penny.Tenant),
		conversations: make(map[string]penny.Conversation),
		messages:      make(map[string]penny.Message),
		artifacts:     make(map[string]penny.Artifact),
		apiKeys:       make(map[string]penny.APIKey),
		policies:      make(map[string]penny.RoutingPolicy),
		executions:    make(map[string]penny.ToolExecution),
	}
}

// Init is a no-op; the maps are created in New.
func (s *Store) Init(ctx context.Context) error { return nil }

func (s *Store) CreateTenant(ctx context.Context, t penny.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[t.ID] = t
	return nil
}

func (s *Store) GetTenant(ctx context.Context, id string) (penny.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return penny.Tenant{}, penny.ErrNotFound
	}
	return t, nil
}

func (s *Store) UpdateTenant(ctx context.Context, t penny.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.ID]; !ok {
		return penny.ErrNotFound
	}
	s.tenants[t.ID] = t
	return nil
}

func (s *Store) CreateConversation(ctx context.Context, c penny.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.ID] = c
	return nil
}

func (s *Store) GetConversation(ctx context.Context, tenantID, id string) (penny.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok || c.TenantID != tenantID {
		return penny.Conversation{}, penny.ErrNotFound
	}
	return c, nil
}

func (s *Store) ListConversations(ctx context.Context, tenantID string, limit int) ([]penny.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []penny.Conversation
	for _, c := range s.conversations {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) TouchConversation(ctx context.Context, tenantID, id string, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok || c.TenantID != tenantID {
		return penny.ErrNotFound
	}
	c.UpdatedAt = at
	s.conversations[id] = c
	return nil
}

func (s *Store) StoreMessage(ctx context.Context, msg penny.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ID] = msg
	return nil
}

func (s *Store) UpdateMessage(ctx context.Context, msg penny.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.messages[msg.ID]
	if !ok || existing.TenantID != msg.TenantID {
		return penny.ErrNotFound
	}
	s.messages[msg.ID] = msg
	return nil
}

// GetMessages returns the most recent messages of a conversation in
// chronological order.
func (s *Store) GetMessages(ctx context.Context, tenantID, conversationID string, limit int) ([]penny.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []penny.Message
	for _, m := range s.messages {
		if m.TenantID == tenantID && m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) StoreArtifact(ctx context.Context, a penny.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[a.ID] = a
	return nil
}

func (s *Store) ListArtifacts(ctx context.Context, tenantID, messageID string) ([]penny.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []penny.Artifact
	for _, a := range s.artifacts {
		if a.TenantID == tenantID && a.MessageID == messageID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *Store) CreateAPIKey(ctx context.Context, k penny.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKeys[k.ID] = k
	return nil
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (penny.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.apiKeys {
		if k.Hash == hash {
			return k, nil
		}
	}
	return penny.APIKey{}, penny.ErrNotFound
}

func (s *Store) ListAPIKeys(ctx context.Context, tenantID string) ([]penny.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []penny.APIKey
	for _, k := range s.apiKeys {
		if k.TenantID == tenantID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

func (s *Store) RevokeAPIKey(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok || k.TenantID != tenantID {
		return penny.ErrNotFound
	}
	k.Active = false
	s.apiKeys[id] = k
	return nil
}

func (s *Store) TouchAPIKey(ctx context.Context, id string, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok {
		return nil
	}
	k.LastUsedAt = at
	s.apiKeys[id] = k
	return nil
}

func (s *Store) PutRoutingPolicy(ctx context.Context, p penny.RoutingPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.TenantID] = p
	return nil
}

func (s *Store) GetRoutingPolicy(ctx context.Context, tenantID string) (penny.RoutingPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[tenantID]
	if !ok {
		return penny.RoutingPolicy{}, penny.ErrNotFound
	}
	return p, nil
}

func (s *Store) StoreToolExecution(ctx context.Context, e penny.ToolExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[e.ID] = e
	return nil
}

func (s *Store) UpdateToolExecution(ctx context.Context, e penny.ToolExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.executions[e.ID]
	if !ok || existing.TenantID != e.TenantID {
		return penny.ErrNotFound
	}
	s.executions[e.ID] = e
	return nil
}

func (s *Store) GetToolExecution(ctx context.Context, tenantID, id string) (penny.ToolExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok || e.TenantID != tenantID {
		return penny.ToolExecution{}, penny.ErrNotFound
	}
	return e, nil
}

func (s *Store) ListToolExecutions(ctx context.Context, tenantID, toolName string, limit int) ([]penny.ToolExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []penny.ToolExecution
	for _, e := range s.executions {
		if e.TenantID != tenantID {
			continue
		}
		if toolName != "" && e.ToolName != toolName {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) AppendUsage(ctx context.Context, rec penny.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, rec)
	return nil
}

func (s *Store) SumUsage(ctx context.Context, tenantID string, metric penny.UsageMetric, since int64) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, rec := range s.usage {
		if rec.TenantID == tenantID && rec.Metric == metric && rec.Timestamp >= since {
			total += rec.Value
		}
	}
	return total, nil
}

func (s *Store) Close() error { return nil }
