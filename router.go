package penny

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// RoutingRule picks a model when its condition matches the request.
// Condition is one of complexity, capability, cost, latency, language;
// Operator is one of eq, gt, lt, contains, matches.
type RoutingRule struct {
	Priority  int    `json:"priority"`
	Condition string `json:"condition"`
	Operator  string `json:"operator"`
	Value     string `json:"value"`
	Model     string `json:"model"`
}

// RoutingPolicy is a tenant's model selection policy. A tenant without a
// stored policy inherits the system default.
type RoutingPolicy struct {
	TenantID       string        `json:"tenant_id,omitempty"`
	DefaultModel   string        `json:"default_model"`
	FallbackModels []string      `json:"fallback_models,omitempty"`
	Rules          []RoutingRule `json:"rules,omitempty"`
}

// Route is a resolved provider+model pair.
type Route struct {
	Provider Provider
	Model    string
	Info     ModelInfo
}

// Router resolves a request to a provider+model using the tenant's policy.
// The provider list is fixed at construction; policies are read per request.
type Router struct {
	providers []Provider
	store     Store
	fallback  RoutingPolicy
	logger    *slog.Logger

	mu       sync.RWMutex
	policies map[string]RoutingPolicy // read-through cache
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// RouterLogger sets the structured logger.
func RouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// RouterDefaultPolicy sets the system-wide policy used when a tenant has
// none stored.
func RouterDefaultPolicy(p RoutingPolicy) RouterOption {
	return func(r *Router) { r.fallback = p }
}

func NewRouter(providers []Provider, store Store, opts ...RouterOption) *Router {
	r := &Router{
		providers: providers,
		store:     store,
		policies:  make(map[string]RoutingPolicy),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Route picks the provider+model for req under the tenant's policy.
// Resolution order: first matching rule, then req.Model, then the policy
// default; an unservable choice falls through the policy's fallback list.
// Returns NO_PROVIDER when nothing can serve.
func (r *Router) Route(ctx context.Context, req CompletionRequest, tenantID string) (Route, error) {
	policy := r.policy(ctx, tenantID)

	model := policy.DefaultModel
	if req.Model != "" {
		model = req.Model
	}
	if m := r.matchRules(req, policy.Rules); m != "" {
		model = m
	}

	candidates := append([]string{model}, policy.FallbackModels...)
	for _, m := range candidates {
		if m == "" {
			continue
		}
		rt, ok := r.resolve(ctx, req, m)
		if ok {
			if rt.Model != model {
				r.logger.Info("routed to fallback model", "tenant_id", tenantID, "wanted", model, "model", rt.Model)
			}
			return rt, nil
		}
	}
	return Route{}, Errf(CodeNoProvider, "no provider can serve model %q", model)
}

// InvalidatePolicy drops the cached policy for a tenant after an admin write.
func (r *Router) InvalidatePolicy(tenantID string) {
	r.mu.Lock()
	delete(r.policies, tenantID)
	r.mu.Unlock()
}

func (r *Router) policy(ctx context.Context, tenantID string) RoutingPolicy {
	r.mu.RLock()
	p, ok := r.policies[tenantID]
	r.mu.RUnlock()
	if ok {
		return p
	}
	if r.store != nil {
		stored, err := r.store.GetRoutingPolicy(ctx, tenantID)
		if err == nil {
			r.mu.Lock()
			r.policies[tenantID] = stored
			r.mu.Unlock()
			return stored
		}
		if !NotFoundErr(err) {
			r.logger.Warn("routing policy load failed, using default", "tenant_id", tenantID, "error", err)
		}
	}
	return r.fallback
}

// matchRules evaluates rules in ascending priority; within equal priority
// declaration order wins. Returns the first matching rule's model, or "".
func (r *Router) matchRules(req CompletionRequest, rules []RoutingRule) string {
	// Stable selection without sorting the caller's slice: scan for the
	// best (lowest priority, earliest index) matching rule.
	best := -1
	for i, rule := range rules {
		if !r.ruleMatches(req, rule) {
			continue
		}
		if best == -1 || rule.Priority < rules[best].Priority {
			best = i
		}
	}
	if best == -1 {
		return ""
	}
	return rules[best].Model
}

func (r *Router) ruleMatches(req CompletionRequest, rule RoutingRule) bool {
	switch rule.Condition {
	case "complexity":
		return compareFloat(Complexity(req), rule.Operator, rule.Value)
	case "cost":
		return compareFloat(r.estimateCost(req), rule.Operator, rule.Value)
	case "latency":
		// No live latency feed; approximated by prompt size in tokens.
		return compareFloat(float64(EstimateTokens(req.Messages)), rule.Operator, rule.Value)
	case "capability":
		return compareString(requiredCapability(req), rule.Operator, rule.Value)
	case "language":
		return compareString(DetectLanguage(lastUserContent(req.Messages)), rule.Operator, rule.Value)
	}
	return false
}

func compareFloat(actual float64, op, value string) bool {
	want, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return false
	}
	switch op {
	case "eq":
		return actual == want
	case "gt":
		return actual > want
	case "lt":
		return actual < want
	}
	return false
}

func compareString(actual, op, value string) bool {
	switch op {
	case "eq":
		return actual == value
	case "contains":
		return strings.Contains(actual, value)
	case "matches":
		re, err := regexp.Compile(value)
		if err != nil {
			return false
		}
		return re.MatchString(actual)
	}
	return false
}

// resolve finds the adapter owning model and checks it can satisfy the
// request's capability needs.
func (r *Router) resolve(ctx context.Context, req CompletionRequest, model string) (Route, bool) {
	for _, p := range r.providers {
		info, ok := ModelOf(p, model)
		if !ok {
			continue
		}
		if hasImagePart(req.Messages) && !info.Capabilities.Vision {
			continue
		}
		if len(req.Tools) > 0 && !info.Capabilities.Tools {
			continue
		}
		if !p.Available(ctx) {
			continue
		}
		return Route{Provider: p, Model: model, Info: info}, true
	}
	return Route{}, false
}

func (r *Router) estimateCost(req CompletionRequest) float64 {
	model := req.Model
	tokens := float64(EstimateTokens(req.Messages))
	for _, p := range r.providers {
		if info, ok := ModelOf(p, model); ok {
			return tokens / 1000 * info.Pricing.InputPer1K
		}
	}
	return 0
}

// Complexity scores a request in [0,1]: aggregate length, tool use, and
// long conversations each contribute.
func Complexity(req CompletionRequest) float64 {
	var length int
	for _, m := range req.Messages {
		length += len(m.Content)
		for _, p := range m.Parts {
			length += len(p.Text)
		}
	}
	score := float64(length) / 10000
	if len(req.Tools) > 0 {
		score += 0.3
	}
	if len(req.Messages) > 10 {
		score += 0.2
	}
	if score > 1 {
		score = 1
	}
	return score
}

// EstimateTokens approximates the prompt's token count at 4 chars/token.
func EstimateTokens(msgs []ChatMessage) int {
	var chars int
	for _, m := range msgs {
		chars += len(m.Content)
		for _, p := range m.Parts {
			chars += len(p.Text)
		}
	}
	return chars / 4
}

func requiredCapability(req CompletionRequest) string {
	if hasImagePart(req.Messages) {
		return "vision"
	}
	if len(req.Tools) > 0 {
		return "function_calling"
	}
	return "chat"
}

func hasImagePart(msgs []ChatMessage) bool {
	for _, m := range msgs {
		if m.HasImage() {
			return true
		}
	}
	return false
}

func lastUserContent(msgs []ChatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}

// DetectLanguage classifies text by Unicode block after NFKC normalization:
// Han → "zh", kana → "ja", Arabic → "ar", everything else "en".
func DetectLanguage(text string) string {
	text = norm.NFKC.String(text)
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Hiragana, r), unicode.Is(unicode.Katakana, r):
			return "ja"
		case unicode.Is(unicode.Han, r):
			return "zh"
		case unicode.Is(unicode.Arabic, r):
			return "ar"
		}
	}
	return "en"
}
