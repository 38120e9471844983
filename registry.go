package penny

import (
	"bytes"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	toolNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	semverRe   = regexp.MustCompile(`^\d+\.\d+\.\d+(?:-[0-9A-Za-z.-]+)?$`)
)

// RegistryEvent names a registry or executor lifecycle event.
type RegistryEvent string

const (
	EventRegistered   RegistryEvent = "tool:registered"
	EventUnregistered RegistryEvent = "tool:unregistered"
	EventQueued       RegistryEvent = "execution:queued"
	EventRunning      RegistryEvent = "execution:running"
	EventRetrying     RegistryEvent = "execution:retrying"
	EventCompleted    RegistryEvent = "execution:completed"
	EventFailed       RegistryEvent = "execution:failed"
	EventTimeout      RegistryEvent = "execution:timeout"
	EventCancelled    RegistryEvent = "execution:cancelled"
)

// EventHandler receives registry events. Handlers run sequentially on the
// emitting goroutine after the registry lock is released, so a handler may
// call back into the registry. Panics are recovered and logged, never
// propagated.
type EventHandler func(event RegistryEvent, payload any)

// Registry holds tool definitions with secondary indexes and a dependency
// graph. Reads dominate; writes are admin-only.
type Registry struct {
	mu         sync.RWMutex
	tools      map[string]ToolDefinition
	byCategory map[string][]string
	byAuthor   map[string][]string
	versions   map[string]map[string]ToolDefinition // name -> version -> definition
	dependents map[string][]string                  // name -> tools that depend on it
	handlers   map[RegistryEvent][]EventHandler
	schemas    map[string]*jsonschema.Schema

	logger *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// RegistryLogger sets the structured logger.
func RegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:      make(map[string]ToolDefinition),
		byCategory: make(map[string][]string),
		byAuthor:   make(map[string][]string),
		versions:   make(map[string]map[string]ToolDefinition),
		dependents: make(map[string][]string),
		handlers:   make(map[RegistryEvent][]EventHandler),
		schemas:    make(map[string]*jsonschema.Schema),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Register validates and installs a tool definition. Fails on a bad name,
// bad version, non-compiling schema, missing dependency, or a dependency
// cycle. Re-registering a name replaces the current definition and records
// the new version.
func (r *Registry) Register(def ToolDefinition) error {
	if !toolNameRe.MatchString(def.Name) {
		return Errf(CodeInvalidParams, "invalid tool name %q", def.Name)
	}
	if def.Version != "" && !semverRe.MatchString(def.Version) {
		return Errf(CodeInvalidParams, "invalid tool version %q", def.Version)
	}
	if def.Handler == nil {
		return Errf(CodeInvalidParams, "tool %q has no handler", def.Name)
	}
	schema, err := compileSchema(def.Name, def.ParameterSchema)
	if err != nil {
		return WrapErr(CodeInvalidParams, err)
	}

	r.mu.Lock()
	err = r.registerLocked(def, schema)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.Emit(EventRegistered, def.Name)
	return nil
}

func (r *Registry) registerLocked(def ToolDefinition, schema *jsonschema.Schema) error {
	for _, dep := range def.Dependencies {
		if _, ok := r.tools[dep]; !ok {
			return Errf(CodeInvalidParams, "tool %q depends on unregistered tool %q", def.Name, dep)
		}
	}
	if cycle := r.findCycle(def.Name, def.Dependencies); cycle != "" {
		return Errf(CodeConflict, "tool %q would create dependency cycle via %q", def.Name, cycle)
	}

	if old, ok := r.tools[def.Name]; ok {
		r.dropIndexes(old)
	}
	r.tools[def.Name] = def
	r.schemas[def.Name] = schema
	if def.Category != "" {
		r.byCategory[def.Category] = append(r.byCategory[def.Category], def.Name)
	}
	if def.Author != "" {
		r.byAuthor[def.Author] = append(r.byAuthor[def.Author], def.Name)
	}
	if def.Version != "" {
		if r.versions[def.Name] == nil {
			r.versions[def.Name] = make(map[string]ToolDefinition)
		}
		r.versions[def.Name][def.Version] = def
	}
	for _, dep := range def.Dependencies {
		r.dependents[dep] = append(r.dependents[dep], def.Name)
	}
	return nil
}

// Unregister removes a tool. A tool with dependents is refused unless
// cascade is set, in which case dependents are removed first.
func (r *Registry) Unregister(name string, cascade bool) error {
	r.mu.Lock()
	var removed []string
	err := r.unregisterLocked(name, cascade, &removed)
	r.mu.Unlock()
	// Dependents removed before an error surfaced are already gone from the
	// registry, so their events still fire.
	for _, n := range removed {
		r.Emit(EventUnregistered, n)
	}
	return err
}

func (r *Registry) unregisterLocked(name string, cascade bool, removed *[]string) error {
	def, ok := r.tools[name]
	if !ok {
		return Errf(CodeToolNotFound, "tool %q not registered", name)
	}
	if deps := r.dependents[name]; len(deps) > 0 {
		if !cascade {
			return Errf(CodeConflict, "tool %q has dependents %v", name, deps)
		}
		for _, d := range append([]string(nil), deps...) {
			if err := r.unregisterLocked(d, true, removed); err != nil && CodeOf(err) != CodeToolNotFound {
				return err
			}
		}
	}
	r.dropIndexes(def)
	delete(r.tools, name)
	delete(r.schemas, name)
	delete(r.versions, name)
	delete(r.dependents, name)
	for _, dep := range def.Dependencies {
		r.dependents[dep] = removeString(r.dependents[dep], name)
	}
	*removed = append(*removed, name)
	return nil
}

// Get returns the current definition for name.
func (r *Registry) Get(name string) (ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// GetVersion returns a specific recorded version of a tool.
func (r *Registry) GetVersion(name, version string) (ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.versions[name][version]
	return def, ok
}

// Schema returns the compiled parameter schema for name.
func (r *Registry) Schema(name string) (*jsonschema.Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[name]
	return s, ok
}

// List returns all definitions sorted by name.
func (r *Registry) List() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDefinition, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListByCategory returns the definitions in a category, sorted by name.
func (r *Registry) ListByCategory(category string) []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.byCategory[category])
}

// ListByAuthor returns the definitions by an author, sorted by name.
func (r *Registry) ListByAuthor(author string) []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.byAuthor[author])
}

// ListForTenant filters by the tenant's enabled/disabled tool sets. An
// empty enabled list means all tools; disabled always subtracts.
func (r *Registry) ListForTenant(t Tenant) []ToolDefinition {
	disabled := make(map[string]bool, len(t.DisabledTools))
	for _, n := range t.DisabledTools {
		disabled[n] = true
	}
	enabled := make(map[string]bool, len(t.EnabledTools))
	for _, n := range t.EnabledTools {
		enabled[n] = true
	}
	var out []ToolDefinition
	for _, d := range r.List() {
		if disabled[d.Name] {
			continue
		}
		if len(enabled) > 0 && !enabled[d.Name] {
			continue
		}
		out = append(out, d)
	}
	return out
}

// ListForPrincipal filters the tenant's tools down to those whose required
// scopes the principal holds.
func (r *Registry) ListForPrincipal(t Tenant, p Principal) []ToolDefinition {
	var out []ToolDefinition
	for _, d := range r.ListForTenant(t) {
		if principalAllowed(p, d) {
			out = append(out, d)
		}
	}
	return out
}

func principalAllowed(p Principal, d ToolDefinition) bool {
	for _, scope := range d.Config.RequiredScopes {
		if !p.HasScope(scope) {
			return false
		}
	}
	return true
}

// Subscribe attaches a handler for an event kind.
func (r *Registry) Subscribe(event RegistryEvent, h EventHandler) {
	r.mu.Lock()
	r.handlers[event] = append(r.handlers[event], h)
	r.mu.Unlock()
}

// Emit dispatches an event to subscribers sequentially. Handler panics are
// recovered and logged.
func (r *Registry) Emit(event RegistryEvent, payload any) {
	r.mu.RLock()
	hs := append([]EventHandler(nil), r.handlers[event]...)
	r.mu.RUnlock()
	r.dispatch(event, payload, hs)
}

func (r *Registry) dispatch(event RegistryEvent, payload any, hs []EventHandler) {
	for _, h := range hs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("event handler panic", "event", string(event), "panic", rec)
				}
			}()
			h(event, payload)
		}()
	}
}

// findCycle walks the dependency graph from deps looking for a path back
// to name. Returns the node closing the cycle, or "".
func (r *Registry) findCycle(name string, deps []string) string {
	seen := make(map[string]bool)
	var walk func(n string) string
	walk = func(n string) string {
		if n == name {
			return n
		}
		if seen[n] {
			return ""
		}
		seen[n] = true
		for _, next := range r.tools[n].Dependencies {
			if hit := walk(next); hit != "" {
				return hit
			}
		}
		return ""
	}
	for _, d := range deps {
		if hit := walk(d); hit != "" {
			return d
		}
	}
	return ""
}

func (r *Registry) dropIndexes(def ToolDefinition) {
	if def.Category != "" {
		r.byCategory[def.Category] = removeString(r.byCategory[def.Category], def.Name)
	}
	if def.Author != "" {
		r.byAuthor[def.Author] = removeString(r.byAuthor[def.Author], def.Name)
	}
	for _, dep := range def.Dependencies {
		r.dependents[dep] = removeString(r.dependents[dep], def.Name)
	}
}

func (r *Registry) collectLocked(names []string) []ToolDefinition {
	out := make([]ToolDefinition, 0, len(names))
	for _, n := range names {
		if d, ok := r.tools[n]; ok {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// compileSchema compiles a JSON Schema document for tool parameters. A nil
// schema compiles to one accepting any object.
func compileSchema(name string, raw []byte) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		raw = []byte(`{"type":"object"}`)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	url := fmt.Sprintf("penny://tools/%s/schema.json", name)
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}
