package penny

import (
	"context"
	"log/slog"
	"strings"
)

// nopLogger is a logger that discards all output. Used when a logger option
// is not set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// sensitiveFields are redacted from any value that reaches a log or audit
// write. Matching is substring, case-insensitive.
var sensitiveFields = []string{"password", "token", "secret", "key", "authorization", "cookie"}

func sensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range sensitiveFields {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// RedactFields returns a copy of m with sensitive values replaced by
// "[REDACTED]". Nested maps are redacted recursively; the input is never
// mutated.
func RedactFields(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sensitiveField(k) {
			out[k] = "[REDACTED]"
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = RedactFields(nested)
			continue
		}
		out[k] = v
	}
	return out
}
