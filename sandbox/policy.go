// Package sandbox runs untrusted code in isolated environments with
// resource caps, a pre-execution security policy, and per-session state.
package sandbox

import (
	"regexp"
	"strings"

	"github.com/pennylabs/penny"
)

// Severity classifies a policy violation. Critical violations reject
// admission outright; lower severities are reported but may run.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Violation is one policy hit with the pattern that matched.
type Violation struct {
	Severity Severity `json:"severity"`
	Rule     string   `json:"rule"`
	Match    string   `json:"match"`
}

// defaultBlockedImports are modules that reach the host from inside the
// sandbox. All entries match both "import X" and "from X import" forms.
var defaultBlockedImports = map[string]Severity{
	"os":         SeverityCritical,
	"sys":        SeverityHigh,
	"subprocess": SeverityCritical,
	"socket":     SeverityCritical,
	"shutil":     SeverityCritical,
	"ctypes":     SeverityCritical,
	"pty":        SeverityCritical,
	"signal":     SeverityHigh,
	"pickle":     SeverityMedium,
	"importlib":  SeverityHigh,
	"requests":   SeverityMedium,
	"urllib":     SeverityMedium,
	"http":       SeverityMedium,
	"ftplib":     SeverityHigh,
	"telnetlib":  SeverityHigh,
}

// defaultBlockedKeywords are call sites that escape static analysis.
var defaultBlockedKeywords = map[string]Severity{
	"exec(":          SeverityCritical,
	"eval(":          SeverityCritical,
	"compile(":       SeverityHigh,
	"__import__":     SeverityCritical,
	"globals(":       SeverityHigh,
	"locals(":        SeverityMedium,
	"getattr(":       SeverityMedium,
	"setattr(":       SeverityMedium,
	"open(":          SeverityLow,
	"child_process":  SeverityCritical,
	"require(":       SeverityHigh,
	"process.binding": SeverityCritical,
	"Function(":      SeverityHigh,
}

// dangerousPatterns catch composed attacks the keyword list misses.
var dangerousPatterns = []struct {
	re       *regexp.Regexp
	rule     string
	severity Severity
}{
	{regexp.MustCompile(`(?i)rm\s+-rf\s+/`), "destructive shell command", SeverityCritical},
	{regexp.MustCompile(`/etc/(passwd|shadow)`), "system credential file access", SeverityCritical},
	{regexp.MustCompile(`(?i)\.__(subclasses|bases|globals)__`), "type hierarchy escape", SeverityCritical},
	{regexp.MustCompile(`(?i)while\s+True\s*:\s*pass`), "busy loop", SeverityMedium},
	{regexp.MustCompile(`0\.0\.0\.0|AF_INET`), "raw socket binding", SeverityHigh},
	{regexp.MustCompile(`(?i)fork\s*\(`), "process forking", SeverityCritical},
}

var importRe = regexp.MustCompile(`(?m)^\s*(?:import\s+([a-zA-Z_][\w.]*)|from\s+([a-zA-Z_][\w.]*)\s+import)`)

// Policy is the static pre-execution security check.
type Policy struct {
	imports  map[string]Severity
	keywords map[string]Severity
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// BlockImport adds or overrides a blocked module.
func BlockImport(module string, sev Severity) PolicyOption {
	return func(p *Policy) { p.imports[module] = sev }
}

// BlockKeyword adds or overrides a blocked keyword.
func BlockKeyword(keyword string, sev Severity) PolicyOption {
	return func(p *Policy) { p.keywords[keyword] = sev }
}

// AllowImport removes a module from the blocklist.
func AllowImport(module string) PolicyOption {
	return func(p *Policy) { delete(p.imports, module) }
}

func NewPolicy(opts ...PolicyOption) *Policy {
	p := &Policy{
		imports:  make(map[string]Severity, len(defaultBlockedImports)),
		keywords: make(map[string]Severity, len(defaultBlockedKeywords)),
	}
	for k, v := range defaultBlockedImports {
		p.imports[k] = v
	}
	for k, v := range defaultBlockedKeywords {
		p.keywords[k] = v
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Inspect returns every violation in code, most severe first within each
// layer: imports, then keywords, then patterns.
func (p *Policy) Inspect(code string) []Violation {
	var out []Violation

	for _, m := range importRe.FindAllStringSubmatch(code, -1) {
		module := m[1]
		if module == "" {
			module = m[2]
		}
		root := strings.SplitN(module, ".", 2)[0]
		if sev, ok := p.imports[root]; ok {
			out = append(out, Violation{Severity: sev, Rule: "blocked import", Match: root})
		}
	}

	for kw, sev := range p.keywords {
		if strings.Contains(code, kw) {
			out = append(out, Violation{Severity: sev, Rule: "blocked keyword", Match: kw})
		}
	}

	for _, dp := range dangerousPatterns {
		if m := dp.re.FindString(code); m != "" {
			out = append(out, Violation{Severity: dp.severity, Rule: dp.rule, Match: m})
		}
	}
	return out
}

// Check rejects code carrying any critical violation. The returned error is
// a non-retryable POLICY_VIOLATION naming the first critical hit.
func (p *Policy) Check(code string) error {
	for _, v := range p.Inspect(code) {
		if v.Severity == SeverityCritical {
			return penny.Errf(penny.CodePolicyViolation, "%s: %q (critical)", v.Rule, v.Match)
		}
	}
	return nil
}
