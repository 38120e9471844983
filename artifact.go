package penny

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// defaultArtifactTriggers are substrings of the user's request that enable
// emission even for short blocks. The policy is explicit configuration, not
// a guess: override with ExtractorTriggers.
var defaultArtifactTriggers = []string{
	"create a chart",
	"draw a chart",
	"create a table",
	"create a diagram",
	"draw a diagram",
	"generate an image",
}

// artifactKinds maps a fence language to an artifact kind. Unlisted
// languages fall back to "code".
var artifactKinds = map[string]string{
	"html":     "html",
	"css":      "css",
	"json":     "json",
	"markdown": "markdown",
	"md":       "markdown",
	"svg":      "svg",
	"mermaid":  "diagram",
}

// ArtifactExtractor pulls artifact records out of assistant content. Fenced
// code blocks at or above the minimum length always emit; shorter blocks
// emit only when the user's request matched a trigger phrase.
type ArtifactExtractor struct {
	minLen   int
	triggers []string
	md       goldmark.Markdown
}

// ExtractorOption configures an ArtifactExtractor.
type ExtractorOption func(*ArtifactExtractor)

// ExtractorMinLen sets the minimum block length for unconditional emission
// (default 80).
func ExtractorMinLen(n int) ExtractorOption {
	return func(e *ArtifactExtractor) { e.minLen = n }
}

// ExtractorTriggers replaces the trigger phrase list.
func ExtractorTriggers(phrases []string) ExtractorOption {
	return func(e *ArtifactExtractor) { e.triggers = phrases }
}

func NewArtifactExtractor(opts ...ExtractorOption) *ArtifactExtractor {
	e := &ArtifactExtractor{
		minLen:   80,
		triggers: defaultArtifactTriggers,
		md:       goldmark.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract walks the assistant content's markdown tree and returns artifact
// records for qualifying fenced blocks. userRequest is the prompt text that
// produced the content, consulted for trigger phrases.
func (e *ArtifactExtractor) Extract(content, userRequest string, tenantID, messageID string) []Artifact {
	source := []byte(content)
	doc := e.md.Parser().Parse(text.NewReader(source))
	triggered := e.matchesTrigger(userRequest)

	var out []Artifact
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fence, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		body := fencedBody(fence, source)
		if len(body) < e.minLen && !triggered {
			return ast.WalkContinue, nil
		}
		lang := string(fence.Language(source))
		out = append(out, Artifact{
			ID:        NewID(),
			TenantID:  tenantID,
			MessageID: messageID,
			Kind:      kindForLanguage(lang),
			Language:  lang,
			Content:   body,
			CreatedAt: NowUnix(),
		})
		return ast.WalkContinue, nil
	})
	return out
}

func (e *ArtifactExtractor) matchesTrigger(request string) bool {
	lower := strings.ToLower(request)
	for _, t := range e.triggers {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

func fencedBody(fence *ast.FencedCodeBlock, source []byte) string {
	var b strings.Builder
	lines := fence.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(source))
	}
	return b.String()
}

func kindForLanguage(lang string) string {
	if k, ok := artifactKinds[strings.ToLower(lang)]; ok {
		return k
	}
	return "code"
}
