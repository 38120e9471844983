// Package web provides the builtin web_fetch tool: it downloads a page
// and extracts its readable text content.
package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"

	"github.com/pennylabs/penny"
)

const (
	defaultMaxChars  = 8000
	maxBodyBytes     = 1 << 20
	defaultUserAgent = "Mozilla/5.0 (compatible; PennyBot/1.0)"
)

var paramSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"url": {"type": "string", "description": "URL of the page to fetch"},
		"max_chars": {"type": "integer", "minimum": 100, "maximum": 50000, "default": 8000, "description": "Maximum characters of extracted text to return"}
	},
	"required": ["url"]
}`)

// Tool fetches URLs and extracts readable content.
type Tool struct {
	client    *http.Client
	userAgent string
}

// Option configures a Tool.
type Option func(*Tool)

// WithClient overrides the HTTP client, mainly for tests.
func WithClient(c *http.Client) Option {
	return func(t *Tool) { t.client = c }
}

// WithUserAgent sets the request User-Agent header.
func WithUserAgent(ua string) Option {
	return func(t *Tool) { t.userAgent = ua }
}

// New creates the tool with a 15-second transport timeout.
func New(opts ...Option) *Tool {
	t := &Tool{
		client:    &http.Client{Timeout: 15 * time.Second},
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Definition returns the registration entry for the tool.
func (t *Tool) Definition() penny.ToolDefinition {
	return penny.ToolDefinition{
		Name:            "web_fetch",
		Version:         "1.0.0",
		Category:        "web",
		Author:          "penny",
		Description:     "Fetch a URL and extract its readable text content. Use for reading web pages, articles, documentation.",
		ParameterSchema: paramSchema,
		Config: penny.ToolConfig{
			TimeoutMs:      20000,
			MaxRetries:     2,
			RequiredScopes: []string{"tools:web"},
		},
		Handler: t.handle,
	}
}

func (t *Tool) handle(ctx context.Context, params map[string]any) (penny.ToolOutput, error) {
	rawURL, _ := params["url"].(string)
	maxChars := defaultMaxChars
	if v, ok := params["max_chars"].(float64); ok && v > 0 {
		maxChars = int(v)
	}

	page, err := t.fetch(ctx, rawURL)
	if err != nil {
		if penny.CodeOf(err) == penny.CodeNetwork {
			return penny.ToolOutput{}, err
		}
		return penny.ToolOutput{Success: false, Error: err.Error()}, nil
	}

	truncated := false
	if len(page.content) > maxChars {
		page.content = page.content[:maxChars]
		truncated = true
	}
	return penny.ToolOutput{Success: true, Data: map[string]any{
		"url":       rawURL,
		"title":     page.title,
		"content":   page.content,
		"truncated": truncated,
	}}, nil
}

type pageText struct {
	title   string
	content string
}

// fetch downloads the page and extracts readable text, falling back to
// tag stripping when readability finds nothing.
func (t *Tool) fetch(ctx context.Context, rawURL string) (pageText, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme != "http" && parsed.Scheme != "https" {
		return pageText{}, penny.Errf(penny.CodeInvalidParams, "invalid url %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return pageText{}, penny.WrapErr(penny.CodeInvalidParams, err)
	}
	req.Header.Set("User-Agent", t.userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return pageText{}, penny.WrapErr(penny.CodeNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return pageText{}, penny.Errf(penny.CodeUpstream, "HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return pageText{}, penny.WrapErr(penny.CodeNetwork, err)
	}

	html := string(body)
	article, err := readability.FromReader(strings.NewReader(html), parsed)
	if err == nil && article.TextContent != "" {
		return pageText{
			title:   article.Title,
			content: strings.TrimSpace(article.TextContent),
		}, nil
	}
	return pageText{content: stripHTML(html)}, nil
}

var (
	tagRe    = regexp.MustCompile(`(?s)<(script|style)[^>]*>.*?</(script|style)>|<[^>]+>`)
	spaceRe  = regexp.MustCompile(`[ \t]+`)
	breakRe  = regexp.MustCompile(`\n{3,}`)
	entities = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'", "&nbsp;", " ")
)

// stripHTML is the crude fallback extractor.
func stripHTML(html string) string {
	text := tagRe.ReplaceAllString(html, " ")
	text = entities.Replace(text)
	text = spaceRe.ReplaceAllString(text, " ")
	text = breakRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
