// Package document provides the builtin document_extract tool: it pulls
// plain text out of PDF documents supplied inline or by URL.
package document

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"github.com/pennylabs/penny"
)

const (
	defaultMaxChars = 20000
	maxDocBytes     = 10 << 20
)

var paramSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"url": {"type": "string", "description": "URL of the PDF to fetch"},
		"content_base64": {"type": "string", "description": "Base64-encoded PDF bytes, used when no URL is given"},
		"max_chars": {"type": "integer", "minimum": 100, "maximum": 200000, "default": 20000, "description": "Maximum characters of extracted text to return"}
	}
}`)

// Tool extracts text from PDF documents.
type Tool struct {
	client *http.Client
}

// Option configures a Tool.
type Option func(*Tool)

// WithClient overrides the HTTP client used for url params.
func WithClient(c *http.Client) Option {
	return func(t *Tool) { t.client = c }
}

func New(opts ...Option) *Tool {
	t := &Tool{client: &http.Client{Timeout: 30 * time.Second}}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Definition returns the registration entry for the tool.
func (t *Tool) Definition() penny.ToolDefinition {
	return penny.ToolDefinition{
		Name:            "document_extract",
		Version:         "1.0.0",
		Category:        "document",
		Author:          "penny",
		Description:     "Extract plain text from a PDF document. Provide either a URL or base64-encoded content.",
		ParameterSchema: paramSchema,
		Config: penny.ToolConfig{
			TimeoutMs:      30000,
			MaxRetries:     1,
			RequiredScopes: []string{"tools:document"},
		},
		Handler: t.handle,
	}
}

func (t *Tool) handle(ctx context.Context, params map[string]any) (penny.ToolOutput, error) {
	maxChars := defaultMaxChars
	if v, ok := params["max_chars"].(float64); ok && v > 0 {
		maxChars = int(v)
	}

	content, err := t.load(ctx, params)
	if err != nil {
		if penny.CodeOf(err) == penny.CodeNetwork {
			return penny.ToolOutput{}, err
		}
		return penny.ToolOutput{Success: false, Error: err.Error()}, nil
	}

	text, pages, err := extractText(content)
	if err != nil {
		return penny.ToolOutput{Success: false, Error: err.Error()}, nil
	}

	truncated := false
	if len(text) > maxChars {
		text = text[:maxChars]
		truncated = true
	}
	return penny.ToolOutput{Success: true, Data: map[string]any{
		"pages":     pages,
		"content":   text,
		"truncated": truncated,
	}}, nil
}

// load resolves the document bytes from whichever source the caller gave.
func (t *Tool) load(ctx context.Context, params map[string]any) ([]byte, error) {
	if rawURL, ok := params["url"].(string); ok && rawURL != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, penny.WrapErr(penny.CodeInvalidParams, err)
		}
		resp, err := t.client.Do(req)
		if err != nil {
			return nil, penny.WrapErr(penny.CodeNetwork, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return nil, penny.Errf(penny.CodeUpstream, "HTTP %d from %s", resp.StatusCode, rawURL)
		}
		return io.ReadAll(io.LimitReader(resp.Body, maxDocBytes))
	}
	if b64, ok := params["content_base64"].(string); ok && b64 != "" {
		content, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, penny.Errf(penny.CodeInvalidParams, "content_base64 is not valid base64")
		}
		if len(content) > maxDocBytes {
			return nil, penny.Errf(penny.CodeInvalidParams, "document exceeds %d bytes", maxDocBytes)
		}
		return content, nil
	}
	return nil, penny.Errf(penny.CodeInvalidParams, "either url or content_base64 is required")
}

// extractText walks the document page by page, skipping pages the parser
// cannot read.
func extractText(content []byte) (string, int, error) {
	if len(content) == 0 {
		return "", 0, penny.Errf(penny.CodeInvalidParams, "empty document")
	}
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", 0, penny.Errf(penny.CodeInvalidParams, "open pdf: %v", err)
	}

	var text strings.Builder
	pages := 0
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(pageText)
		pages++
	}
	return strings.TrimSpace(text.String()), pages, nil
}
