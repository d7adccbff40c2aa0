// Package llm talks to the hosted language models that write and tag catalog content.
package llm

import (
	"context"
	"net/http"
	"time"
)

// defaultHTTPClient covers slow generations
var defaultHTTPClient = &http.Client{Timeout: 3 * time.Minute}

const defaultMaxTokens = 2048

// Request is a single-turn completion
type Request struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float64
	MaxTokens    int
	// Model overrides the configured model when non-empty
	Model string
}

// Response is the generated text
type Response struct {
	Content string
	Model   string
}

// Provider is implemented by every model backend
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Name returns the provider name
	Name() string
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
