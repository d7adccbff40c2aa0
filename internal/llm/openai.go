package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const openaiBaseURL = "https://api.openai.com/v1"

// OpenAIProvider calls any chat-completions compatible endpoint
type OpenAIProvider struct {
	model    string
	apiKey   string
	endpoint string
	client   *http.Client
}

// NewOpenAI creates an OpenAI provider. baseURL defaults to the public API and
// may point at a compatible gateway.
func NewOpenAI(apiKey, model, baseURL string, client *http.Client) *OpenAIProvider {
	if baseURL == "" {
		baseURL = openaiBaseURL
	}
	if client == nil {
		client = defaultHTTPClient
	}
	return &OpenAIProvider{
		model:    model,
		apiKey:   apiKey,
		endpoint: strings.TrimRight(baseURL, "/") + "/chat/completions",
		client:   client,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message openaiMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	var messages []openaiMessage
	if req.SystemPrompt != "" {
		messages = append(messages, openaiMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, openaiMessage{Role: "user", Content: req.UserPrompt})

	body := openaiRequest{Model: model, Messages: messages, MaxTokens: req.MaxTokens}
	if req.Temperature != 0 {
		t := req.Temperature
		body.Temperature = &t
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	var or openaiResponse
	if resp.StatusCode != http.StatusOK {
		// proxies answer with HTML, so the body may not be an API error
		if json.Unmarshal(raw, &or) == nil && or.Error != nil {
			return nil, &StatusError{Provider: "openai", Status: resp.StatusCode, Message: or.Error.Type + ": " + or.Error.Message}
		}
		return nil, &StatusError{Provider: "openai", Status: resp.StatusCode, Message: truncate(string(raw), 200)}
	}
	if err := json.Unmarshal(raw, &or); err != nil {
		return nil, fmt.Errorf("openai: parsing response: %w (body: %s)", err, truncate(string(raw), 200))
	}
	if len(or.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices in response")
	}
	return &Response{Content: or.Choices[0].Message.Content, Model: or.Model}, nil
}
