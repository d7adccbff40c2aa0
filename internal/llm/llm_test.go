package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropic_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sk-ant", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		var req anthropicRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "claude-test", req.Model)
		assert.Equal(t, "be terse", req.System)
		assert.Equal(t, defaultMaxTokens, req.MaxTokens)
		if assert.Len(t, req.Messages, 1) {
			assert.Equal(t, "tag this", req.Messages[0].Content)
		}
		io.WriteString(w, `{"model":"claude-test","content":[{"type":"text","text":"[\"Coding\","},{"type":"text","text":"\"Writing\"]"}]}`)
	}))
	defer srv.Close()

	p := NewAnthropic("sk-ant", "claude-test", srv.URL, nil)
	resp, err := p.Complete(context.Background(), &Request{SystemPrompt: "be terse", UserPrompt: "tag this"})
	require.NoError(t, err)
	assert.Equal(t, `["Coding","Writing"]`, resp.Content)
	assert.Equal(t, "anthropic", p.Name())
}

func TestAnthropic_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	}))
	defer srv.Close()

	_, err := NewAnthropic("bad", "m", srv.URL, nil).Complete(context.Background(), &Request{UserPrompt: "x"})
	require.Error(t, err)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.Status)
	assert.Contains(t, se.Message, "authentication_error")
	assert.True(t, IsPermanent(err))
	assert.False(t, se.Temporary())
}

func TestNonJSONErrorBodyIsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, "<html><body>Access denied by proxy</body></html>")
	}))
	defer srv.Close()

	providers := []Provider{
		NewAnthropic("k", "m", srv.URL, nil),
		NewOpenAI("k", "m", srv.URL, nil),
	}
	for _, p := range providers {
		t.Run(p.Name(), func(t *testing.T) {
			_, err := p.Complete(context.Background(), &Request{UserPrompt: "x"})
			var se *StatusError
			require.True(t, errors.As(err, &se), "got %v", err)
			assert.Equal(t, http.StatusForbidden, se.Status)
			assert.Contains(t, se.Message, "Access denied by proxy")
			assert.True(t, IsPermanent(err))
		})
	}
}

func TestOpenAI_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-oai", r.Header.Get("Authorization"))

		var req openaiRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if assert.Len(t, req.Messages, 2) {
			assert.Equal(t, "system", req.Messages[0].Role)
		}
		if assert.NotNil(t, req.Temperature) {
			assert.InDelta(t, 0.2, *req.Temperature, 1e-9)
		}
		io.WriteString(w, `{"model":"gpt-test","choices":[{"message":{"role":"assistant","content":"Slow exports"}}]}`)
	}))
	defer srv.Close()

	p := NewOpenAI("sk-oai", "gpt-test", srv.URL+"/v1/", nil)
	resp, err := p.Complete(context.Background(), &Request{SystemPrompt: "s", UserPrompt: "u", Temperature: 0.2})
	require.NoError(t, err)
	assert.Equal(t, "Slow exports", resp.Content)
	assert.Equal(t, "gpt-test", resp.Model)
}

func TestOpenAI_RateLimitIsTemporary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"type":"rate_limit","message":"slow down"}}`)
	}))
	defer srv.Close()

	_, err := NewOpenAI("k", "m", srv.URL, nil).Complete(context.Background(), &Request{UserPrompt: "x"})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.True(t, se.Temporary())
	assert.True(t, IsTemporary(err))
	assert.False(t, IsPermanent(err))
}

func TestGemini_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "models/gemini-test:generateContent"), r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "describe Acme")
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"Acme writes code."}]}}]}`)
	}))
	defer srv.Close()

	p, err := NewGemini(context.Background(), "g-key", "gemini-test", srv.URL, srv.Client())
	require.NoError(t, err)
	resp, err := p.Complete(context.Background(), &Request{SystemPrompt: "sys", UserPrompt: "describe Acme"})
	require.NoError(t, err)
	assert.Equal(t, "Acme writes code.", resp.Content)
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		want    string
		wantErr bool
	}{
		{"anthropic", Config{Name: "anthropic", AnthropicAPIKey: "k"}, "anthropic", false},
		{"claude alias", Config{Name: "Claude", AnthropicAPIKey: "k"}, "anthropic", false},
		{"openai", Config{Name: "openai", OpenAIAPIKey: "k"}, "openai", false},
		{"gemini", Config{Name: "gemini", GeminiAPIKey: "k"}, "gemini", false},
		{"anthropic missing key", Config{Name: "anthropic"}, "", true},
		{"openai missing key", Config{Name: "openai"}, "", true},
		{"gemini missing key", Config{Name: "gemini"}, "", true},
		{"unknown", Config{Name: "llama", AnthropicAPIKey: "k"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProvider(&tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Name())
		})
	}
}

func TestBudget_LimitAndReset(t *testing.T) {
	now := time.Date(2025, 5, 1, 23, 0, 0, 0, time.UTC)
	b := NewBudget(2, nil)
	b.now = func() time.Time { return now }
	b.resetAt = nextMidnight(now)

	require.NoError(t, b.Allow())
	require.NoError(t, b.Allow())
	err := b.Allow()
	var le *LimitError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, 2, le.Limit)
	assert.True(t, IsLimit(err))

	now = now.Add(2 * time.Hour)
	assert.NoError(t, b.Allow())
	assert.Equal(t, 1, b.Stats().Calls)
}

func TestBudget_ZeroIsUnlimited(t *testing.T) {
	b := NewBudget(0, nil)
	for i := 0; i < 100; i++ {
		require.NoError(t, b.Allow())
	}
	var nilBudget *Budget
	assert.NoError(t, nilBudget.Allow())
}

type countingProvider struct{ calls int }

func (c *countingProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	c.calls++
	return &Response{Content: "ok"}, nil
}

func (c *countingProvider) Name() string { return "counting" }

func TestLimited(t *testing.T) {
	inner := &countingProvider{}
	p := Limited(inner, NewBudget(1, nil))
	assert.Equal(t, "counting", p.Name())

	_, err := p.Complete(context.Background(), &Request{})
	require.NoError(t, err)
	_, err = p.Complete(context.Background(), &Request{})
	assert.True(t, IsLimit(err))
	assert.Equal(t, 1, inner.calls)

	assert.Same(t, inner, Limited(inner, nil))
}
