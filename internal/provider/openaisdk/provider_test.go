package openaisdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airelay/internal/config"
	"airelay/internal/models"
	"airelay/internal/provider"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestProvider(t *testing.T, rt roundTripperFunc, mutate func(*config.ProviderConfig)) *Provider {
	t.Helper()

	cfg := config.ProviderConfig{
		Name:           "openai",
		Kind:           config.KindOpenAI,
		BaseURL:        "https://api.test",
		APIKey:         "sk-test",
		Models:         []string{"gpt-4o"},
		SupportsStream: true,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	p, err := New(cfg, &http.Client{Transport: rt})
	require.NoError(t, err)
	return p
}

func unusedTransport(t *testing.T) roundTripperFunc {
	return func(*http.Request) (*http.Response, error) {
		t.Fatal("unexpected HTTP request")
		return nil, nil
	}
}

func httpResponse(req *http.Request, status int, contentType, body string) *http.Response {
	resp := &http.Response{
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}
	resp.Header.Set("Content-Type", contentType)
	return resp
}

func chatRequest(model string) models.ChatCompletionRequest {
	return models.ChatCompletionRequest{
		Model: model,
		Messages: []models.ChatMessage{
			{Role: models.RoleSystem, Content: "be brief"},
			{Role: models.RoleUser, Content: "ping"},
		},
	}
}

func TestCompleteMapsSDKResponse(t *testing.T) {
	var gotPath, gotAuth string
	var payload map[string]any

	p := newTestProvider(t, func(req *http.Request) (*http.Response, error) {
		gotPath = req.URL.Path
		gotAuth = req.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(req.Body).Decode(&payload))
		req.Body.Close()

		body := `{"id":"chatcmpl-upstream","object":"chat.completion","created":1700000100,` +
			`"model":"gpt-4o-2024-11-20","choices":[{"index":0,` +
			`"message":{"role":"assistant","content":"pong"},"finish_reason":"stop"}]}`
		return httpResponse(req, http.StatusOK, "application/json", body), nil
	}, nil)

	temp := 0.2
	tokens := 64
	req := chatRequest("gpt-4o")
	req.Temperature = &temp
	req.MaxTokens = &tokens
	req.Stop = models.StopSequences{"END"}

	resp, err := p.Complete(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "chatcmpl-upstream", resp.ID)
	assert.Equal(t, models.ObjectChatCompletion, resp.Object)
	assert.EqualValues(t, 1700000100, resp.Created)
	assert.Equal(t, "gpt-4o", resp.Model)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, models.RoleAssistant, resp.Choices[0].Message.Role)
	assert.Equal(t, "pong", resp.Choices[0].Message.Content)
	require.NotNil(t, resp.Choices[0].FinishReason)
	assert.Equal(t, "stop", *resp.Choices[0].FinishReason)

	assert.Equal(t, "/chat/completions", gotPath)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-4o", payload["model"])
	assert.Len(t, payload["messages"], 2)
	assert.InDelta(t, 0.2, payload["temperature"], 0.0001)
	assert.EqualValues(t, 64, payload["max_tokens"])
	assert.Equal(t, []any{"END"}, payload["stop"])
}

func TestCompleteUpstreamErrorClassified(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantKind provider.Kind
	}{
		{"unauthorized is fatal", http.StatusUnauthorized, provider.KindFatal},
		{"rate limited is transient", http.StatusTooManyRequests, provider.KindTransient},
		{"server error is transient", http.StatusInternalServerError, provider.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, func(req *http.Request) (*http.Response, error) {
				body := `{"error":{"message":"upstream rejected the request","type":"invalid_request_error"}}`
				return httpResponse(req, tt.status, "application/json", body), nil
			}, nil)

			_, err := p.Complete(context.Background(), chatRequest("gpt-4o"))
			require.Error(t, err)

			var pe *provider.Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.wantKind, pe.Kind)
			assert.Equal(t, tt.status, pe.Status)
			assert.NotEmpty(t, pe.Message)
		})
	}
}

func TestCompleteTransportErrorIsTransient(t *testing.T) {
	p := newTestProvider(t, func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	}, nil)

	_, err := p.Complete(context.Background(), chatRequest("gpt-4o"))
	require.Error(t, err)

	var pe *provider.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, provider.KindTransient, pe.Kind)
	assert.Zero(t, pe.Status)
}

func TestCompleteEmptyChoices(t *testing.T) {
	p := newTestProvider(t, func(req *http.Request) (*http.Response, error) {
		body := `{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[]}`
		return httpResponse(req, http.StatusOK, "application/json", body), nil
	}, nil)

	_, err := p.Complete(context.Background(), chatRequest("gpt-4o"))
	require.Error(t, err)
	assert.True(t, provider.IsTransient(err))
}

func TestOpenStreamYieldsFragments(t *testing.T) {
	var payload map[string]any

	frames := `data: {"id":"s1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant"},"finish_reason":null}]}` + "\n\n" +
		`data: {"id":"s1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":"Hel"},"finish_reason":null}]}` + "\n\n" +
		`data: {"id":"s1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":null}]}` + "\n\n" +
		`data: {"id":"s1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}` + "\n\n" +
		"data: [DONE]\n\n"

	p := newTestProvider(t, func(req *http.Request) (*http.Response, error) {
		require.NoError(t, json.NewDecoder(req.Body).Decode(&payload))
		req.Body.Close()
		return httpResponse(req, http.StatusOK, "text/event-stream", frames), nil
	}, nil)

	s, err := p.OpenStream(context.Background(), chatRequest("gpt-4o"))
	require.NoError(t, err)
	defer s.Close()

	var fragments []string
	for s.Next() {
		fragments = append(fragments, s.Fragment())
	}
	assert.Equal(t, []string{"Hel", "lo"}, fragments)
	assert.NoError(t, s.Err())

	assert.Equal(t, true, payload["stream"])
}

func TestOpenStreamRejectedAtConnect(t *testing.T) {
	p := newTestProvider(t, func(req *http.Request) (*http.Response, error) {
		body := `{"error":{"message":"invalid api key","type":"invalid_request_error"}}`
		return httpResponse(req, http.StatusUnauthorized, "application/json", body), nil
	}, nil)

	_, err := p.OpenStream(context.Background(), chatRequest("gpt-4o"))
	require.Error(t, err)

	var pe *provider.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, provider.KindFatal, pe.Kind)
	assert.Equal(t, http.StatusUnauthorized, pe.Status)
}

func TestOpenStreamUnsupported(t *testing.T) {
	p := newTestProvider(t, unusedTransport(t), func(cfg *config.ProviderConfig) {
		cfg.SupportsStream = false
	})

	_, err := p.OpenStream(context.Background(), chatRequest("gpt-4o"))
	assert.ErrorIs(t, err, provider.ErrUnsupportedOperation)
}

func TestGenerateImageUnsupported(t *testing.T) {
	p := newTestProvider(t, unusedTransport(t), nil)

	_, err := p.GenerateImage(context.Background(), models.ImageGenerationRequest{Prompt: "a cat"})
	assert.ErrorIs(t, err, provider.ErrUnsupportedOperation)
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(config.ProviderConfig{Name: "openai", BaseURL: "https://api.test"}, &http.Client{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api key")
}

func TestDescribeAndModels(t *testing.T) {
	p := newTestProvider(t, unusedTransport(t), nil)

	info := p.Describe()
	assert.Equal(t, "openai", info.ID)
	assert.Equal(t, "https://api.test", info.URL)
	assert.Equal(t, []string{"gpt-4o"}, info.Models)
	assert.Equal(t, map[string]any{"supports_stream": true}, info.Params)

	listed, err := p.Models(context.Background())
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "gpt-4o", listed[0].ID)
	assert.Equal(t, models.ObjectModel, listed[0].Object)
	assert.Equal(t, "openai", listed[0].OwnedBy)
	assert.NotNil(t, listed[0].Permission)
}
