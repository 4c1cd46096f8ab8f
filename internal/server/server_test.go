package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airelay/internal/catalog"
	"airelay/internal/config"
	"airelay/internal/dispatch"
	"airelay/internal/models"
	"airelay/internal/provider"
)

// fakeBackend is a scriptable provider. Zero value behavior: completions
// answer with canned text, images answer with one URL, streaming is
// unsupported unless fragments are set.
type fakeBackend struct {
	name        string
	modelIDs    []string
	content     string
	completeErr error
	openErr     error
	fragments   []string
	streamErr   error
	images      []models.ImageData
	generateErr error

	chatReqs  []models.ChatCompletionRequest
	imageReqs []models.ImageGenerationRequest
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Describe() models.ProviderInfo {
	return models.ProviderInfo{
		ID:     f.name,
		URL:    "https://" + f.name + ".example",
		Models: f.modelIDs,
		Params: map[string]any{"supports_stream": true},
	}
}

func (f *fakeBackend) Models(context.Context) ([]models.ModelInfo, error) {
	out := make([]models.ModelInfo, 0, len(f.modelIDs))
	for _, id := range f.modelIDs {
		out = append(out, models.ModelInfo{
			ID:         id,
			Object:     models.ObjectModel,
			Created:    1700000000,
			OwnedBy:    f.name,
			Permission: []map[string]any{},
		})
	}
	return out, nil
}

func (f *fakeBackend) Complete(_ context.Context, req models.ChatCompletionRequest) (*models.ChatCompletionResponse, error) {
	f.chatReqs = append(f.chatReqs, req)
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	content := f.content
	if content == "" {
		content = "Hello from the pool."
	}
	return &models.ChatCompletionResponse{
		Choices: []models.ChatCompletionChoice{
			{Message: models.ChatMessage{Role: models.RoleAssistant, Content: content}},
		},
	}, nil
}

func (f *fakeBackend) OpenStream(_ context.Context, req models.ChatCompletionRequest) (provider.Stream, error) {
	f.chatReqs = append(f.chatReqs, req)
	if f.openErr != nil {
		return nil, f.openErr
	}
	if f.fragments == nil {
		return nil, provider.ErrUnsupportedOperation
	}
	return &scriptedStream{fragments: f.fragments, err: f.streamErr}, nil
}

func (f *fakeBackend) GenerateImage(_ context.Context, req models.ImageGenerationRequest) (*models.ImageGenerationResponse, error) {
	f.imageReqs = append(f.imageReqs, req)
	if f.generateErr != nil {
		return nil, f.generateErr
	}
	images := f.images
	if images == nil {
		images = []models.ImageData{{URL: "https://img.example/out.png"}}
	}
	return &models.ImageGenerationResponse{Created: 1700000000, Data: images}, nil
}

type scriptedStream struct {
	fragments []string
	idx       int
	err       error
}

func (s *scriptedStream) Next() bool {
	if s.idx >= len(s.fragments) {
		return false
	}
	s.idx++
	return true
}

func (s *scriptedStream) Fragment() string { return s.fragments[s.idx-1] }

func (s *scriptedStream) Err() error { return s.err }

func (s *scriptedStream) Close() error { return nil }

// baseConfig disables rate limiting and shrinks retry backoff so boundary
// tests stay fast.
func baseConfig() config.Config {
	cfg := config.Default()
	cfg.Providers = nil
	cfg.Server.RateLimit.Requests = 0
	cfg.Gateway.BackoffBaseMS = 1
	cfg.Gateway.BackoffMaxMS = 2
	return cfg
}

func newTestServer(t *testing.T, cfg config.Config, backends ...provider.Provider) *Server {
	t.Helper()

	reg := provider.NewRegistry()
	for _, b := range backends {
		require.NoError(t, reg.Register(b))
	}

	srv, err := New(cfg, dispatch.New(reg, cfg.Gateway), catalog.New(reg, cfg.Gateway.CatalogTTL()))
	require.NoError(t, err)
	return srv
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.app.ServeHTTP(rec, req)
	return rec
}

func doRawRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	s.app.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func errorEnvelope(t *testing.T, rec *httptest.ResponseRecorder) models.APIError {
	t.Helper()
	return decodeBody[models.ErrorResponse](t, rec).Error
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, baseConfig())

	rec := doRequest(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[models.HealthResponse](t, rec)
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, Version, body.Version)
	assert.Positive(t, body.Timestamp)

	assert.NotEmpty(t, rec.Header().Get("X-Process-Time"))
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestRootEndpoint(t *testing.T) {
	s := newTestServer(t, baseConfig())

	rec := doRequest(t, s, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "airelay", body["name"])
	assert.Equal(t, Version, body["version"])
	assert.Equal(t, "OpenAI API v1", body["compatibility"])

	endpoints, ok := body["endpoints"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "/v1/chat/completions", endpoints["chat_completions"])
	assert.Equal(t, "/v1/images/generate", endpoints["image_generation"])

	features, ok := body["features"].([]any)
	require.True(t, ok)
	assert.Contains(t, features, "OpenAI-compatible API")
	assert.Contains(t, features, "Streaming responses")
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(t, baseConfig())

	rec := doRequest(t, s, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "operational", body["status"])

	cfg, ok := body["config"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(8000), cfg["port"])

	features, ok := body["features"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, features["streaming"])
	assert.Equal(t, true, features["provider_selection"])
}

func TestUnknownRouteGetsErrorEnvelope(t *testing.T) {
	s := newTestServer(t, baseConfig())

	rec := doRequest(t, s, http.MethodGet, "/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	apiErr := errorEnvelope(t, rec)
	assert.Equal(t, "Not Found", apiErr.Message)
	assert.Equal(t, "invalid_request_error", apiErr.Type)
}

func TestTrailingSlashRemoved(t *testing.T) {
	s := newTestServer(t, baseConfig())

	rec := doRequest(t, s, http.MethodGet, "/health/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitEnforced(t *testing.T) {
	cfg := baseConfig()
	cfg.Server.RateLimit = config.RateLimitConfig{Requests: 2, WindowSeconds: 60}
	s := newTestServer(t, cfg)

	for i := 0; i < 2; i++ {
		rec := doRequest(t, s, http.MethodGet, "/health", nil)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}

	rec := doRequest(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "60", rec.Header().Get("X-RateLimit-Window"))

	apiErr := errorEnvelope(t, rec)
	assert.Equal(t, "Rate limit exceeded", apiErr.Message)
	assert.Equal(t, "rate_limit_error", apiErr.Type)
	assert.Equal(t, "rate_limit_exceeded", apiErr.Code)
}

func TestNewRejectsBadInputs(t *testing.T) {
	cfg := baseConfig()
	reg := provider.NewRegistry()
	d := dispatch.New(reg, cfg.Gateway)
	cat := catalog.New(reg, cfg.Gateway.CatalogTTL())

	_, err := New(cfg, nil, cat)
	assert.ErrorContains(t, err, "dispatcher")

	_, err = New(cfg, d, nil)
	assert.ErrorContains(t, err, "catalog")

	bad := cfg
	bad.Server.Port = 0
	_, err = New(bad, d, cat)
	assert.ErrorContains(t, err, "server.port")
}
