// Package compat implements a provider for OpenAI-compatible HTTP backends.
// It speaks the raw wire protocol, so any aggregator or self-hosted server
// exposing /chat/completions, /images/generations and /models can be relayed.
package compat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"airelay/internal/config"
	"airelay/internal/models"
	"airelay/internal/provider"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "airelay/0.1"

	maxErrorBody = 64 * 1024
	// Image payloads may inline base64 data.
	maxImageBody = 32 * 1024 * 1024
)

// Provider implements provider.Provider over plain HTTP.
type Provider struct {
	name           string
	apiKey         string
	baseURL        string
	headers        map[string]string
	client         *http.Client
	modelIDs       []string
	discoverModels bool
	supportsStream bool
	created        int64

	chatURL   string
	imagesURL string
	modelsURL string
}

// New creates a provider for one OpenAI-compatible backend.
func New(cfg config.ProviderConfig, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	ids := make([]string, len(cfg.Models))
	copy(ids, cfg.Models)

	return &Provider{
		name:           cfg.Name,
		apiKey:         cfg.APIKey,
		baseURL:        baseURL,
		headers:        cfg.Headers,
		client:         client,
		modelIDs:       ids,
		discoverModels: cfg.DiscoverModels,
		supportsStream: cfg.SupportsStream,
		created:        time.Now().Unix(),
		chatURL:        baseURL + "/chat/completions",
		imagesURL:      baseURL + "/images/generations",
		modelsURL:      baseURL + "/models",
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Describe() models.ProviderInfo {
	return models.ProviderInfo{
		ID:     p.name,
		URL:    p.baseURL,
		Models: append([]string(nil), p.modelIDs...),
		Params: map[string]any{"supports_stream": p.supportsStream},
	}
}

// Models returns the advertised model catalog. When discovery is enabled the
// backend's own /models listing is merged in; a discovery failure falls back
// to the configured list so a flaky backend cannot empty the catalog.
func (p *Provider) Models(ctx context.Context) ([]models.ModelInfo, error) {
	static := make([]models.ModelInfo, 0, len(p.modelIDs))
	for _, id := range p.modelIDs {
		static = append(static, p.modelInfo(id))
	}

	if !p.discoverModels {
		return static, nil
	}

	discovered, err := p.fetchModels(ctx)
	if err != nil {
		if len(static) == 0 {
			return nil, err
		}
		slog.Warn("model discovery failed, using configured list",
			"provider", p.name, "error", err)
		return static, nil
	}

	seen := make(map[string]struct{}, len(static))
	merged := static
	for _, m := range static {
		seen[m.ID] = struct{}{}
	}
	for _, m := range discovered {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		merged = append(merged, m)
	}
	return merged, nil
}

func (p *Provider) modelInfo(id string) models.ModelInfo {
	return models.ModelInfo{
		ID:         id,
		Object:     models.ObjectModel,
		Created:    p.created,
		OwnedBy:    p.name,
		Permission: []map[string]any{},
	}
}

func (p *Provider) fetchModels(ctx context.Context) ([]models.ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.modelsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}
	p.setHeaders(httpReq, false)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, provider.Transient(p.name, "list models request failed", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return nil, p.parseAPIError(httpResp)
	}

	var listing struct {
		Data []models.ModelInfo `json:"data"`
	}
	if err := decodeJSON(httpResp.Body, &listing); err != nil {
		return nil, provider.Transient(p.name, "decode model listing", err)
	}

	out := make([]models.ModelInfo, 0, len(listing.Data))
	for _, m := range listing.Data {
		if m.ID == "" {
			continue
		}
		if m.Object == "" {
			m.Object = models.ObjectModel
		}
		if m.OwnedBy == "" {
			m.OwnedBy = p.name
		}
		if m.Permission == nil {
			m.Permission = []map[string]any{}
		}
		out = append(out, m)
	}
	return out, nil
}

// Complete performs a blocking chat completion against the backend.
func (p *Provider) Complete(ctx context.Context, req models.ChatCompletionRequest) (*models.ChatCompletionResponse, error) {
	payload := buildChatPayload(req, false)

	httpReq, err := p.newRequest(ctx, http.MethodPost, p.chatURL, payload)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, provider.Transient(p.name, "chat request failed", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return nil, p.parseAPIError(httpResp)
	}

	var resp models.ChatCompletionResponse
	if err := decodeJSON(httpResp.Body, &resp); err != nil {
		return nil, provider.Transient(p.name, "decode chat response", err)
	}
	if len(resp.Choices) == 0 {
		return nil, provider.Transient(p.name, "backend response did not include choices", nil)
	}
	return &resp, nil
}

// GenerateImage performs an image generation against the backend. Loose
// backends sometimes return quasi-JSON; a repair pass is attempted before
// giving up on the payload.
func (p *Provider) GenerateImage(ctx context.Context, req models.ImageGenerationRequest) (*models.ImageGenerationResponse, error) {
	payload := buildImagePayload(req)

	httpReq, err := p.newRequest(ctx, http.MethodPost, p.imagesURL, payload)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, provider.Transient(p.name, "image request failed", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return nil, p.parseAPIError(httpResp)
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxImageBody))
	if err != nil {
		return nil, provider.Transient(p.name, "read image response", err)
	}

	var resp models.ImageGenerationResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(string(body))
		if repairErr != nil {
			return nil, provider.Transient(p.name, "decode image response", err)
		}
		if err := json.Unmarshal([]byte(repaired), &resp); err != nil {
			return nil, provider.Transient(p.name, "decode repaired image response", err)
		}
	}
	if len(resp.Data) == 0 {
		return nil, provider.Transient(p.name, "backend returned no images", nil)
	}
	if resp.Created == 0 {
		resp.Created = time.Now().Unix()
	}
	return &resp, nil
}

func (p *Provider) newRequest(ctx context.Context, method, url string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}
	p.setHeaders(req, false)
	return req, nil
}

func (p *Provider) setHeaders(req *http.Request, streaming bool) {
	req.Header.Set("Content-Type", contentTypeJSON)
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", contentTypeJSON)
	}
	req.Header.Set("User-Agent", userAgent)
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	for k, v := range p.headers {
		req.Header.Set(k, v)
	}
}

// chatPayload is the upstream request body. Gateway-only fields such as the
// provider selector are stripped; the web_search extension is forwarded for
// backends that honour it.
type chatPayload struct {
	Model            string               `json:"model"`
	Messages         []models.ChatMessage `json:"messages"`
	Stream           bool                 `json:"stream,omitempty"`
	MaxTokens        *int                 `json:"max_tokens,omitempty"`
	Temperature      *float64             `json:"temperature,omitempty"`
	TopP             *float64             `json:"top_p,omitempty"`
	FrequencyPenalty *float64             `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64             `json:"presence_penalty,omitempty"`
	Stop             []string             `json:"stop,omitempty"`
	User             string               `json:"user,omitempty"`
	WebSearch        bool                 `json:"web_search,omitempty"`
}

func buildChatPayload(req models.ChatCompletionRequest, stream bool) chatPayload {
	return chatPayload{
		Model:            req.Model,
		Messages:         req.Messages,
		Stream:           stream,
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Stop:             req.Stop,
		User:             req.User,
		WebSearch:        req.WebSearch,
	}
}

type imagePayload struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	Quality        string `json:"quality,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
	Style          string `json:"style,omitempty"`
	User           string `json:"user,omitempty"`
}

func buildImagePayload(req models.ImageGenerationRequest) imagePayload {
	return imagePayload{
		Model:          req.Model,
		Prompt:         req.Prompt,
		N:              req.N,
		Size:           req.Size,
		Quality:        req.Quality,
		ResponseFormat: req.ResponseFormat,
		Style:          req.Style,
		User:           req.User,
	}
}

func (p *Provider) parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return &provider.Error{
			Kind:     provider.ClassifyStatus(resp.StatusCode),
			Provider: p.name,
			Status:   resp.StatusCode,
			Message:  fmt.Sprintf("upstream status %d and failed to read body", resp.StatusCode),
			Err:      err,
		}
	}

	message := strings.TrimSpace(string(body))
	var envelope models.ErrorResponse
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
	}

	return &provider.Error{
		Kind:     provider.ClassifyStatus(resp.StatusCode),
		Provider: p.name,
		Status:   resp.StatusCode,
		Message:  fmt.Sprintf("upstream status %d: %s", resp.StatusCode, message),
	}
}

func decodeJSON(reader io.Reader, target any) error {
	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}
