// Package openaisdk implements a provider backed by the official OpenAI Go
// SDK. It covers chat completions, streamed and blocking; image generation is
// left to compat providers so the failover chain can route around it.
package openaisdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"

	"airelay/internal/config"
	"airelay/internal/models"
	"airelay/internal/provider"
)

// Provider implements provider.Provider through the SDK client.
type Provider struct {
	name           string
	baseURL        string
	client         openai.Client
	modelIDs       []string
	supportsStream bool
	created        int64
}

// New creates a provider for an SDK-compatible backend. An API key is
// required; the factory skips keyless entries before calling here.
func New(cfg config.ProviderConfig, httpClient *http.Client) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("api key must not be empty")
	}

	// The dispatcher owns the retry budget; SDK-internal retries would
	// multiply it.
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}

	ids := make([]string, len(cfg.Models))
	copy(ids, cfg.Models)

	return &Provider{
		name:           cfg.Name,
		baseURL:        cfg.BaseURL,
		client:         openai.NewClient(opts...),
		modelIDs:       ids,
		supportsStream: cfg.SupportsStream,
		created:        time.Now().Unix(),
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

func (p *Provider) Models(ctx context.Context) ([]models.ModelInfo, error) {
	out := make([]models.ModelInfo, 0, len(p.modelIDs))
	for _, id := range p.modelIDs {
		out = append(out, models.ModelInfo{
			ID:         id,
			Object:     models.ObjectModel,
			Created:    p.created,
			OwnedBy:    p.name,
			Permission: []map[string]any{},
		})
	}
	return out, nil
}

// Complete performs a blocking chat completion through the SDK.
func (p *Provider) Complete(ctx context.Context, req models.ChatCompletionRequest) (*models.ChatCompletionResponse, error) {
	resp, err := p.client.Chat.Completions.New(ctx, buildParams(req))
	if err != nil {
		return nil, p.wrapError("chat completion failed", err)
	}
	if len(resp.Choices) == 0 {
		return nil, provider.Transient(p.name, "backend response did not include choices", nil)
	}

	choice := resp.Choices[0]
	finish := string(choice.FinishReason)
	return &models.ChatCompletionResponse{
		ID:      resp.ID,
		Object:  models.ObjectChatCompletion,
		Created: resp.Created,
		Model:   req.Model,
		Choices: []models.ChatCompletionChoice{
			{
				Index: 0,
				Message: models.ChatMessage{
					Role:    models.RoleAssistant,
					Content: choice.Message.Content,
				},
				FinishReason: &finish,
			},
		},
	}, nil
}

// OpenStream starts a streaming chat completion through the SDK. Connection
// failures surface on the stream handle, so they are checked here to keep
// them within the dispatcher's open-retry window.
func (p *Provider) OpenStream(ctx context.Context, req models.ChatCompletionRequest) (provider.Stream, error) {
	if !p.supportsStream {
		return nil, fmt.Errorf("streaming is not supported by provider %s: %w", p.name, provider.ErrUnsupportedOperation)
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, buildParams(req))
	if err := stream.Err(); err != nil {
		return nil, p.wrapError("open stream failed", err)
	}
	return &sdkStream{providerName: p.name, stream: stream}, nil
}

// GenerateImage is not served through the SDK path.
func (p *Provider) GenerateImage(ctx context.Context, req models.ImageGenerationRequest) (*models.ImageGenerationResponse, error) {
	return nil, fmt.Errorf("image generation is not supported by provider %s: %w", p.name, provider.ErrUnsupportedOperation)
}

// wrapError classifies SDK failures: API errors map through their HTTP
// status, everything else is treated as transient transport noise.
func (p *Provider) wrapError(message string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.Message != "" {
			message = apiErr.Message
		}
		return &provider.Error{
			Kind:     provider.ClassifyStatus(apiErr.StatusCode),
			Provider: p.name,
			Status:   apiErr.StatusCode,
			Message:  message,
			Err:      err,
		}
	}
	return provider.Transient(p.name, message, err)
}

func buildParams(req models.ChatCompletionRequest) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, toMessageParam(m))
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens != nil {
		params.MaxTokens = openai.Int(int64(*req.MaxTokens))
	}
	if req.TopP != nil {
		params.TopP = openai.Float(*req.TopP)
	}
	if req.FrequencyPenalty != nil {
		params.FrequencyPenalty = openai.Float(*req.FrequencyPenalty)
	}
	if req.PresencePenalty != nil {
		params.PresencePenalty = openai.Float(*req.PresencePenalty)
	}
	if len(req.Stop) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: req.Stop}
	}
	if req.User != "" {
		params.User = openai.String(req.User)
	}
	return params
}

func toMessageParam(m models.ChatMessage) openai.ChatCompletionMessageParamUnion {
	switch m.Role {
	case models.RoleSystem:
		return openai.SystemMessage(m.Content)
	case models.RoleAssistant:
		return openai.AssistantMessage(m.Content)
	default:
		return openai.UserMessage(m.Content)
	}
}

// sdkStream adapts the SDK event stream to the provider stream contract.
type sdkStream struct {
	providerName string
	stream       *ssestream.Stream[openai.ChatCompletionChunk]
	fragment     string
	err          error
	finished     bool
}

func (s *sdkStream) Next() bool {
	if s.finished {
		return false
	}

	for s.stream.Next() {
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if content := chunk.Choices[0].Delta.Content; content != "" {
			s.fragment = content
			return true
		}
	}

	s.finished = true
	if err := s.stream.Err(); err != nil {
		s.err = provider.Transient(s.providerName, "read stream", err)
	}
	return false
}

func (s *sdkStream) Fragment() string {
	return s.fragment
}

func (s *sdkStream) Err() error {
	return s.err
}

func (s *sdkStream) Close() error {
	return s.stream.Close()
}
