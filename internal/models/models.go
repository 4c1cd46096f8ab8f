package models

import (
	"encoding/json"
	"fmt"
)

// Object type markers used across the OpenAI-compatible wire format.
const (
	ObjectChatCompletion      = "chat.completion"
	ObjectChatCompletionChunk = "chat.completion.chunk"
	ObjectModel               = "model"
	ObjectProvider            = "provider"
	ObjectList                = "list"
)

// Message roles accepted on chat completion requests.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleFunction  = "function"
	RoleTool      = "tool"
)

// ChatMessage is a single conversational message. Messages are value objects;
// once a request is dispatched they are never mutated.
type ChatMessage struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant function tool"`
	Content string `json:"content" validate:"required"`
	Name    string `json:"name,omitempty"`
}

// StopSequences accepts either a single string or a list of strings on the
// wire, matching the OpenAI "stop" parameter. It always marshals as a list.
type StopSequences []string

func (s *StopSequences) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = StopSequences{single}
		return nil
	}

	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("stop must be a string or a list of strings")
	}
	*s = StopSequences(many)
	return nil
}

// ChatCompletionRequest is the body of POST /v1/chat/completions.
type ChatCompletionRequest struct {
	Model            string        `json:"model"`
	Messages         []ChatMessage `json:"messages" validate:"required,min=1,dive"`
	Temperature      *float64      `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens        *int          `json:"max_tokens,omitempty" validate:"omitempty,gt=0"`
	TopP             *float64      `json:"top_p,omitempty" validate:"omitempty,gte=0,lte=1"`
	FrequencyPenalty *float64      `json:"frequency_penalty,omitempty" validate:"omitempty,gte=-2,lte=2"`
	PresencePenalty  *float64      `json:"presence_penalty,omitempty" validate:"omitempty,gte=-2,lte=2"`
	Stop             StopSequences `json:"stop,omitempty"`
	Stream           bool          `json:"stream,omitempty"`
	User             string        `json:"user,omitempty"`
	Provider         string        `json:"provider,omitempty"`
	WebSearch        bool          `json:"web_search,omitempty"`
}

// ChatCompletionChoice is one alternative completion within a response.
type ChatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason *string     `json:"finish_reason"`
}

// Usage records token accounting. The pooled backends never report real
// counts, so dispatched completions carry zeros.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionResponse is the non-streaming completion result.
type ChatCompletionResponse struct {
	ID                string                 `json:"id"`
	Object            string                 `json:"object"`
	Created           int64                  `json:"created"`
	Model             string                 `json:"model"`
	Choices           []ChatCompletionChoice `json:"choices"`
	Usage             *Usage                 `json:"usage,omitempty"`
	SystemFingerprint string                 `json:"system_fingerprint,omitempty"`
}

// ChunkDelta carries the incremental part of a streamed message. The terminal
// chunk of a stream has an empty delta.
type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChatCompletionStreamChoice is one choice slot within a stream chunk.
type ChatCompletionStreamChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChatCompletionChunk is one incremental unit of a streamed completion. All
// chunks of one stream share an id; exactly one terminal chunk carries a
// finish reason.
type ChatCompletionChunk struct {
	ID                string                       `json:"id"`
	Object            string                       `json:"object"`
	Created           int64                        `json:"created"`
	Model             string                       `json:"model"`
	Choices           []ChatCompletionStreamChoice `json:"choices"`
	SystemFingerprint string                       `json:"system_fingerprint,omitempty"`
}

// ImageGenerationRequest is the body of POST /v1/images/generate.
type ImageGenerationRequest struct {
	Prompt         string `json:"prompt" validate:"required"`
	Model          string `json:"model"`
	N              int    `json:"n,omitempty" validate:"omitempty,gte=1,lte=10"`
	Size           string `json:"size,omitempty"`
	Quality        string `json:"quality,omitempty"`
	ResponseFormat string `json:"response_format,omitempty" validate:"omitempty,oneof=url b64_json"`
	Style          string `json:"style,omitempty"`
	User           string `json:"user,omitempty"`
	Provider       string `json:"provider,omitempty"`
}

// ImageData holds one generated image: a URL or a base64 payload, never both.
type ImageData struct {
	URL           string `json:"url,omitempty"`
	B64JSON       string `json:"b64_json,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// ImageGenerationResponse is the image generation result.
type ImageGenerationResponse struct {
	Created int64       `json:"created"`
	Data    []ImageData `json:"data"`
}

// ModelInfo describes one catalog model in the OpenAI models format.
type ModelInfo struct {
	ID         string           `json:"id"`
	Object     string           `json:"object"`
	Created    int64            `json:"created"`
	OwnedBy    string           `json:"owned_by"`
	Permission []map[string]any `json:"permission"`
	Root       string           `json:"root,omitempty"`
	Parent     string           `json:"parent,omitempty"`
}

// ModelsResponse is the list envelope for GET /v1/models.
type ModelsResponse struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// ProviderInfo describes one backend provider and its capabilities.
type ProviderInfo struct {
	ID     string         `json:"id"`
	Object string         `json:"object,omitempty"`
	URL    string         `json:"url,omitempty"`
	Models []string       `json:"models"`
	Params map[string]any `json:"params"`
}

// ProvidersResponse is the list envelope for GET /v1/providers.
type ProvidersResponse struct {
	Object string         `json:"object"`
	Data   []ProviderInfo `json:"data"`
}

// APIError is the error payload carried inside the gateway error envelope and
// inside error-shaped stream chunks.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// ErrorResponse is the top-level error envelope.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Timestamp int64  `json:"timestamp"`
}

// FinishReasonStop is the finish reason assigned to normally completed
// choices and terminal stream chunks.
const FinishReasonStop = "stop"

// StrPtr returns a pointer to s, for finish-reason fields.
func StrPtr(s string) *string {
	return &s
}
