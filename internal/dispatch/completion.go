package dispatch

import (
	"context"
	"log/slog"

	"airelay/internal/models"
	"airelay/internal/provider"
)

// StreamEvent is one item of a streamed completion. Exactly one of Chunk or
// Err is set; an Err event is always the last before the channel closes.
type StreamEvent struct {
	Chunk *models.ChatCompletionChunk
	Err   *models.APIError
}

// Complete performs a blocking chat completion: resolve the failover chain,
// walk it until a backend answers, retry transient walk failures, and wrap
// the winning text into a fresh single-choice response.
func (d *Dispatcher) Complete(ctx context.Context, req models.ChatCompletionRequest) (*models.ChatCompletionResponse, error) {
	chain, err := d.registry.Resolve(req.Provider)
	if err != nil {
		return nil, provider.Unavailable("no providers registered")
	}

	var backend *models.ChatCompletionResponse
	err = d.withRetry(ctx, "chat_completion", func(ctx context.Context) error {
		resp, err := d.completeOnce(ctx, chain, req)
		if err != nil {
			return err
		}
		backend = resp
		return nil
	})
	if err != nil {
		return nil, err
	}

	return d.normalizeCompletion(req, backend), nil
}

func (d *Dispatcher) completeOnce(ctx context.Context, chain []provider.Provider, req models.ChatCompletionRequest) (*models.ChatCompletionResponse, error) {
	var errs []error
	for _, p := range chain {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		resp, err := p.Complete(callCtx, req)
		cancel()
		if err == nil {
			return resp, nil
		}

		slog.Warn("provider completion failed", "provider", p.Name(), "model", req.Model, "error", err)
		errs = append(errs, err)
	}
	return nil, chainError(errs)
}

func (d *Dispatcher) normalizeCompletion(req models.ChatCompletionRequest, backend *models.ChatCompletionResponse) *models.ChatCompletionResponse {
	var content string
	if len(backend.Choices) > 0 {
		content = backend.Choices[0].Message.Content
	}

	return &models.ChatCompletionResponse{
		ID:      d.newID(),
		Object:  models.ObjectChatCompletion,
		Created: d.now().Unix(),
		Model:   req.Model,
		Choices: []models.ChatCompletionChoice{
			{
				Index: 0,
				Message: models.ChatMessage{
					Role:    models.RoleAssistant,
					Content: content,
				},
				FinishReason: models.StrPtr(models.FinishReasonStop),
			},
		},
		// Pooled backends never report token accounting.
		Usage: &models.Usage{},
	}
}

// CompleteStream opens a streaming chat completion and returns the channel
// of events feeding it. Retries cover only the opening of the backend stream;
// once the first fragment may have flowed, a failure is delivered in-band as
// a terminal error event. The producer goroutine stops when the consumer's
// context is cancelled and always closes the backend stream and the channel.
func (d *Dispatcher) CompleteStream(ctx context.Context, req models.ChatCompletionRequest) (<-chan StreamEvent, error) {
	chain, err := d.registry.Resolve(req.Provider)
	if err != nil {
		return nil, provider.Unavailable("no providers registered")
	}

	var stream provider.Stream
	err = d.withRetry(ctx, "chat_completion_stream", func(ctx context.Context) error {
		s, err := d.openOnce(ctx, chain, req)
		if err != nil {
			return err
		}
		stream = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent, 1)
	go d.pump(ctx, d.newID(), req.Model, stream, events)
	return events, nil
}

// openOnce walks the chain until a backend accepts the stream. No artificial
// deadline is applied: the stream must outlive any per-call timeout, and the
// transport's own limits bound the connection phase.
func (d *Dispatcher) openOnce(ctx context.Context, chain []provider.Provider, req models.ChatCompletionRequest) (provider.Stream, error) {
	var errs []error
	for _, p := range chain {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		stream, err := p.OpenStream(ctx, req)
		if err == nil {
			return stream, nil
		}

		slog.Warn("provider stream open failed", "provider", p.Name(), "model", req.Model, "error", err)
		errs = append(errs, err)
	}
	return nil, chainError(errs)
}

func (d *Dispatcher) pump(ctx context.Context, id, model string, stream provider.Stream, events chan<- StreamEvent) {
	defer close(events)
	defer stream.Close()

	for stream.Next() {
		chunk := d.contentChunk(id, model, stream.Fragment())
		if !send(ctx, events, StreamEvent{Chunk: chunk}) {
			return
		}
	}

	if err := stream.Err(); err != nil {
		slog.Error("stream failed mid-flight", "model", model, "error", err)
		send(ctx, events, StreamEvent{Err: &models.APIError{
			Message: err.Error(),
			Type:    "server_error",
			Code:    "internal_error",
		}})
		return
	}

	send(ctx, events, StreamEvent{Chunk: d.finalChunk(id, model)})
}

func send(ctx context.Context, events chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (d *Dispatcher) contentChunk(id, model, fragment string) *models.ChatCompletionChunk {
	return &models.ChatCompletionChunk{
		ID:      id,
		Object:  models.ObjectChatCompletionChunk,
		Created: d.now().Unix(),
		Model:   model,
		Choices: []models.ChatCompletionStreamChoice{
			{
				Index: 0,
				Delta: models.ChunkDelta{
					Role:    models.RoleAssistant,
					Content: fragment,
				},
			},
		},
	}
}

func (d *Dispatcher) finalChunk(id, model string) *models.ChatCompletionChunk {
	return &models.ChatCompletionChunk{
		ID:      id,
		Object:  models.ObjectChatCompletionChunk,
		Created: d.now().Unix(),
		Model:   model,
		Choices: []models.ChatCompletionStreamChoice{
			{
				Index:        0,
				Delta:        models.ChunkDelta{},
				FinishReason: models.StrPtr(models.FinishReasonStop),
			},
		},
	}
}
