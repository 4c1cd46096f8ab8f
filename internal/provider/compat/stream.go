package compat

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"airelay/internal/models"
	"airelay/internal/provider"
)

// maxSSELineSize bounds a single SSE line. The bufio.Scanner default of
// 64 KiB is too small for long completion deltas.
const maxSSELineSize = 1 * 1024 * 1024

// OpenStream starts a streaming chat completion. The returned stream owns the
// response body; the caller must drain it and call Close.
func (p *Provider) OpenStream(ctx context.Context, req models.ChatCompletionRequest) (provider.Stream, error) {
	if !p.supportsStream {
		return nil, fmt.Errorf("streaming is not supported by provider %s: %w", p.name, provider.ErrUnsupportedOperation)
	}

	payload := buildChatPayload(req, true)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.chatURL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}
	p.setHeaders(httpReq, true)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, provider.Transient(p.name, "stream request failed", err)
	}

	if httpResp.StatusCode >= 400 {
		defer httpResp.Body.Close()
		return nil, p.parseAPIError(httpResp)
	}

	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineSize)

	return &chatStream{
		providerName: p.name,
		body:         httpResp.Body,
		scanner:      scanner,
	}, nil
}

// chatStream reads SSE frames off the wire and yields the non-empty text
// deltas they carry. Frames that are not valid chunk JSON are skipped; loose
// backends interleave keep-alive noise with real events.
type chatStream struct {
	providerName string
	body         io.ReadCloser
	scanner      *bufio.Scanner

	fragment  string
	err       error
	done      bool
	closeOnce sync.Once
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *models.APIError `json:"error"`
}

func (s *chatStream) Next() bool {
	if s.done || s.err != nil {
		return false
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.done = true
			return false
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		if chunk.Error != nil {
			s.err = &provider.Error{
				Kind:     provider.KindTransient,
				Provider: s.providerName,
				Message:  chunk.Error.Message,
			}
			s.done = true
			return false
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		if content := chunk.Choices[0].Delta.Content; content != "" {
			s.fragment = content
			return true
		}
	}

	s.done = true
	if err := s.scanner.Err(); err != nil {
		s.err = provider.Transient(s.providerName, "read stream", err)
	}
	return false
}

func (s *chatStream) Fragment() string {
	return s.fragment
}

func (s *chatStream) Err() error {
	return s.err
}

func (s *chatStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}
