package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"airelay/internal/catalog"
	"airelay/internal/models"
)

var standardImageSizes = map[string]bool{
	"256x256":   true,
	"512x512":   true,
	"1024x1024": true,
	"1792x1024": true,
	"1024x1792": true,
}

func (s *Server) handleRoot(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"name":        "airelay",
		"description": "OpenAI-compatible gateway over pooled AI providers",
		"version":     Version,
		"endpoints": map[string]string{
			"chat_completions": "/v1/chat/completions",
			"image_generation": "/v1/images/generate",
			"models":           "/v1/models",
			"providers":        "/v1/providers",
			"health":           "/health",
			"status":           "/status",
		},
		"features": []string{
			"OpenAI-compatible API",
			"Multiple pooled providers",
			"Streaming responses",
			"Image generation",
			"Web search integration",
			"Rate limiting",
			"Request logging",
		},
		"compatibility": "OpenAI API v1",
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, models.HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Timestamp: time.Now().Unix(),
	})
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "operational",
		"version":   Version,
		"timestamp": time.Now().Unix(),
		"config": map[string]any{
			"debug": s.cfg.Server.Debug,
			"host":  s.cfg.Server.Host,
			"port":  s.cfg.Server.Port,
			"rate_limit": map[string]int{
				"requests": s.cfg.Server.RateLimit.Requests,
				"window":   s.cfg.Server.RateLimit.WindowSeconds,
			},
		},
		"features": map[string]bool{
			"chat_completions":   true,
			"image_generation":   true,
			"streaming":          true,
			"web_search":         true,
			"provider_selection": true,
		},
		"endpoints": map[string]string{
			"chat":      "/v1/chat/completions",
			"images":    "/v1/images/generate",
			"models":    "/v1/models",
			"providers": "/v1/providers",
			"health":    "/health",
		},
	})
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req models.ChatCompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	if strings.TrimSpace(req.Model) == "" {
		req.Model = s.cfg.Gateway.DefaultChatModel
		if req.Model == "" {
			req.Model = s.cfg.Gateway.DefaultModel
		}
	}
	if target, ok := s.cfg.Gateway.ModelAliases[req.Model]; ok {
		req.Model = target
	}
	if req.Provider == "" {
		req.Provider = s.cfg.Gateway.DefaultProvider
	}

	if err := c.Validate(&req); err != nil {
		return err
	}

	slog.Info("chat completion request",
		"model", req.Model,
		"messages", len(req.Messages),
		"stream", req.Stream,
		"provider", req.Provider,
	)

	if req.Stream {
		return s.writeCompletionStream(c, req)
	}

	resp, err := s.dispatcher.Complete(c.Request().Context(), req)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// writeCompletionStream relays dispatcher events as server-sent data frames.
// A normally closed event channel is terminated with [DONE]; an error event
// ends the stream without it so clients can tell the two apart.
func (s *Server) writeCompletionStream(c echo.Context, req models.ChatCompletionRequest) error {
	ctx := c.Request().Context()

	events, err := s.dispatcher.CompleteStream(ctx, req)
	if err != nil {
		return toHTTPError(err)
	}

	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		slog.Error("http writer does not support flushing")
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    "server_error",
		}
	}

	header := c.Response().Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	for ev := range events {
		if ev.Err != nil {
			if err := writeSSEData(writer, models.ErrorResponse{Error: *ev.Err}); err != nil {
				slog.Warn("client dropped during stream error delivery", "err", err)
				return nil
			}
			flusher.Flush()
			return nil
		}

		if err := writeSSEData(writer, ev.Chunk); err != nil {
			slog.Warn("client dropped mid-stream", "err", err)
			return nil
		}
		flusher.Flush()
	}

	if _, err := io.WriteString(writer, "data: [DONE]\n\n"); err != nil {
		return nil
	}
	flusher.Flush()
	return nil
}

func (s *Server) handleChatModels(c echo.Context) error {
	data, err := s.catalog.ChatModels(c.Request().Context())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, models.ModelsResponse{Object: models.ObjectList, Data: data})
}

func (s *Server) handleImageGenerations(c echo.Context) error {
	var req models.ImageGenerationRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	if strings.TrimSpace(req.Prompt) == "" {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "Prompt cannot be empty",
			Type:    "invalid_request_error",
		}
	}

	if req.Model == "" {
		req.Model = s.cfg.Gateway.DefaultImageModel
	}
	if target, ok := s.cfg.Gateway.ModelAliases[req.Model]; ok {
		req.Model = target
	}
	if req.N == 0 {
		req.N = 1
	}
	if req.Size == "" {
		req.Size = "1024x1024"
	}
	if req.Quality == "" {
		req.Quality = "standard"
	}
	if req.ResponseFormat == "" {
		req.ResponseFormat = "url"
	}
	if req.Provider == "" {
		req.Provider = s.cfg.Gateway.DefaultProvider
	}

	if err := c.Validate(&req); err != nil {
		return err
	}

	if !standardImageSizes[req.Size] {
		slog.Warn("non-standard image size requested", "size", req.Size)
	}

	slog.Info("image generation request",
		"model", req.Model,
		"n", req.N,
		"size", req.Size,
		"format", req.ResponseFormat,
		"provider", req.Provider,
	)

	resp, err := s.dispatcher.GenerateImage(c.Request().Context(), req)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleImageModels(c echo.Context) error {
	data, err := s.catalog.ImageModels(c.Request().Context())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, models.ModelsResponse{Object: models.ObjectList, Data: data})
}

func (s *Server) handleModels(c echo.Context) error {
	data, err := s.catalog.Models(c.Request().Context())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, models.ModelsResponse{Object: models.ObjectList, Data: data})
}

func (s *Server) handleModel(c echo.Context) error {
	id := c.Param("id")

	info, err := s.catalog.Model(c.Request().Context(), id)
	if errors.Is(err, catalog.ErrModelNotFound) {
		return requestError{
			Status:  http.StatusNotFound,
			Message: fmt.Sprintf("Model '%s' not found", id),
			Type:    "invalid_request_error",
			Code:    "model_not_found",
		}
	}
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) handleProviders(c echo.Context) error {
	data, err := s.catalog.Providers(c.Request().Context())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, models.ProvidersResponse{Object: models.ObjectList, Data: data})
}

func (s *Server) handleProvider(c echo.Context) error {
	id := c.Param("id")

	info, err := s.catalog.Provider(c.Request().Context(), id)
	if errors.Is(err, catalog.ErrProviderNotFound) {
		return requestError{
			Status:  http.StatusNotFound,
			Message: fmt.Sprintf("Provider '%s' not found", id),
			Type:    "invalid_request_error",
			Code:    "provider_not_found",
		}
	}
	if err != nil {
		return toHTTPError(err)
	}

	info.Object = models.ObjectProvider
	return c.JSON(http.StatusOK, info)
}
