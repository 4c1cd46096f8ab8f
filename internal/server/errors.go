package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"airelay/internal/models"
	"airelay/internal/provider"
)

// requestError is the boundary error carrier. Handlers and middleware return
// it; the error handler renders it as an OpenAI error envelope.
type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

func writeError(c echo.Context, status int, message, errType, code string) error {
	return c.JSON(status, models.ErrorResponse{
		Error: models.APIError{
			Message: message,
			Type:    errType,
			Code:    code,
		},
	})
}

// openAIErrorHandler renders every error escaping a handler as an OpenAI
// error envelope. Responses already committed (streams) are left alone.
func openAIErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		message := http.StatusText(httpErr.Code)
		if m, ok := httpErr.Message.(string); ok {
			message = m
		}
		errType := "invalid_request_error"
		if httpErr.Code >= http.StatusInternalServerError {
			errType = "server_error"
		}
		_ = writeError(c, httpErr.Code, message, errType, "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "Internal server error", "server_error", "internal_error")
}

// toHTTPError maps dispatch failures onto boundary errors: fatal upstream
// rejections keep their 4xx status, exhausted transient chains become 502,
// and chains with no capable provider become 503.
func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	var provErr *provider.Error
	if errors.As(err, &provErr) {
		switch provErr.Kind {
		case provider.KindFatal:
			status := http.StatusBadRequest
			if provErr.Status >= 400 && provErr.Status < 500 {
				status = provErr.Status
			}
			return requestError{
				Status:  status,
				Message: provErr.Message,
				Type:    "invalid_request_error",
			}
		case provider.KindUnavailable:
			return requestError{
				Status:  http.StatusServiceUnavailable,
				Message: provErr.Message,
				Type:    "server_error",
				Code:    "backend_unavailable",
			}
		default:
			return requestError{
				Status:  http.StatusBadGateway,
				Message: provErr.Message,
				Type:    "upstream_error",
			}
		}
	}

	return requestError{
		Status:  http.StatusBadGateway,
		Message: "upstream provider error",
		Type:    "upstream_error",
	}
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

func writeSSEData(w io.Writer, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}
