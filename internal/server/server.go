package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"airelay/internal/catalog"
	"airelay/internal/config"
	"airelay/internal/dispatch"
)

// Version is reported by /, /health and /status.
const Version = "1.0.0"

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
	warmTimeout         = 15 * time.Second
)

type Server struct {
	cfg        config.Config
	dispatcher *dispatch.Dispatcher
	catalog    *catalog.Catalog
	app        *echo.Echo
	address    string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, d *dispatch.Dispatcher, cat *catalog.Catalog) (*Server, error) {
	if d == nil {
		return nil, errors.New("dispatcher must not be nil")
	}
	if cat == nil {
		return nil, errors.New("catalog must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, fmt.Errorf("init request id generator: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Server.Debug
	e.HTTPErrorHandler = openAIErrorHandler
	e.IPExtractor = echo.ExtractIPFromXFFHeader()
	e.Validator = &CustomValidator{Validator: newValidate()}

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return node.Generate().String() },
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRequestID: true,
		LogRemoteIP:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"request_id", v.RequestID,
				"remote_ip", v.RemoteIP,
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))
	if cfg.Server.CORSEnabled {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:     cfg.Server.CORSOrigins,
			AllowCredentials: true,
		}))
	}
	if cfg.Server.RateLimit.Requests > 0 {
		e.Use(middleware.RateLimiterWithConfig(rateLimiterConfig(cfg.Server.RateLimit)))
	}
	e.Use(processTime())

	srv := &Server{
		cfg:        cfg,
		dispatcher: d,
		catalog:    cat,
		app:        e,
		address:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Run warms the model catalog, starts the HTTP server and blocks until the
// context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	warmCtx, cancel := context.WithTimeout(ctx, warmTimeout)
	s.catalog.Warm(warmCtx)
	cancel()

	printStartupBanner(s.cfg.Server.Port)
	slog.Info("starting server", "addr", s.address)

	// No WriteTimeout: streamed completions hold the response open longer
	// than any fixed deadline.
	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/", s.handleRoot)
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/status", s.handleStatus)

	v1 := s.app.Group("/v1")
	v1.POST("/chat/completions", s.handleChatCompletions)
	v1.GET("/chat/completions/models", s.handleChatModels)
	v1.POST("/images/generate", s.handleImageGenerations)
	v1.GET("/images/models", s.handleImageModels)
	v1.GET("/models", s.handleModels)
	v1.GET("/models/:id", s.handleModel)
	v1.GET("/providers", s.handleProviders)
	v1.GET("/providers/:id", s.handleProvider)
}

// CustomValidator adapts go-playground/validator to echo's Validator hook.
// Validation failures surface as OpenAI invalid_request_error envelopes.
type CustomValidator struct {
	Validator *validator.Validate
}

func (v *CustomValidator) Validate(i any) error {
	err := v.Validator.Struct(i)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid value for %q: failed %q constraint", fe.Field(), fe.Tag()),
			Type:    "invalid_request_error",
		}
	}
	return requestError{
		Status:  http.StatusBadRequest,
		Message: err.Error(),
		Type:    "invalid_request_error",
	}
}

// newValidate builds a validator that reports JSON field names rather than Go
// struct field names.
func newValidate() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func rateLimiterConfig(rl config.RateLimitConfig) middleware.RateLimiterConfig {
	window := time.Duration(rl.WindowSeconds) * time.Second
	return middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(float64(rl.Requests) / window.Seconds()),
			Burst:     rl.Requests,
			ExpiresIn: 3 * window,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return requestError{
				Status:  http.StatusForbidden,
				Message: "unable to identify client",
				Type:    "invalid_request_error",
			}
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			header := c.Response().Header()
			header.Set("Retry-After", strconv.Itoa(rl.WindowSeconds))
			header.Set("X-RateLimit-Limit", strconv.Itoa(rl.Requests))
			header.Set("X-RateLimit-Window", strconv.Itoa(rl.WindowSeconds))
			return requestError{
				Status:  http.StatusTooManyRequests,
				Message: "Rate limit exceeded",
				Type:    "rate_limit_error",
				Code:    "rate_limit_exceeded",
			}
		},
	}
}

// processTime stamps X-Process-Time, the wall-clock seconds spent serving the
// request, just before the response header is written.
func processTime() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			c.Response().Before(func() {
				elapsed := time.Since(start).Seconds()
				c.Response().Header().Set("X-Process-Time", strconv.FormatFloat(elapsed, 'f', -1, 64))
			})
			return next(c)
		}
	}
}

func printStartupBanner(port int) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("airelay ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  POST /v1/chat/completions")
	fmt.Println("  POST /v1/images/generate")
	fmt.Println("  GET  /v1/models")
	fmt.Println("  GET  /v1/providers")
	fmt.Println("  GET  /health")
	fmt.Println("Any OpenAI-compatible client works; point its base URL at this server.")
	fmt.Printf("Example:\n  curl http://%s:%d/v1/chat/completions -H 'Content-Type: application/json' -d '{\"model\":\"gpt-4o\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", host, port)
}
