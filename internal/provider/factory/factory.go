// Package factory constructs providers from configuration.
package factory

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"airelay/internal/config"
	"airelay/internal/provider"
	"airelay/internal/provider/compat"
	"airelay/internal/provider/openaisdk"
)

const (
	defaultDialTimeout           = 10 * time.Second
	defaultKeepAlive             = 30 * time.Second
	defaultIdleConnTimeout       = 90 * time.Second
	defaultResponseHeaderTimeout = 30 * time.Second
)

// RegisterConfiguredProviders constructs providers from configuration and
// stores them in the registry, preserving configuration order. Entries that
// lack required credentials are skipped with a warning rather than failing
// startup, so a partially configured gateway still serves what it can.
func RegisterConfiguredProviders(cfg config.Config, registry *provider.Registry) error {
	if registry == nil {
		return errors.New("registry must not be nil")
	}

	// One shared client with no overall timeout: streamed completions hold
	// the response open past any fixed budget. Blocking calls are bounded by
	// their request contexts, connection setup by the transport limits.
	client := newHTTPClient()

	for _, pc := range cfg.Providers {
		var (
			p   provider.Provider
			err error
		)

		switch pc.Kind {
		case config.KindOpenAI:
			if pc.APIKey == "" {
				slog.Warn("skipping provider without api key", "provider", pc.Name)
				continue
			}
			p, err = openaisdk.New(pc, client)
		case config.KindCompat:
			p, err = compat.New(pc, client)
		default:
			return fmt.Errorf("provider %s: unknown kind %q", pc.Name, pc.Kind)
		}
		if err != nil {
			return fmt.Errorf("initialise provider %s: %w", pc.Name, err)
		}

		if err := registry.Register(p); err != nil {
			return fmt.Errorf("register provider %s: %w", pc.Name, err)
		}
		slog.Info("registered provider", "provider", pc.Name, "kind", pc.Kind, "models", len(pc.Models))
	}

	if registry.Len() == 0 {
		slog.Warn("no providers registered, relay requests will fail until one is configured")
	}
	return nil
}

func newHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: defaultResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{Transport: transport}
}
