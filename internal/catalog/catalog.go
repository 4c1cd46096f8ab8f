// Package catalog maintains a TTL-cached view of the models and providers the
// registered backends expose. Listings are assembled from every provider; a
// backend that fails to answer is skipped, and when nothing answers at all
// the catalog serves its last good listing, or a built-in default set, so the
// listing endpoints keep working.
package catalog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"airelay/internal/models"
	"airelay/internal/provider"
)

// ErrModelNotFound indicates the requested model id is absent from the
// catalog.
var ErrModelNotFound = errors.New("model not found")

// ErrProviderNotFound indicates the requested provider id is absent from the
// catalog.
var ErrProviderNotFound = errors.New("provider not found")

// imageOnlyModels are ids that can only serve image generation. The chat
// listing excludes them; the image listing includes nothing else.
var imageOnlyModels = map[string]struct{}{
	"flux":             {},
	"dall-e-3":         {},
	"dall-e-2":         {},
	"midjourney":       {},
	"stable-diffusion": {},
}

// defaultImageModels are fabricated when no registered backend advertises an
// image-capable model.
var defaultImageModels = []string{"flux", "dall-e-3", "dall-e-2"}

type snapshot struct {
	models    []models.ModelInfo
	providers []models.ProviderInfo
	fetchedAt time.Time
}

// Catalog caches model and provider listings for a fixed TTL.
type Catalog struct {
	registry *provider.Registry
	ttl      time.Duration
	now      func() time.Time

	mu  sync.Mutex
	cur atomic.Pointer[snapshot]
}

// New constructs a catalog over the registry with the given cache lifetime.
func New(registry *provider.Registry, ttl time.Duration) *Catalog {
	return &Catalog{
		registry: registry,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Models returns every model the backends advertise.
func (c *Catalog) Models(ctx context.Context) ([]models.ModelInfo, error) {
	snap, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return append([]models.ModelInfo(nil), snap.models...), nil
}

// Model returns the catalog entry for one model id.
func (c *Catalog) Model(ctx context.Context, id string) (models.ModelInfo, error) {
	snap, err := c.snapshot(ctx)
	if err != nil {
		return models.ModelInfo{}, err
	}
	for _, m := range snap.models {
		if m.ID == id {
			return m, nil
		}
	}
	return models.ModelInfo{}, ErrModelNotFound
}

// ChatModels returns the models usable for chat completions.
func (c *Catalog) ChatModels(ctx context.Context) ([]models.ModelInfo, error) {
	snap, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]models.ModelInfo, 0, len(snap.models))
	for _, m := range snap.models {
		if _, imageOnly := imageOnlyModels[m.ID]; imageOnly {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// ImageModels returns the models usable for image generation. When no backend
// advertises one, a default set is fabricated so clients always have
// something to pick from.
func (c *Catalog) ImageModels(ctx context.Context) ([]models.ModelInfo, error) {
	snap, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]models.ModelInfo, 0, len(defaultImageModels))
	for _, m := range snap.models {
		if _, ok := imageOnlyModels[m.ID]; ok {
			out = append(out, m)
		}
	}
	if len(out) > 0 {
		return out, nil
	}

	created := c.now().Unix()
	for _, id := range defaultImageModels {
		out = append(out, models.ModelInfo{
			ID:         id,
			Object:     models.ObjectModel,
			Created:    created,
			OwnedBy:    "airelay",
			Permission: []map[string]any{},
		})
	}
	return out, nil
}

// Providers returns the registered backends and their advertised models.
func (c *Catalog) Providers(ctx context.Context) ([]models.ProviderInfo, error) {
	snap, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return append([]models.ProviderInfo(nil), snap.providers...), nil
}

// Provider returns the catalog entry for one provider id.
func (c *Catalog) Provider(ctx context.Context, id string) (models.ProviderInfo, error) {
	snap, err := c.snapshot(ctx)
	if err != nil {
		return models.ProviderInfo{}, err
	}
	for _, p := range snap.providers {
		if p.ID == id {
			return p, nil
		}
	}
	return models.ProviderInfo{}, ErrProviderNotFound
}

// Warm populates the cache ahead of the first request so startup surfaces
// backend listing problems early. Failures are logged, never fatal.
func (c *Catalog) Warm(ctx context.Context) {
	if _, err := c.snapshot(ctx); err != nil {
		slog.Warn("catalog warm-up failed", "error", err)
	}
}

// snapshot returns the cached listing, refreshing it when the TTL has
// elapsed. A refresh that yields nothing falls back to the last good
// snapshot, or to defaults when none exists, without overwriting the cache.
func (c *Catalog) snapshot(ctx context.Context) (*snapshot, error) {
	if snap := c.cur.Load(); snap != nil && c.now().Sub(snap.fetchedAt) < c.ttl {
		return snap, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if snap := c.cur.Load(); snap != nil && c.now().Sub(snap.fetchedAt) < c.ttl {
		return snap, nil
	}

	snap, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	if len(snap.models) == 0 {
		// A failed refresh never overwrites the cache: serve the last good
		// snapshot when one exists, defaults otherwise, and let the next
		// call retry the backends.
		if last := c.cur.Load(); last != nil {
			slog.Warn("catalog refresh returned no models, serving last good snapshot")
			return last, nil
		}
		slog.Warn("catalog refresh returned no models, serving defaults")
		return c.defaults(), nil
	}

	c.cur.Store(snap)
	return snap, nil
}

func (c *Catalog) fetch(ctx context.Context) (*snapshot, error) {
	providers := c.registry.All()

	snap := &snapshot{fetchedAt: c.now()}
	seen := make(map[string]struct{})

	for _, p := range providers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		listed, err := p.Models(ctx)
		if err != nil {
			slog.Warn("provider model listing failed", "provider", p.Name(), "error", err)
		} else {
			for _, m := range listed {
				if _, dup := seen[m.ID]; dup {
					continue
				}
				seen[m.ID] = struct{}{}
				snap.models = append(snap.models, m)
			}
		}

		snap.providers = append(snap.providers, p.Describe())
	}

	if len(snap.providers) == 0 {
		snap.providers = defaultProviders()
	}
	return snap, nil
}

// defaults is the listing served when no backend yields a single model.
func (c *Catalog) defaults() *snapshot {
	created := c.now().Unix()
	perm := []map[string]any{}
	return &snapshot{
		models: []models.ModelInfo{
			{ID: "gpt-3.5-turbo", Object: models.ObjectModel, Created: created, OwnedBy: "airelay", Permission: perm},
			{ID: "gpt-4", Object: models.ObjectModel, Created: created, OwnedBy: "airelay", Permission: perm},
		},
		providers: defaultProviders(),
		fetchedAt: c.now(),
	}
}

func defaultProviders() []models.ProviderInfo {
	params := map[string]any{"supports_stream": true}
	return []models.ProviderInfo{
		{ID: "OpenAI", URL: "https://api.openai.com", Models: []string{"gpt-3.5-turbo", "gpt-4"}, Params: params},
		{ID: "Bing", URL: "https://www.bing.com", Models: []string{"gpt-4"}, Params: params},
		{ID: "ChatGPT", URL: "https://chat.openai.com", Models: []string{"gpt-3.5-turbo", "gpt-4"}, Params: params},
	}
}
