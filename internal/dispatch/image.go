package dispatch

import (
	"context"
	"log/slog"

	"airelay/internal/models"
	"airelay/internal/provider"
)

// GenerateImage performs an image generation with the same chain-walk and
// retry policy as completions. The backend is invoked once per attempt even
// when n > 1; if it returns fewer images than requested the shortfall is
// passed through rather than papered over with extra calls.
func (d *Dispatcher) GenerateImage(ctx context.Context, req models.ImageGenerationRequest) (*models.ImageGenerationResponse, error) {
	chain, err := d.registry.Resolve(req.Provider)
	if err != nil {
		return nil, provider.Unavailable("no providers registered")
	}

	var backend *models.ImageGenerationResponse
	err = d.withRetry(ctx, "image_generation", func(ctx context.Context) error {
		resp, err := d.generateOnce(ctx, chain, req)
		if err != nil {
			return err
		}
		backend = resp
		return nil
	})
	if err != nil {
		return nil, err
	}

	return d.normalizeImage(req, backend), nil
}

func (d *Dispatcher) generateOnce(ctx context.Context, chain []provider.Provider, req models.ImageGenerationRequest) (*models.ImageGenerationResponse, error) {
	var errs []error
	for _, p := range chain {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		resp, err := p.GenerateImage(callCtx, req)
		cancel()
		if err == nil {
			return resp, nil
		}

		slog.Warn("provider image generation failed", "provider", p.Name(), "model", req.Model, "error", err)
		errs = append(errs, err)
	}
	return nil, chainError(errs)
}

// normalizeImage stamps the creation time and enforces that every entry
// carries exactly one of url or b64_json. When a backend supplies both, the
// requested response_format decides which survives.
func (d *Dispatcher) normalizeImage(req models.ImageGenerationRequest, backend *models.ImageGenerationResponse) *models.ImageGenerationResponse {
	out := &models.ImageGenerationResponse{
		Created: backend.Created,
		Data:    make([]models.ImageData, 0, len(backend.Data)),
	}
	if out.Created == 0 {
		out.Created = d.now().Unix()
	}

	for _, img := range backend.Data {
		if img.URL != "" && img.B64JSON != "" {
			if req.ResponseFormat == "b64_json" {
				img.URL = ""
			} else {
				img.B64JSON = ""
			}
		}
		out.Data = append(out.Data, img)
	}
	return out
}
