package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airelay/internal/models"
	"airelay/internal/provider"
)

func imageReq(n int, format string) models.ImageGenerationRequest {
	return models.ImageGenerationRequest{
		Prompt:         "a lighthouse at dusk",
		Model:          "flux",
		N:              n,
		Size:           "1024x1024",
		ResponseFormat: format,
	}
}

func TestGenerateImagePassesShortfallThrough(t *testing.T) {
	calls := 0
	p := &fakeProvider{name: "one", generate: func(_ context.Context, req models.ImageGenerationRequest) (*models.ImageGenerationResponse, error) {
		calls++
		assert.Equal(t, 4, req.N)
		return &models.ImageGenerationResponse{
			Created: 1700000000,
			Data: []models.ImageData{
				{URL: "https://img.example/1.png"},
				{URL: "https://img.example/2.png"},
			},
		}, nil
	}}
	d, _ := newTestDispatcher(t, p)

	resp, err := d.GenerateImage(context.Background(), imageReq(4, "url"))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(1700000000), resp.Created)
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "https://img.example/1.png", resp.Data[0].URL)
}

func TestGenerateImageFormatExclusive(t *testing.T) {
	cases := []struct {
		format  string
		wantURL string
		wantB64 string
	}{
		{format: "url", wantURL: "https://img.example/1.png", wantB64: ""},
		{format: "b64_json", wantURL: "", wantB64: "aGVsbG8="},
	}
	for _, tc := range cases {
		p := &fakeProvider{name: "one", generate: func(context.Context, models.ImageGenerationRequest) (*models.ImageGenerationResponse, error) {
			return &models.ImageGenerationResponse{
				Created: 1700000000,
				Data:    []models.ImageData{{URL: "https://img.example/1.png", B64JSON: "aGVsbG8="}},
			}, nil
		}}
		d, _ := newTestDispatcher(t, p)

		resp, err := d.GenerateImage(context.Background(), imageReq(1, tc.format))
		require.NoError(t, err)
		require.Len(t, resp.Data, 1)
		assert.Equal(t, tc.wantURL, resp.Data[0].URL, "format %s", tc.format)
		assert.Equal(t, tc.wantB64, resp.Data[0].B64JSON, "format %s", tc.format)
	}
}

func TestGenerateImageStampsMissingCreated(t *testing.T) {
	p := &fakeProvider{name: "one", generate: func(context.Context, models.ImageGenerationRequest) (*models.ImageGenerationResponse, error) {
		return &models.ImageGenerationResponse{
			Data: []models.ImageData{{URL: "https://img.example/1.png"}},
		}, nil
	}}
	d, _ := newTestDispatcher(t, p)
	d.now = func() time.Time { return time.Unix(1700000123, 0) }

	resp, err := d.GenerateImage(context.Background(), imageReq(1, "url"))
	require.NoError(t, err)
	assert.Equal(t, int64(1700000123), resp.Created)
}

func TestGenerateImageRetriesTransient(t *testing.T) {
	calls := 0
	p := &fakeProvider{name: "one", generate: func(context.Context, models.ImageGenerationRequest) (*models.ImageGenerationResponse, error) {
		calls++
		if calls == 1 {
			return nil, provider.Transient("one", "image backend busy", nil)
		}
		return &models.ImageGenerationResponse{
			Created: 1700000000,
			Data:    []models.ImageData{{URL: "https://img.example/1.png"}},
		}, nil
	}}
	d, sleeps := newTestDispatcher(t, p)

	resp, err := d.GenerateImage(context.Background(), imageReq(1, "url"))
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, *sleeps)
	require.Len(t, resp.Data, 1)
}

func TestGenerateImageFallsThroughUnsupported(t *testing.T) {
	chatOnly := &fakeProvider{name: "chat-only"}
	imageCapable := &fakeProvider{name: "image", generate: func(context.Context, models.ImageGenerationRequest) (*models.ImageGenerationResponse, error) {
		return &models.ImageGenerationResponse{
			Created: 1700000000,
			Data:    []models.ImageData{{URL: "https://img.example/1.png"}},
		}, nil
	}}
	d, _ := newTestDispatcher(t, chatOnly, imageCapable)

	resp, err := d.GenerateImage(context.Background(), imageReq(1, "url"))
	require.NoError(t, err)
	require.Len(t, resp.Data, 1)
}
