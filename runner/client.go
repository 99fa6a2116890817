package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"

	"github.com/outpaintd/outpaintd/api"
	"github.com/outpaintd/outpaintd/diffusion"
	"github.com/outpaintd/outpaintd/imageproc"
	"github.com/outpaintd/outpaintd/pipeline"
)

// generateRequest is the engine's wire format for one generation. Image
// planes travel as base64 PNG.
type generateRequest struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`

	Image   api.ImageData `json:"image"`
	Mask    api.ImageData `json:"mask"`
	Control api.ImageData `json:"control"`

	Width  int `json:"width"`
	Height int `json:"height"`

	Steps          int                       `json:"num_inference_steps"`
	Strength       float64                   `json:"strength"`
	GuidanceScale  float64                   `json:"guidance_scale"`
	ConditionScale float64                   `json:"controlnet_conditioning_scale"`
	Scheduler      diffusion.SchedulerConfig `json:"scheduler"`
	Seed           int64                     `json:"seed"`
	NumOutputs     int                       `json:"num_outputs"`
	ApplyWatermark bool                      `json:"apply_watermark"`
	AdapterScale   *float64                  `json:"adapter_scale,omitempty"`

	WeightsRef     string `json:"weights_ref,omitempty"`
	WeightsDir     string `json:"weights_dir,omitempty"`
	WeightsAdapter bool   `json:"weights_adapter,omitempty"`
}

type generateResponse struct {
	Images []api.ImageData `json:"images"`
}

type classifyRequest struct {
	Images []api.ImageData `json:"images"`
}

type classifyResponse struct {
	Images []api.ImageData `json:"images"`
	NSFW   []bool          `json:"nsfw"`
}

func (r *Runner) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("engine %s: %s: %s", path, resp.Status, bytes.TrimSpace(msg))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// Generate sends an assembled payload to the engine and decodes the
// returned images.
func (r *Runner) Generate(ctx context.Context, p *pipeline.Payload) ([]image.Image, error) {
	encode := func(img image.Image) (api.ImageData, error) {
		return imageproc.EncodePNG(img)
	}

	var req generateRequest
	var err error
	if req.Image, err = encode(p.Image); err != nil {
		return nil, err
	}
	if req.Mask, err = encode(p.Mask); err != nil {
		return nil, err
	}
	if req.Control, err = encode(p.Control); err != nil {
		return nil, err
	}

	req.Prompt = p.Prompt
	req.NegativePrompt = p.NegativePrompt
	req.Width = p.Width
	req.Height = p.Height
	req.Steps = p.Steps
	req.Strength = p.Strength
	req.GuidanceScale = p.GuidanceScale
	req.ConditionScale = p.ConditionScale
	req.Scheduler = p.Scheduler
	req.Seed = p.Seed
	req.NumOutputs = p.NumOutputs
	req.ApplyWatermark = p.ApplyWatermark
	req.AdapterScale = p.AdapterScale
	if p.Bundle != nil {
		req.WeightsRef = p.Bundle.Ref
		req.WeightsDir = p.Bundle.Dir
		req.WeightsAdapter = p.Bundle.Adapter
	}

	var resp generateResponse
	if err := r.post(ctx, "/generate", &req, &resp); err != nil {
		return nil, err
	}

	images := make([]image.Image, 0, len(resp.Images))
	for i, data := range resp.Images {
		img, err := imageproc.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("decoding engine output %d: %w", i, err)
		}
		images = append(images, img)
	}
	return images, nil
}

// Classify runs the engine's safety checker over a batch of images.
func (r *Runner) Classify(ctx context.Context, images []image.Image) ([]image.Image, []bool, error) {
	req := classifyRequest{Images: make([]api.ImageData, len(images))}
	for i, img := range images {
		data, err := imageproc.EncodePNG(img)
		if err != nil {
			return nil, nil, err
		}
		req.Images[i] = data
	}

	var resp classifyResponse
	if err := r.post(ctx, "/classify", &req, &resp); err != nil {
		return nil, nil, err
	}

	if len(resp.NSFW) != len(images) {
		return nil, nil, fmt.Errorf("engine returned %d verdicts for %d images", len(resp.NSFW), len(images))
	}

	out := images
	if len(resp.Images) == len(images) {
		out = make([]image.Image, len(images))
		for i, data := range resp.Images {
			img, err := imageproc.Decode(data)
			if err != nil {
				return nil, nil, fmt.Errorf("decoding classified image %d: %w", i, err)
			}
			out[i] = img
		}
	}

	return out, resp.NSFW, nil
}
