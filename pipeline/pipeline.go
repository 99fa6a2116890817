// Package pipeline turns a generation request into a backend invocation:
// prompt token substitution, geometry normalization, outpaint canvas and
// mask construction, edge conditioning, payload assembly, and safety
// filtering of the results.
package pipeline

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/outpaintd/outpaintd/api"
	"github.com/outpaintd/outpaintd/diffusion"
	"github.com/outpaintd/outpaintd/imageproc"
	"github.com/outpaintd/outpaintd/safety"
)

// Generation constants matching the tuned pipeline: a fixed step count
// and a near-full denoising strength so the masked region is repainted
// while the preserved region anchors the result.
const (
	NumInferenceSteps = 20
	Strength          = 0.99
)

var ErrNoImage = errors.New("an input image is required")

// Bundle identifies the weight customization the backend should run
// with: the bundle ref, its resolved cache directory, and whether it is
// an adapter (in which case the dir also carries the precomputed weight
// deltas).
type Bundle struct {
	Ref     string
	Dir     string
	Adapter bool
}

// Payload is the fully assembled backend request. All image planes share
// the same normalized dimensions.
type Payload struct {
	Prompt         string
	NegativePrompt string

	Image   *image.RGBA // outpaint canvas
	Mask    *image.RGBA // MaskPreserve over the original, MaskGenerate elsewhere
	Control *image.RGBA // canny edge conditioning

	Width  int
	Height int

	Steps          int
	Strength       float64
	GuidanceScale  float64
	ConditionScale float64
	Scheduler      diffusion.SchedulerConfig
	Seed           int64
	NumOutputs     int
	ApplyWatermark bool

	// Bundle is the active weight customization, nil when the pretrained
	// weights are in use.
	Bundle *Bundle

	// AdapterScale is set only when the loaded bundle is a low-rank
	// adapter; the backend passes it as the attention scale.
	AdapterScale *float64
}

// Generator runs the diffusion backend for an assembled payload.
type Generator interface {
	Generate(ctx context.Context, p *Payload) ([]image.Image, error)
}

// Pipeline wires the generation backend and the safety classifier.
type Pipeline struct {
	Generator  Generator
	Classifier safety.Classifier
}

// Run executes one generation request against the current customization
// state. The request must already be validated.
func (p *Pipeline) Run(ctx context.Context, req *api.GenerateRequest, state *diffusion.State) (*api.GenerateResponse, error) {
	start := time.Now()

	if len(req.Image) == 0 {
		return nil, ErrNoImage
	}

	sampler, err := diffusion.ParseSampler(req.Scheduler)
	if err != nil {
		return nil, err
	}

	seed := int64(0)
	if req.Seed != nil {
		seed = *req.Seed
	} else {
		seed = randomSeed()
		slog.Info("using random seed", "seed", seed)
	}

	prompt := state.SubstituteTokens(req.Prompt)
	negative := state.SubstituteTokens(req.NegativePrompt)

	src, err := imageproc.Decode(req.Image)
	if err != nil {
		return nil, fmt.Errorf("decoding input image: %w", err)
	}

	normalized, dims := imageproc.NormalizeImage(src)
	if b := src.Bounds(); b.Dx() != dims.Width || b.Dy() != dims.Height {
		slog.Debug("normalized input image",
			"from", fmt.Sprintf("%dx%d", b.Dx(), b.Dy()),
			"to", fmt.Sprintf("%dx%d", dims.Width, dims.Height))
	}

	exp := imageproc.Expansion{
		Left:  req.OutpaintLeft,
		Up:    req.OutpaintUp,
		Right: req.OutpaintRight,
		Down:  req.OutpaintDown,
	}

	canvas := imageproc.BuildCanvas(normalized, exp, imageproc.PatchFill{Seed: uint64(seed)})
	mask := imageproc.BuildMask(normalized, exp)
	control := imageproc.ExtractEdges(canvas)

	payload := &Payload{
		Prompt:         prompt,
		NegativePrompt: negative,
		Image:          canvas,
		Mask:           mask,
		Control:        control,
		Width:          canvas.Bounds().Dx(),
		Height:         canvas.Bounds().Dy(),
		Steps:          NumInferenceSteps,
		Strength:       Strength,
		GuidanceScale:  req.GuidanceScale,
		ConditionScale: req.ConditionScale,
		Scheduler:      sampler.Config(),
		Seed:           seed,
		NumOutputs:     req.NumOutputs,
		ApplyWatermark: req.ApplyWatermark == nil || *req.ApplyWatermark,
	}
	if state != nil && state.Ref != "" {
		payload.Bundle = &Bundle{Ref: state.Ref, Dir: state.Dir, Adapter: state.IsAdapter}
	}
	if state != nil && state.IsAdapter {
		scale := req.LoraScale
		payload.AdapterScale = &scale
	}

	images, err := p.Generator.Generate(ctx, payload)
	if err != nil {
		return nil, err
	}

	filtered, err := safety.Filter(ctx, p.Classifier, images)
	if err != nil {
		return nil, err
	}

	resp := &api.GenerateResponse{
		CreatedAt: time.Now().UTC(),
		Seed:      seed,
	}
	for _, unsafe := range filtered.Flagged {
		if unsafe {
			resp.Flagged++
		}
	}
	for _, img := range filtered.Images {
		data, err := imageproc.EncodePNG(img)
		if err != nil {
			return nil, fmt.Errorf("encoding output: %w", err)
		}
		resp.Images = append(resp.Images, data)
	}

	slog.Info("generation complete", "outputs", len(resp.Images), "flagged", resp.Flagged,
		"size", fmt.Sprintf("%dx%d", payload.Width, payload.Height),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return resp, nil
}

// randomSeed draws two bytes of device entropy, giving a seed in
// [0, 65535].
func randomSeed() int64 {
	var b [2]byte
	rand.Read(b[:])
	return int64(binary.BigEndian.Uint16(b[:]))
}
