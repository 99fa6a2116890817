// Package api defines the request and response types for the outpaintd
// HTTP API, and a small client for talking to a running server.
package api

import (
	"fmt"
	"time"
)

// StatusError is an error with an HTTP status code and message.
type StatusError struct {
	StatusCode   int
	Status       string
	ErrorMessage string `json:"error"`
}

func (e StatusError) Error() string {
	switch {
	case e.Status != "" && e.ErrorMessage != "":
		return fmt.Sprintf("%s: %s", e.Status, e.ErrorMessage)
	case e.Status != "":
		return e.Status
	case e.ErrorMessage != "":
		return e.ErrorMessage
	default:
		return "something went wrong, please see the outpaintd server logs for details"
	}
}

// ImageData is raw encoded image bytes. encoding/json transports it as
// base64.
type ImageData []byte

// GenerateRequest describes a single outpainting generation.
type GenerateRequest struct {
	// Prompt is the text prompt. Defaults to a fixed example prompt.
	Prompt string `json:"prompt"`

	// NegativePrompt steers generation away from its content.
	NegativePrompt string `json:"negative_prompt,omitempty"`

	// Image is the input image to outpaint.
	Image ImageData `json:"image,omitempty"`

	// Outpaint growth per direction, in pixels, each 0..512.
	OutpaintLeft  int `json:"outpaint_left,omitempty"`
	OutpaintRight int `json:"outpaint_right,omitempty"`
	OutpaintUp    int `json:"outpaint_up,omitempty"`
	OutpaintDown  int `json:"outpaint_down,omitempty"`

	// ConditionScale is the edge-conditioning strength, 0..1.
	ConditionScale float64 `json:"condition_scale,omitempty"`

	// LoraWeights names a weight bundle to apply before generating.
	LoraWeights string `json:"lora_weights,omitempty"`

	// LoraScale is the adapter additive scale, 0..1. Only applies when the
	// loaded bundle is a low-rank adapter.
	LoraScale float64 `json:"lora_scale,omitempty"`

	// NumOutputs is the number of images to generate, 1..4.
	NumOutputs int `json:"num_outputs,omitempty"`

	// Scheduler selects the sampler variant, e.g. "K_EULER".
	Scheduler string `json:"scheduler,omitempty"`

	// GuidanceScale is the classifier-free guidance scale, 1..50.
	GuidanceScale float64 `json:"guidance_scale,omitempty"`

	// Seed fixes the random seed. Unset means a fresh random seed.
	Seed *int64 `json:"seed,omitempty"`

	// ApplyWatermark toggles the invisible watermarker. Defaults to true.
	ApplyWatermark *bool `json:"apply_watermark,omitempty"`
}

// Request parameter bounds, matching the declared parameter surface.
const (
	MaxOutpaint   = 512
	MaxNumOutputs = 4

	DefaultPrompt         = "An astronaut riding a rainbow unicorn"
	DefaultConditionScale = 0.15
	DefaultLoraScale      = 0.8
	DefaultNumOutputs     = 1
	DefaultScheduler      = "K_EULER"
	DefaultGuidanceScale  = 7.5
)

// ApplyDefaults fills unset fields with their default values.
func (r *GenerateRequest) ApplyDefaults() {
	if r.Prompt == "" {
		r.Prompt = DefaultPrompt
	}
	if r.ConditionScale == 0 {
		r.ConditionScale = DefaultConditionScale
	}
	if r.LoraScale == 0 {
		r.LoraScale = DefaultLoraScale
	}
	if r.NumOutputs == 0 {
		r.NumOutputs = DefaultNumOutputs
	}
	if r.Scheduler == "" {
		r.Scheduler = DefaultScheduler
	}
	if r.GuidanceScale == 0 {
		r.GuidanceScale = DefaultGuidanceScale
	}
	if r.ApplyWatermark == nil {
		t := true
		r.ApplyWatermark = &t
	}
}

// Validate rejects out-of-range parameters. Geometry code downstream
// assumes these bounds hold.
func (r *GenerateRequest) Validate() error {
	for _, d := range []struct {
		name  string
		value int
	}{
		{"outpaint_left", r.OutpaintLeft},
		{"outpaint_right", r.OutpaintRight},
		{"outpaint_up", r.OutpaintUp},
		{"outpaint_down", r.OutpaintDown},
	} {
		if d.value < 0 || d.value > MaxOutpaint {
			return fmt.Errorf("%s must be between 0 and %d", d.name, MaxOutpaint)
		}
	}

	if r.ConditionScale < 0 || r.ConditionScale > 1 {
		return fmt.Errorf("condition_scale must be between 0.0 and 1.0")
	}
	if r.LoraScale < 0 || r.LoraScale > 1 {
		return fmt.Errorf("lora_scale must be between 0.0 and 1.0")
	}
	if r.NumOutputs < 1 || r.NumOutputs > MaxNumOutputs {
		return fmt.Errorf("num_outputs must be between 1 and %d", MaxNumOutputs)
	}
	if r.GuidanceScale < 1 || r.GuidanceScale > 50 {
		return fmt.Errorf("guidance_scale must be between 1 and 50")
	}

	return nil
}

// GenerateResponse is the result of a generation.
type GenerateResponse struct {
	CreatedAt time.Time   `json:"created_at"`
	Images    []ImageData `json:"images"`
	Seed      int64       `json:"seed"`

	// Flagged counts images dropped by the safety filter.
	Flagged int `json:"flagged,omitempty"`
}

// CacheEntry describes one cached weight bundle.
type CacheEntry struct {
	Ref        string    `json:"ref"`
	Size       int64     `json:"size"`
	LastAccess time.Time `json:"last_access"`
	InUse      bool      `json:"in_use,omitempty"`
}

// CacheResponse lists cached weight bundles.
type CacheResponse struct {
	Entries []CacheEntry `json:"entries"`
}
