package diffusion

import (
	"fmt"
	"strings"
)

// Sampler selects the diffusion noise scheduler for a generation.
type Sampler string

const (
	SamplerDDIM               Sampler = "DDIM"
	SamplerDPMSolverMultistep Sampler = "DPMSolverMultistep"
	SamplerHeunDiscrete       Sampler = "HeunDiscrete"
	SamplerKarrasDPM          Sampler = "KarrasDPM"
	SamplerEulerAncestral     Sampler = "K_EULER_ANCESTRAL"
	SamplerEuler              Sampler = "K_EULER"
	SamplerPNDM               Sampler = "PNDM"
)

// Samplers lists every supported sampler in menu order.
func Samplers() []Sampler {
	return []Sampler{
		SamplerDDIM,
		SamplerDPMSolverMultistep,
		SamplerHeunDiscrete,
		SamplerKarrasDPM,
		SamplerEulerAncestral,
		SamplerEuler,
		SamplerPNDM,
	}
}

// ParseSampler validates a sampler name.
func ParseSampler(name string) (Sampler, error) {
	for _, s := range Samplers() {
		if string(s) == name {
			return s, nil
		}
	}

	names := make([]string, 0, len(Samplers()))
	for _, s := range Samplers() {
		names = append(names, string(s))
	}
	return "", fmt.Errorf("unknown sampler %q (supported: %s)", name, strings.Join(names, ", "))
}

// SchedulerConfig is the backend scheduler selection a sampler maps to.
// KarrasDPM is the multistep DPM solver with Karras sigma spacing rather
// than a scheduler class of its own.
type SchedulerConfig struct {
	Class           string `json:"class"`
	UseKarrasSigmas bool   `json:"use_karras_sigmas,omitempty"`
}

// Config returns the scheduler configuration for the sampler.
func (s Sampler) Config() SchedulerConfig {
	switch s {
	case SamplerDDIM:
		return SchedulerConfig{Class: "DDIMScheduler"}
	case SamplerDPMSolverMultistep:
		return SchedulerConfig{Class: "DPMSolverMultistepScheduler"}
	case SamplerHeunDiscrete:
		return SchedulerConfig{Class: "HeunDiscreteScheduler"}
	case SamplerKarrasDPM:
		return SchedulerConfig{Class: "DPMSolverMultistepScheduler", UseKarrasSigmas: true}
	case SamplerEulerAncestral:
		return SchedulerConfig{Class: "EulerAncestralDiscreteScheduler"}
	case SamplerEuler:
		return SchedulerConfig{Class: "EulerDiscreteScheduler"}
	case SamplerPNDM:
		return SchedulerConfig{Class: "PNDMScheduler"}
	}
	return SchedulerConfig{}
}
