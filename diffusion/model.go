package diffusion

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
)

// Param is a named model parameter.
type Param struct {
	Shape []int64
	Data  []float32
}

// Elements returns the number of scalar elements implied by the shape.
func (p *Param) Elements() int64 {
	n := int64(1)
	for _, d := range p.Shape {
		n *= d
	}
	return n
}

// AttnProcessor is an attention-site processor. The default processor
// leaves a site untouched; LoRA processors add low-rank deltas.
type AttnProcessor interface {
	ProcessorName() string
}

// DefaultProcessor is the model's built-in attention processor.
type DefaultProcessor struct{}

func (DefaultProcessor) ProcessorName() string { return "default" }

// UNet is the customizable handle onto the loaded denoiser: its named
// parameters and its attention-processor registry. The actual compute
// lives in the generation backend; this handle only carries the state the
// customizer mutates.
type UNet struct {
	Config UNetConfig

	params     map[string]*Param
	processors map[string]AttnProcessor
}

// NewUNet builds a UNet handle with the given attention sites, all
// initially bound to the default processor.
func NewUNet(config UNetConfig, sites []string) *UNet {
	processors := make(map[string]AttnProcessor, len(sites))
	for _, site := range sites {
		processors[site] = DefaultProcessor{}
	}

	return &UNet{
		Config:     config,
		params:     make(map[string]*Param),
		processors: processors,
	}
}

// DefaultSiteNames enumerates an SDXL-shaped attention-site registry: one
// self- and one cross-attention site per transformer block position.
func DefaultSiteNames(config UNetConfig) []string {
	var sites []string

	add := func(prefix string) {
		for _, attn := range []string{"attn1", "attn2"} {
			sites = append(sites, fmt.Sprintf("%s.transformer_blocks.0.%s.processor", prefix, attn))
		}
	}

	for block := range config.BlockOutChannels {
		for attn := range 2 {
			add(fmt.Sprintf("down_blocks.%d.attentions.%d", block, attn))
			add(fmt.Sprintf("up_blocks.%d.attentions.%d", block, attn))
		}
	}
	add("mid_block.attentions.0")

	slices.Sort(sites)
	return sites
}

// SetParam registers or replaces a named parameter.
func (u *UNet) SetParam(name string, p *Param) {
	u.params[name] = p
}

// Param returns a named parameter, or nil.
func (u *UNet) Param(name string) *Param {
	return u.params[name]
}

// ParamNames returns all parameter names in sorted order, including the
// parameters of installed adapter processors.
func (u *UNet) ParamNames() []string {
	names := make([]string, 0, len(u.params))
	for name := range u.params {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// AttnProcessors returns the live attention-processor registry.
func (u *UNet) AttnProcessors() map[string]AttnProcessor {
	return u.processors
}

// SetAttnProcessors installs processors for the named sites. Sites not in
// the argument keep their current processor. Adapter processors expose
// their parameters in the UNet's parameter space so a state-dict merge
// reaches them.
func (u *UNet) SetAttnProcessors(processors map[string]AttnProcessor) {
	for site, proc := range processors {
		u.processors[site] = proc

		if lora, ok := proc.(*LoRAAttnProcessor); ok {
			for name, param := range lora.NamedParams() {
				u.params[name] = param
			}
		}
	}
}

// LoadStateDict merges named tensors into matching parameters. The merge
// is non-strict: source tensors without a matching parameter and
// parameters the source omits are tolerated and reported, not fatal.
// A shape mismatch on a matching name is an error.
func (u *UNet) LoadStateDict(tensors map[string]*Param) (missing, unexpected []string, err error) {
	loaded := make(map[string]bool, len(tensors))

	for name, src := range tensors {
		dst, ok := u.params[name]
		if !ok {
			unexpected = append(unexpected, name)
			continue
		}

		if !slices.Equal(dst.Shape, src.Shape) {
			return nil, nil, fmt.Errorf("parameter %q: shape %v does not match %v", name, src.Shape, dst.Shape)
		}

		dst.Data = slices.Clone(src.Data)
		loaded[name] = true
	}

	for name := range u.params {
		if !loaded[name] {
			missing = append(missing, name)
		}
	}

	slices.Sort(missing)
	slices.Sort(unexpected)

	if len(unexpected) > 0 {
		slog.Debug("state dict has unexpected keys", "count", len(unexpected), "first", unexpected[0])
	}

	return missing, unexpected, nil
}

// adapterSites returns the sites currently bound to a LoRA processor.
func (u *UNet) adapterSites() []string {
	var sites []string
	for site, proc := range u.processors {
		if strings.HasPrefix(proc.ProcessorName(), "lora") {
			sites = append(sites, site)
		}
	}
	slices.Sort(sites)
	return sites
}
