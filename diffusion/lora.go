package diffusion

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/outpaintd/outpaintd/safetensors"
)

// loraUpSuffix marks the up-projection tensors an adapter bundle is keyed
// by. The owning site name is the tensor name with the trailing three dot
// components removed, e.g.
//
//	down_blocks.1.attentions.0.transformer_blocks.0.attn1.processor.to_q_lora.up.weight
//	-> down_blocks.1.attentions.0.transformer_blocks.0.attn1.processor
const loraUpSuffix = "up.weight"

// loraLayerNames are the four projection layers a LoRA attention
// processor carries.
var loraLayerNames = []string{"to_q_lora", "to_k_lora", "to_v_lora", "to_out_lora"}

// LoRALinear is one low-rank projection pair: Down is rank x in, Up is
// out x rank. The effective weight delta is Up x Down.
type LoRALinear struct {
	InFeatures  int
	OutFeatures int
	Rank        int

	Down *Param
	Up   *Param
}

func newLoRALinear(in, out, rank int) *LoRALinear {
	return &LoRALinear{
		InFeatures:  in,
		OutFeatures: out,
		Rank:        rank,
		Down:        &Param{Shape: []int64{int64(rank), int64(in)}, Data: make([]float32, rank*in)},
		Up:          &Param{Shape: []int64{int64(out), int64(rank)}, Data: make([]float32, out*rank)},
	}
}

// Delta computes scale * Up x Down, the dense weight delta this layer
// adds to its base projection.
func (l *LoRALinear) Delta(scale float64) *mat.Dense {
	up := mat.NewDense(l.OutFeatures, l.Rank, toFloat64(l.Up.Data))
	down := mat.NewDense(l.Rank, l.InFeatures, toFloat64(l.Down.Data))

	var delta mat.Dense
	delta.Mul(up, down)
	delta.Scale(scale, &delta)
	return &delta
}

func toFloat64(f32s []float32) []float64 {
	f64s := make([]float64, len(f32s))
	for i, f := range f32s {
		f64s[i] = float64(f)
	}
	return f64s
}

// LoRAAttnProcessor is a low-rank adapter installed at one attention
// site. Query and output projections always use the hidden size; key and
// value projections read from the cross-attention input when the site has
// one.
type LoRAAttnProcessor struct {
	Site              string
	HiddenSize        int
	CrossAttentionDim int // 0 for self-attention sites
	Rank              int

	layers map[string]*LoRALinear
}

func (p *LoRAAttnProcessor) ProcessorName() string {
	return fmt.Sprintf("lora(rank=%d)", p.Rank)
}

// NewLoRAAttnProcessor constructs the four projection layers for a site
// with the given derived dimensions.
func NewLoRAAttnProcessor(site string, hiddenSize, crossAttentionDim, rank int) *LoRAAttnProcessor {
	kvIn := crossAttentionDim
	if kvIn == 0 {
		kvIn = hiddenSize
	}

	return &LoRAAttnProcessor{
		Site:              site,
		HiddenSize:        hiddenSize,
		CrossAttentionDim: crossAttentionDim,
		Rank:              rank,
		layers: map[string]*LoRALinear{
			"to_q_lora":   newLoRALinear(hiddenSize, hiddenSize, rank),
			"to_k_lora":   newLoRALinear(kvIn, hiddenSize, rank),
			"to_v_lora":   newLoRALinear(kvIn, hiddenSize, rank),
			"to_out_lora": newLoRALinear(hiddenSize, hiddenSize, rank),
		},
	}
}

// Layer returns one of the four projection layers by name.
func (p *LoRAAttnProcessor) Layer(name string) *LoRALinear {
	return p.layers[name]
}

// NamedParams exposes the processor's tensors under their state-dict
// names, e.g. "<site>.to_q_lora.down.weight".
func (p *LoRAAttnProcessor) NamedParams() map[string]*Param {
	params := make(map[string]*Param, 2*len(p.layers))
	for _, layer := range loraLayerNames {
		l := p.layers[layer]
		params[fmt.Sprintf("%s.%s.down.weight", p.Site, layer)] = l.Down
		params[fmt.Sprintf("%s.%s.up.weight", p.Site, layer)] = l.Up
	}
	return params
}

// deltaTensors computes the dense, unscaled weight delta of every
// installed adapter layer, keyed "<site>.<layer>.delta.weight".
func deltaTensors(processors map[string]AttnProcessor) map[string]*safetensors.Tensor {
	tensors := make(map[string]*safetensors.Tensor)
	for site, proc := range processors {
		lora, ok := proc.(*LoRAAttnProcessor)
		if !ok {
			continue
		}

		for _, layer := range loraLayerNames {
			delta := lora.Layer(layer).Delta(1)
			rows, cols := delta.Dims()

			f64s := delta.RawMatrix().Data
			f32s := make([]float32, len(f64s))
			for i, f := range f64s {
				f32s[i] = float32(f)
			}

			name := fmt.Sprintf("%s.%s.delta.weight", site, layer)
			tensors[name] = safetensors.NewTensor(name, []int64{int64(rows), int64(cols)}, f32s)
		}
	}
	return tensors
}

// adapterRanks scans a bundle's tensor names for up-projections and maps
// each owning site to its rank (the second dimension of the up tensor).
// Names too short to carry a site are not adapter tensors and are
// skipped; the non-strict merge ignores them later.
func adapterRanks(tensors map[string]*Param) (map[string]int, error) {
	ranks := make(map[string]int)
	for name, t := range tensors {
		if !strings.HasSuffix(name, loraUpSuffix) {
			continue
		}

		parts := strings.Split(name, ".")
		if len(parts) < 4 {
			continue
		}
		site := strings.Join(parts[:len(parts)-3], ".")

		if len(t.Shape) != 2 {
			return nil, fmt.Errorf("adapter tensor %q: expected 2 dims, got %v", name, t.Shape)
		}
		ranks[site] = int(t.Shape[1])
	}
	return ranks, nil
}
