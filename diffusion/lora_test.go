package diffusion

import (
	"math"
	"testing"
)

func TestNewLoRAAttnProcessorShapes(t *testing.T) {
	// Cross-attention site: k/v read the conditioning width.
	cross := NewLoRAAttnProcessor("site", 640, 2048, 4)
	if got := cross.Layer("to_q_lora"); got.InFeatures != 640 || got.OutFeatures != 640 {
		t.Errorf("to_q_lora dims = %dx%d, want 640x640", got.InFeatures, got.OutFeatures)
	}
	if got := cross.Layer("to_k_lora"); got.InFeatures != 2048 || got.OutFeatures != 640 {
		t.Errorf("to_k_lora dims = %dx%d, want 2048x640", got.InFeatures, got.OutFeatures)
	}

	// Self-attention site: everything reads the hidden width.
	self := NewLoRAAttnProcessor("site", 640, 0, 4)
	if got := self.Layer("to_v_lora"); got.InFeatures != 640 {
		t.Errorf("self-attention to_v_lora in = %d, want 640", got.InFeatures)
	}
}

func TestNamedParams(t *testing.T) {
	p := NewLoRAAttnProcessor("mid_block.attentions.0.transformer_blocks.0.attn2.processor", 1280, 2048, 8)

	params := p.NamedParams()
	if len(params) != 8 {
		t.Fatalf("len(NamedParams()) = %d, want 8", len(params))
	}

	down := params["mid_block.attentions.0.transformer_blocks.0.attn2.processor.to_k_lora.down.weight"]
	if down == nil {
		t.Fatal("missing to_k_lora down param")
	}
	if down.Shape[0] != 8 || down.Shape[1] != 2048 {
		t.Errorf("down shape = %v, want [8 2048]", down.Shape)
	}

	up := params["mid_block.attentions.0.transformer_blocks.0.attn2.processor.to_k_lora.up.weight"]
	if up.Shape[0] != 1280 || up.Shape[1] != 8 {
		t.Errorf("up shape = %v, want [1280 8]", up.Shape)
	}
}

func TestDelta(t *testing.T) {
	l := newLoRALinear(2, 2, 1)
	l.Down.Data = []float32{1, 2} // 1x2
	l.Up.Data = []float32{3, 4}   // 2x1

	delta := l.Delta(0.5)
	want := [][]float64{{1.5, 3}, {2, 4}}
	for i := range 2 {
		for j := range 2 {
			if got := delta.At(i, j); math.Abs(got-want[i][j]) > 1e-9 {
				t.Errorf("delta[%d][%d] = %g, want %g", i, j, got, want[i][j])
			}
		}
	}
}

func TestAdapterRanks(t *testing.T) {
	site := "up_blocks.0.attentions.1.transformer_blocks.0.attn1.processor"
	ranks, err := adapterRanks(map[string]*Param{
		site + ".to_q_lora.up.weight":   {Shape: []int64{1280, 4}},
		site + ".to_q_lora.down.weight": {Shape: []int64{4, 1280}},
		site + ".to_k_lora.up.weight":   {Shape: []int64{1280, 4}},
	})
	if err != nil {
		t.Fatalf("adapterRanks() error = %v", err)
	}

	if len(ranks) != 1 || ranks[site] != 4 {
		t.Errorf("ranks = %v, want {%s: 4}", ranks, site)
	}
}

func TestAdapterRanksSkipsShortNames(t *testing.T) {
	ranks, err := adapterRanks(map[string]*Param{
		"up.weight": {Shape: []int64{4, 4}},
	})
	if err != nil {
		t.Fatalf("adapterRanks() error = %v", err)
	}
	if len(ranks) != 0 {
		t.Errorf("ranks = %v, want none", ranks)
	}
}

func TestAdapterRanksRejectsMalformedShape(t *testing.T) {
	if _, err := adapterRanks(map[string]*Param{
		"site.to_q_lora.up.weight": {Shape: []int64{4}},
	}); err == nil {
		t.Error("1D up tensor should fail")
	}
}
