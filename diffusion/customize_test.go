package diffusion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/outpaintd/outpaintd/safetensors"
	"github.com/outpaintd/outpaintd/weights"
)

// bundleDownloader copies a prepared bundle directory into the cache's
// staging directory.
type bundleDownloader struct {
	src string
}

func (d *bundleDownloader) Fetch(ctx context.Context, url, destDir string) error {
	entries, err := os.ReadDir(d.src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(d.src, e.Name()))
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(destDir, e.Name()), data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// refDownloader serves a different prepared bundle per ref.
type refDownloader struct {
	srcs map[string]string
}

func (d *refDownloader) Fetch(ctx context.Context, url, destDir string) error {
	src, ok := d.srcs[url]
	if !ok {
		return fmt.Errorf("no bundle for %s", url)
	}
	return (&bundleDownloader{src: src}).Fetch(ctx, url, destDir)
}

func writeTokenMap(t *testing.T, dir string, m map[string]string) {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, TokenMapFile), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

// adapterTensors builds a complete LoRA tensor set for one site.
func adapterTensors(t *testing.T, site string, hidden, crossDim, rank int) map[string]*safetensors.Tensor {
	t.Helper()

	kvIn := crossDim
	if kvIn == 0 {
		kvIn = hidden
	}

	tensors := make(map[string]*safetensors.Tensor)
	for _, layer := range []struct {
		name string
		in   int
	}{
		{"to_q_lora", hidden},
		{"to_k_lora", kvIn},
		{"to_v_lora", kvIn},
		{"to_out_lora", hidden},
	} {
		down := site + "." + layer.name + ".down.weight"
		up := site + "." + layer.name + ".up.weight"
		tensors[down] = safetensors.NewTensor(down, []int64{int64(rank), int64(layer.in)}, make([]float32, rank*layer.in))
		tensors[up] = safetensors.NewTensor(up, []int64{int64(hidden), int64(rank)}, make([]float32, hidden*rank))
	}
	return tensors
}

func newCustomizeFixture(t *testing.T, bundle string) (*weights.Cache, *UNet, *TextEncoders) {
	t.Helper()

	cache, err := weights.NewCache(t.TempDir(), 1<<30, &bundleDownloader{src: bundle})
	if err != nil {
		t.Fatal(err)
	}

	config := DefaultUNetConfig()
	return cache, NewUNet(config, DefaultSiteNames(config)), NewTextEncoders()
}

func TestApplyAdapterBundle(t *testing.T) {
	bundle := t.TempDir()

	site := "down_blocks.1.attentions.0.transformer_blocks.0.attn1.processor"
	if err := safetensors.Save(filepath.Join(bundle, AdapterFile), adapterTensors(t, site, 640, 0, 4)); err != nil {
		t.Fatal(err)
	}
	writePTI(t, bundle, 2)
	writeTokenMap(t, bundle, map[string]string{"<s0><s1>": "a rare creature"})

	cache, unet, encoders := newCustomizeFixture(t, bundle)

	state, err := Apply(context.Background(), cache, unet, encoders, "https://example.com/bundle.tar")
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if !state.IsAdapter {
		t.Error("adapter bundle not detected as adapter")
	}
	if len(state.AdapterSites) != 1 || state.AdapterSites[0] != site {
		t.Errorf("AdapterSites = %v, want [%s]", state.AdapterSites, site)
	}

	// Only the covered site gets a LoRA processor.
	var loraCount int
	for _, proc := range unet.AttnProcessors() {
		if _, ok := proc.(*LoRAAttnProcessor); ok {
			loraCount++
		}
	}
	if loraCount != 1 {
		t.Errorf("lora processors = %d, want 1", loraCount)
	}

	if got := cache.Pinned(); got != "https://example.com/bundle.tar" {
		t.Errorf("pinned = %q", got)
	}

	if got := state.SubstituteTokens("photo of <s0><s1> on a beach"); got != "photo of a rare creature on a beach" {
		t.Errorf("SubstituteTokens() = %q", got)
	}
}

func TestApplyAdapterBundleIgnoresStrayKeys(t *testing.T) {
	bundle := t.TempDir()

	// Adapter files ship text encoder weights alongside the attention
	// tensors; those must not break installation.
	site := "mid_block.attentions.0.transformer_blocks.0.attn1.processor"
	tensors := adapterTensors(t, site, 1280, 0, 4)
	stray := "text_encoder.layers.0.up.weight"
	tensors[stray] = safetensors.NewTensor(stray, []int64{768, 4}, make([]float32, 768*4))
	if err := safetensors.Save(filepath.Join(bundle, AdapterFile), tensors); err != nil {
		t.Fatal(err)
	}
	writePTI(t, bundle, 1)
	writeTokenMap(t, bundle, map[string]string{})

	cache, unet, encoders := newCustomizeFixture(t, bundle)

	state, err := Apply(context.Background(), cache, unet, encoders, "ref")
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if !state.IsAdapter {
		t.Error("adapter bundle not detected as adapter")
	}
	if len(state.AdapterSites) != 1 || state.AdapterSites[0] != site {
		t.Errorf("AdapterSites = %v, want [%s]", state.AdapterSites, site)
	}
}

func TestApplyAdapterBundleNoMatchingSites(t *testing.T) {
	bundle := t.TempDir()

	// A bundle whose adapter tensors all target unknown sites installs
	// zero adapters but still applies.
	stray := "text_encoder.layers.0.to_q_lora.up.weight"
	tensors := map[string]*safetensors.Tensor{
		stray: safetensors.NewTensor(stray, []int64{768, 4}, make([]float32, 768*4)),
	}
	if err := safetensors.Save(filepath.Join(bundle, AdapterFile), tensors); err != nil {
		t.Fatal(err)
	}
	writePTI(t, bundle, 1)
	writeTokenMap(t, bundle, map[string]string{})

	cache, unet, encoders := newCustomizeFixture(t, bundle)

	state, err := Apply(context.Background(), cache, unet, encoders, "ref")
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if !state.IsAdapter {
		t.Error("adapter bundle not detected as adapter")
	}
	if len(state.AdapterSites) != 0 {
		t.Errorf("AdapterSites = %v, want none", state.AdapterSites)
	}
	if fileExists(filepath.Join(state.Dir, AdapterDeltaFile)) {
		t.Error("delta file written for a bundle with no installed adapters")
	}
}

func TestApplyWritesAdapterDeltas(t *testing.T) {
	bundle := t.TempDir()

	site := "down_blocks.0.attentions.0.transformer_blocks.0.attn1.processor"
	tensors := adapterTensors(t, site, 320, 0, 4)
	for name, tensor := range tensors {
		f32s := make([]float32, tensor.Elements())
		for i := range f32s {
			f32s[i] = 0.5
		}
		tensors[name] = safetensors.NewTensor(name, tensor.Shape, f32s)
	}
	if err := safetensors.Save(filepath.Join(bundle, AdapterFile), tensors); err != nil {
		t.Fatal(err)
	}
	writePTI(t, bundle, 1)
	writeTokenMap(t, bundle, map[string]string{})

	cache, unet, encoders := newCustomizeFixture(t, bundle)

	state, err := Apply(context.Background(), cache, unet, encoders, "ref")
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	f, err := safetensors.Load(filepath.Join(state.Dir, AdapterDeltaFile))
	if err != nil {
		t.Fatalf("loading delta file: %v", err)
	}
	if f.Len() != 4 {
		t.Fatalf("delta file has %d tensors, want 4", f.Len())
	}

	delta := f.Get(site + ".to_q_lora.delta.weight")
	if delta == nil {
		t.Fatal("missing to_q_lora delta tensor")
	}
	if delta.Shape[0] != 320 || delta.Shape[1] != 320 {
		t.Errorf("delta shape = %v, want [320 320]", delta.Shape)
	}

	// Up and down both 0.5-filled at rank 4: every entry is 4 * 0.25,
	// unscaled.
	f32s, err := delta.Floats()
	if err != nil {
		t.Fatal(err)
	}
	if f32s[0] != 1 {
		t.Errorf("delta[0] = %v, want 1", f32s[0])
	}
}

func TestApplyFailureRestoresPin(t *testing.T) {
	good := t.TempDir()
	site := "mid_block.attentions.0.transformer_blocks.0.attn1.processor"
	if err := safetensors.Save(filepath.Join(good, AdapterFile), adapterTensors(t, site, 1280, 0, 4)); err != nil {
		t.Fatal(err)
	}
	writePTI(t, good, 1)
	writeTokenMap(t, good, map[string]string{})

	// Same weights, but no token map: Apply fails after the fetch.
	bad := t.TempDir()
	if err := safetensors.Save(filepath.Join(bad, AdapterFile), adapterTensors(t, site, 1280, 0, 4)); err != nil {
		t.Fatal(err)
	}
	writePTI(t, bad, 1)

	cache, err := weights.NewCache(t.TempDir(), 1<<30, &refDownloader{srcs: map[string]string{
		"good": good,
		"bad":  bad,
	}})
	if err != nil {
		t.Fatal(err)
	}

	config := DefaultUNetConfig()
	unet := NewUNet(config, DefaultSiteNames(config))
	encoders := NewTextEncoders()

	if _, err := Apply(context.Background(), cache, unet, encoders, "good"); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if _, err := Apply(context.Background(), cache, unet, encoders, "bad"); err == nil {
		t.Fatal("bundle without token map should fail")
	}
	if got := cache.Pinned(); got != "good" {
		t.Errorf("pinned = %q after failed apply, want %q", got, "good")
	}

	// A fetch failure restores the pin too.
	if _, err := Apply(context.Background(), cache, unet, encoders, "missing"); err == nil {
		t.Fatal("unknown ref should fail")
	}
	if got := cache.Pinned(); got != "good" {
		t.Errorf("pinned = %q after failed fetch, want %q", got, "good")
	}
}

func TestApplyFullBundle(t *testing.T) {
	bundle := t.TempDir()

	tensors := map[string]*safetensors.Tensor{
		"conv_in.weight": safetensors.NewTensor("conv_in.weight", []int64{4}, []float32{1, 2, 3, 4}),
	}
	if err := safetensors.Save(filepath.Join(bundle, FullWeightsFile), tensors); err != nil {
		t.Fatal(err)
	}
	writePTI(t, bundle, 1)
	writeTokenMap(t, bundle, map[string]string{})

	cache, unet, encoders := newCustomizeFixture(t, bundle)
	unet.SetParam("conv_in.weight", &Param{Shape: []int64{4}, Data: make([]float32, 4)})

	state, err := Apply(context.Background(), cache, unet, encoders, "ref")
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if state.IsAdapter {
		t.Error("full bundle detected as adapter")
	}
	if got := unet.Param("conv_in.weight").Data[3]; got != 4 {
		t.Errorf("merged param not applied, got %v", got)
	}
}

func TestApplyMissingWeights(t *testing.T) {
	bundle := t.TempDir()
	writePTI(t, bundle, 1)
	writeTokenMap(t, bundle, map[string]string{})

	cache, unet, encoders := newCustomizeFixture(t, bundle)
	if _, err := Apply(context.Background(), cache, unet, encoders, "ref"); err == nil {
		t.Fatal("bundle without weight files should fail")
	}
}

func TestApplyMissingEmbeddings(t *testing.T) {
	bundle := t.TempDir()
	site := "mid_block.attentions.0.transformer_blocks.0.attn1.processor"
	if err := safetensors.Save(filepath.Join(bundle, AdapterFile), adapterTensors(t, site, 1280, 0, 4)); err != nil {
		t.Fatal(err)
	}
	writeTokenMap(t, bundle, map[string]string{})

	cache, unet, encoders := newCustomizeFixture(t, bundle)
	if _, err := Apply(context.Background(), cache, unet, encoders, "ref"); !errors.Is(err, ErrNoEmbeddings) {
		t.Fatalf("Apply() error = %v, want ErrNoEmbeddings", err)
	}
}

func TestApplyMissingTokenMap(t *testing.T) {
	bundle := t.TempDir()
	site := "mid_block.attentions.0.transformer_blocks.0.attn1.processor"
	if err := safetensors.Save(filepath.Join(bundle, AdapterFile), adapterTensors(t, site, 1280, 0, 4)); err != nil {
		t.Fatal(err)
	}
	writePTI(t, bundle, 1)

	cache, unet, encoders := newCustomizeFixture(t, bundle)
	if _, err := Apply(context.Background(), cache, unet, encoders, "ref"); err == nil {
		t.Fatal("bundle without token map should fail")
	}
}

func TestSubstituteTokensOrder(t *testing.T) {
	state := &State{}
	raw := []byte(`{"TOK":"<s0> style","<s0>":"ornate"}`)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, TokenMapFile), raw, 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := loadTokenMap(filepath.Join(dir, TokenMapFile))
	if err != nil {
		t.Fatal(err)
	}
	state.tokenMap = m

	// Substitutions cascade in declaration order.
	if got := state.SubstituteTokens("a TOK painting"); got != "a ornate style painting" {
		t.Errorf("SubstituteTokens() = %q", got)
	}
}
