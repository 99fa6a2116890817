package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/outpaintd/outpaintd/api"
	"github.com/outpaintd/outpaintd/diffusion"
	"github.com/outpaintd/outpaintd/imageproc"
	"github.com/outpaintd/outpaintd/safety"
)

// fakeGenerator records the payload and returns uniform images.
type fakeGenerator struct {
	payload *Payload
	err     error
}

func (g *fakeGenerator) Generate(ctx context.Context, p *Payload) ([]image.Image, error) {
	g.payload = p
	if g.err != nil {
		return nil, g.err
	}

	images := make([]image.Image, p.NumOutputs)
	for i := range images {
		images[i] = imageproc.Uniform(p.Width, p.Height, color.RGBA{byte(i), 0, 0, 255})
	}
	return images, nil
}

// fakeClassifier flags images by index.
type fakeClassifier struct {
	unsafe map[int]bool
}

func (c *fakeClassifier) Classify(ctx context.Context, images []image.Image) ([]image.Image, []bool, error) {
	flagged := make([]bool, len(images))
	for i := range images {
		flagged[i] = c.unsafe[i]
	}
	return images, flagged, nil
}

func encodedImage(t *testing.T, w, h int) api.ImageData {
	t.Helper()
	data, err := imageproc.EncodePNG(imageproc.Uniform(w, h, color.RGBA{120, 130, 140, 255}))
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func baseRequest(t *testing.T) *api.GenerateRequest {
	t.Helper()
	seed := int64(7)
	req := &api.GenerateRequest{
		Prompt: "a lighthouse",
		// 1024x1024 is a normalization fixed point.
		Image:         encodedImage(t, 1024, 1024),
		OutpaintLeft:  100,
		OutpaintRight: 100,
		OutpaintDown:  50,
		Seed:          &seed,
	}
	req.ApplyDefaults()
	return req
}

func newTestPipeline(gen *fakeGenerator, cls safety.Classifier) *Pipeline {
	if cls == nil {
		cls = &fakeClassifier{}
	}
	return &Pipeline{Generator: gen, Classifier: cls}
}

func TestRunAssemblesPayload(t *testing.T) {
	gen := &fakeGenerator{}
	p := newTestPipeline(gen, nil)

	resp, err := p.Run(context.Background(), baseRequest(t), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	pl := gen.payload
	if pl.Width != 1224 || pl.Height != 1074 {
		t.Errorf("canvas = %dx%d, want 1224x1074", pl.Width, pl.Height)
	}
	if pl.Steps != 20 {
		t.Errorf("steps = %d, want 20", pl.Steps)
	}
	if pl.Strength != 0.99 {
		t.Errorf("strength = %g, want 0.99", pl.Strength)
	}
	if pl.Scheduler.Class != "EulerDiscreteScheduler" {
		t.Errorf("scheduler = %q", pl.Scheduler.Class)
	}
	if !pl.ApplyWatermark {
		t.Error("watermark should default to on")
	}
	if pl.AdapterScale != nil {
		t.Error("adapter scale set without an adapter bundle")
	}
	if pl.Seed != 7 || resp.Seed != 7 {
		t.Errorf("seed = %d / %d, want 7", pl.Seed, resp.Seed)
	}

	// All planes share the canvas dimensions.
	for name, img := range map[string]*image.RGBA{"mask": pl.Mask, "control": pl.Control} {
		if b := img.Bounds(); b.Dx() != pl.Width || b.Dy() != pl.Height {
			t.Errorf("%s = %dx%d, want %dx%d", name, b.Dx(), b.Dy(), pl.Width, pl.Height)
		}
	}

	// Mask: preserved interior is black, expanded margin is white.
	if got := pl.Mask.RGBAAt(100+512, 512); got != imageproc.MaskPreserve {
		t.Errorf("mask interior = %v, want preserve", got)
	}
	if got := pl.Mask.RGBAAt(10, 512); got != imageproc.MaskGenerate {
		t.Errorf("mask left margin = %v, want generate", got)
	}
	if got := pl.Mask.RGBAAt(612, 1060); got != imageproc.MaskGenerate {
		t.Errorf("mask bottom margin = %v, want generate", got)
	}

	if len(resp.Images) != 1 {
		t.Errorf("images = %d, want 1", len(resp.Images))
	}
}

func TestRunAdapterScale(t *testing.T) {
	gen := &fakeGenerator{}
	p := newTestPipeline(gen, nil)

	req := baseRequest(t)
	req.LoraScale = 0.6

	state := &diffusion.State{IsAdapter: true}
	if _, err := p.Run(context.Background(), req, state); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if gen.payload.AdapterScale == nil || *gen.payload.AdapterScale != 0.6 {
		t.Errorf("AdapterScale = %v, want 0.6", gen.payload.AdapterScale)
	}
}

func TestRunForwardsBundle(t *testing.T) {
	gen := &fakeGenerator{}
	p := newTestPipeline(gen, nil)

	state := &diffusion.State{
		Ref:       "https://example.com/bundle.tar",
		Dir:       "/cache/abc123",
		IsAdapter: true,
	}
	if _, err := p.Run(context.Background(), baseRequest(t), state); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	b := gen.payload.Bundle
	if b == nil {
		t.Fatal("payload carries no bundle")
	}
	if b.Ref != state.Ref || b.Dir != state.Dir || !b.Adapter {
		t.Errorf("bundle = %+v", b)
	}
}

func TestRunNoBundleWithoutState(t *testing.T) {
	gen := &fakeGenerator{}
	p := newTestPipeline(gen, nil)

	if _, err := p.Run(context.Background(), baseRequest(t), nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if gen.payload.Bundle != nil {
		t.Errorf("bundle = %+v, want nil", gen.payload.Bundle)
	}
}

func TestRunRandomSeed(t *testing.T) {
	gen := &fakeGenerator{}
	p := newTestPipeline(gen, nil)

	req := baseRequest(t)
	req.Seed = nil

	resp, err := p.Run(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if resp.Seed < 0 || resp.Seed > 65535 {
		t.Errorf("random seed = %d, want 0..65535", resp.Seed)
	}
}

func TestRunNoImage(t *testing.T) {
	p := newTestPipeline(&fakeGenerator{}, nil)

	req := &api.GenerateRequest{}
	req.ApplyDefaults()

	if _, err := p.Run(context.Background(), req, nil); !errors.Is(err, ErrNoImage) {
		t.Fatalf("Run() error = %v, want ErrNoImage", err)
	}
}

func TestRunUnknownScheduler(t *testing.T) {
	p := newTestPipeline(&fakeGenerator{}, nil)

	req := baseRequest(t)
	req.Scheduler = "Euler"

	if _, err := p.Run(context.Background(), req, nil); err == nil {
		t.Fatal("unknown scheduler should fail")
	}
}

func TestRunFlaggedOutputs(t *testing.T) {
	gen := &fakeGenerator{}
	p := newTestPipeline(gen, &fakeClassifier{unsafe: map[int]bool{1: true}})

	req := baseRequest(t)
	req.NumOutputs = 3

	resp, err := p.Run(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(resp.Images) != 2 {
		t.Errorf("images = %d, want 2", len(resp.Images))
	}
	if resp.Flagged != 1 {
		t.Errorf("flagged = %d, want 1", resp.Flagged)
	}
}

func TestRunAllFlagged(t *testing.T) {
	gen := &fakeGenerator{}
	p := newTestPipeline(gen, &fakeClassifier{unsafe: map[int]bool{0: true, 1: true}})

	req := baseRequest(t)
	req.NumOutputs = 2

	if _, err := p.Run(context.Background(), req, nil); !errors.Is(err, safety.ErrNoSafeOutput) {
		t.Fatalf("Run() error = %v, want ErrNoSafeOutput", err)
	}
}

func TestRunGeneratorError(t *testing.T) {
	wantErr := errors.New("backend down")
	p := newTestPipeline(&fakeGenerator{err: wantErr}, nil)

	if _, err := p.Run(context.Background(), baseRequest(t), nil); !errors.Is(err, wantErr) {
		t.Fatalf("Run() error = %v, want backend error", err)
	}
}

func TestRunTokenSubstitution(t *testing.T) {
	gen := &fakeGenerator{}
	p := newTestPipeline(gen, nil)

	req := baseRequest(t)
	req.Prompt = "photo of TOK at dusk"

	tokens := orderedmap.New[string, string]()
	tokens.Set("TOK", "a rare creature")
	state := &diffusion.State{}
	state.SetTokenMap(tokens)
	if _, err := p.Run(context.Background(), req, state); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if gen.payload.Prompt != "photo of a rare creature at dusk" {
		t.Errorf("prompt = %q", gen.payload.Prompt)
	}
}
