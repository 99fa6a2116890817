package diffusion

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/outpaintd/outpaintd/safetensors"
)

// Bundle file names. A bundle carries either a full fine-tune or a
// low-rank adapter, plus learned token embeddings and the token map.
const (
	FullWeightsFile   = "unet.safetensors"
	AdapterFile       = "lora.safetensors"
	EmbeddingsFile    = "embeddings.pti"
	EmbeddingsBinFile = "embeddings.bin"
	TokenMapFile      = "special_params.json"

	// AdapterDeltaFile holds the dense per-site weight deltas derived
	// from an installed adapter, written next to the bundle for the
	// generation backend. Unscaled; the backend applies the request's
	// adapter scale.
	AdapterDeltaFile = "delta.safetensors"
)

var ErrNoEmbeddings = errors.New("bundle has no token embeddings")

// TextEncoder is the extendable vocabulary of one text encoder: learned
// token rows appended past the pretrained vocabulary.
type TextEncoder struct {
	Name     string
	EmbedDim int

	tokens  []string
	vectors [][]float32
}

// TextEncoders is the dual-encoder pair an SDXL pipeline conditions on.
type TextEncoders struct {
	Encoders []*TextEncoder
}

// NewTextEncoders builds the standard dual-encoder pair.
func NewTextEncoders() *TextEncoders {
	return &TextEncoders{
		Encoders: []*TextEncoder{
			{Name: "text_encoders_0", EmbedDim: 768},
			{Name: "text_encoders_1", EmbedDim: 1280},
		},
	}
}

// Tokens returns the learned token names, in insertion order.
func (e *TextEncoder) Tokens() []string {
	return e.tokens
}

// Vector returns the embedding row for a learned token index.
func (e *TextEncoder) Vector(i int) []float32 {
	return e.vectors[i]
}

// SetTokens replaces the learned rows. Each vector must match the
// encoder's embedding width.
func (e *TextEncoder) SetTokens(tokens []string, vectors [][]float32) error {
	if len(tokens) != len(vectors) {
		return fmt.Errorf("%s: %d tokens but %d vectors", e.Name, len(tokens), len(vectors))
	}
	for i, v := range vectors {
		if len(v) != e.EmbedDim {
			return fmt.Errorf("%s: token %q has width %d, want %d", e.Name, tokens[i], len(v), e.EmbedDim)
		}
	}

	e.tokens = tokens
	e.vectors = vectors
	return nil
}

// Reset drops all learned rows.
func (e *TextEncoders) Reset() {
	for _, enc := range e.Encoders {
		enc.tokens = nil
		enc.vectors = nil
	}
}

// LoadEmbeddings installs a bundle's learned token embeddings into the
// encoder pair. The primary format is a safetensors .pti file keyed by
// encoder name; a legacy pickled .bin file is accepted as a fallback.
// Learned tokens are named "<s0>", "<s1>", ... in row order.
func (e *TextEncoders) LoadEmbeddings(dir string) error {
	if path := filepath.Join(dir, EmbeddingsFile); fileExists(path) {
		return e.loadPTI(path)
	}
	if path := filepath.Join(dir, EmbeddingsBinFile); fileExists(path) {
		return e.loadBin(path)
	}
	return ErrNoEmbeddings
}

func (e *TextEncoders) loadPTI(path string) error {
	f, err := safetensors.Load(path)
	if err != nil {
		return fmt.Errorf("loading embeddings: %w", err)
	}

	for _, enc := range e.Encoders {
		t := f.Get(enc.Name)
		if t == nil {
			return fmt.Errorf("embeddings missing key %q", enc.Name)
		}
		f32s, err := t.Floats()
		if err != nil {
			return fmt.Errorf("decoding embeddings: %w", err)
		}
		if err := installRows(enc, t.Shape, f32s); err != nil {
			return err
		}
	}
	return nil
}

// loadBin reads a legacy torch-pickled embeddings file: a dict mapping
// encoder names to 2D float tensors.
func (e *TextEncoders) loadBin(path string) error {
	obj, err := pytorch.Load(path)
	if err != nil {
		return fmt.Errorf("loading legacy embeddings: %w", err)
	}

	for _, enc := range e.Encoders {
		t, err := dictTensor(obj, enc.Name)
		if err != nil {
			return err
		}

		shape := make([]int64, len(t.Size))
		for i, d := range t.Size {
			shape[i] = int64(d)
		}

		storage, ok := t.Source.(*pytorch.FloatStorage)
		if !ok {
			return fmt.Errorf("embeddings key %q: unsupported storage %T", enc.Name, t.Source)
		}
		if err := installRows(enc, shape, storage.Data); err != nil {
			return err
		}
	}
	return nil
}

func dictTensor(obj any, key string) (*pytorch.Tensor, error) {
	var value any
	var ok bool

	switch d := obj.(type) {
	case *types.Dict:
		value, ok = d.Get(key)
	case *types.OrderedDict:
		if entry, found := d.Map[key]; found {
			value, ok = entry.Value, true
		}
	default:
		return nil, fmt.Errorf("legacy embeddings: expected dict, got %T", obj)
	}

	if !ok {
		return nil, fmt.Errorf("embeddings missing key %q", key)
	}

	t, ok := value.(*pytorch.Tensor)
	if !ok {
		return nil, fmt.Errorf("embeddings key %q: expected tensor, got %T", key, value)
	}
	return t, nil
}

func installRows(enc *TextEncoder, shape []int64, data []float32) error {
	if len(shape) != 2 {
		return fmt.Errorf("embeddings key %q: expected 2 dims, got %v", enc.Name, shape)
	}
	rows, cols := int(shape[0]), int(shape[1])
	if cols != enc.EmbedDim {
		return fmt.Errorf("embeddings key %q: width %d, want %d", enc.Name, cols, enc.EmbedDim)
	}
	if len(data) < rows*cols {
		return fmt.Errorf("embeddings key %q: short data", enc.Name)
	}

	tokens := make([]string, rows)
	vectors := make([][]float32, rows)
	for i := range rows {
		tokens[i] = fmt.Sprintf("<s%d>", i)
		vectors[i] = data[i*cols : (i+1)*cols]
	}
	return enc.SetTokens(tokens, vectors)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
