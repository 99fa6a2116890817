// Package safetensors reads and writes the safetensors tensor container
// format: an 8 byte little-endian header size, a JSON header mapping tensor
// names to dtype/shape/offsets, then the raw tensor data.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

const maxHeaderSize = 100 * 1000 * 1000

type tensorMeta struct {
	Dtype       string  `json:"dtype"`
	Shape       []int64 `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Tensor is a single named tensor. Data is kept in its on-disk encoding
// until [Tensor.Floats] is called.
type Tensor struct {
	Name  string
	Dtype string
	Shape []int64

	data []byte
}

// Elements returns the number of scalar elements in the tensor.
func (t *Tensor) Elements() int64 {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Size returns the encoded size of the tensor in bytes.
func (t *Tensor) Size() int64 {
	return int64(len(t.data))
}

// Floats decodes the tensor data to float32.
func (t *Tensor) Floats() ([]float32, error) {
	switch t.Dtype {
	case "F32":
		f32s := make([]float32, len(t.data)/4)
		for i := range f32s {
			f32s[i] = float32frombytes(t.data[i*4:])
		}
		return f32s, nil
	case "F16":
		f32s := make([]float32, len(t.data)/2)
		for i := range f32s {
			f32s[i] = float16.Frombits(binary.LittleEndian.Uint16(t.data[i*2:])).Float32()
		}
		return f32s, nil
	case "BF16":
		return bfloat16.DecodeFloat32(t.data), nil
	default:
		return nil, fmt.Errorf("unsupported dtype %q for tensor %q", t.Dtype, t.Name)
	}
}

func float32frombytes(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

// File is a fully loaded safetensors file.
type File struct {
	tensors  map[string]*Tensor
	Metadata map[string]string
}

// Load reads an entire safetensors file into memory.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Read(f)
}

// Read parses a safetensors stream.
func Read(r io.Reader) (*File, error) {
	var headerSize uint64
	if err := binary.Read(r, binary.LittleEndian, &headerSize); err != nil {
		return nil, fmt.Errorf("reading safetensors header size: %w", err)
	}

	if headerSize == 0 || headerSize > maxHeaderSize {
		return nil, fmt.Errorf("invalid safetensors header size %d", headerSize)
	}

	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, fmt.Errorf("reading safetensors header: %w", err)
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("parsing safetensors header: %w", err)
	}

	file := &File{tensors: make(map[string]*Tensor, len(header))}

	metas := make(map[string]tensorMeta, len(header))
	var end int64
	for name, raw := range header {
		if name == "__metadata__" {
			if err := json.Unmarshal(raw, &file.Metadata); err != nil {
				return nil, fmt.Errorf("parsing safetensors metadata: %w", err)
			}
			continue
		}

		var meta tensorMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("parsing tensor %q: %w", name, err)
		}
		if len(meta.DataOffsets) != 2 || meta.DataOffsets[0] > meta.DataOffsets[1] {
			return nil, fmt.Errorf("tensor %q has invalid data offsets", name)
		}

		metas[name] = meta
		end = max(end, meta.DataOffsets[1])
	}

	data := make([]byte, end)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("reading safetensors data: %w", err)
	}

	for name, meta := range metas {
		file.tensors[name] = &Tensor{
			Name:  name,
			Dtype: meta.Dtype,
			Shape: meta.Shape,
			data:  data[meta.DataOffsets[0]:meta.DataOffsets[1]],
		}
	}

	return file, nil
}

// Get returns the named tensor, or nil if absent.
func (f *File) Get(name string) *Tensor {
	return f.tensors[name]
}

// Names returns all tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.tensors))
	for name := range f.tensors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Len returns the number of tensors in the file.
func (f *File) Len() int {
	return len(f.tensors)
}

// NewTensor builds an F32 tensor from float32 data. The element count must
// match the shape.
func NewTensor(name string, shape []int64, f32s []float32) *Tensor {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	if n != int64(len(f32s)) {
		panic(fmt.Sprintf("tensor %s: shape %v does not match %d elements", name, shape, len(f32s)))
	}

	data := make([]byte, 4*len(f32s))
	for i, f := range f32s {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(f))
	}

	return &Tensor{Name: name, Dtype: "F32", Shape: shape, data: data}
}

// Save writes tensors to path in safetensors format. Tensor data is written
// in sorted name order.
func Save(path string, tensors map[string]*Tensor) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	slices.Sort(names)

	header := make(map[string]tensorMeta, len(tensors))
	var offset int64
	for _, name := range names {
		t := tensors[name]
		header[name] = tensorMeta{
			Dtype:       t.Dtype,
			Shape:       t.Shape,
			DataOffsets: []int64{offset, offset + t.Size()},
		}
		offset += t.Size()
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := binary.Write(f, binary.LittleEndian, uint64(len(headerBytes))); err != nil {
		return err
	}
	if _, err := f.Write(headerBytes); err != nil {
		return err
	}
	for _, name := range names {
		if _, err := f.Write(tensors[name].data); err != nil {
			return err
		}
	}

	return nil
}
