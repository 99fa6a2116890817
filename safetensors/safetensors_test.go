package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.safetensors")

	want := map[string][]float32{
		"a.weight": {1, 2, 3, 4, 5, 6},
		"b.weight": {-1, 0.5},
	}

	tensors := map[string]*Tensor{
		"a.weight": NewTensor("a.weight", []int64{2, 3}, want["a.weight"]),
		"b.weight": NewTensor("b.weight", []int64{2}, want["b.weight"]),
	}

	if err := Save(path, tensors); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if f.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", f.Len())
	}

	if diff := cmp.Diff([]string{"a.weight", "b.weight"}, f.Names()); diff != "" {
		t.Errorf("Names() mismatch (-want +got):\n%s", diff)
	}

	for name, f32s := range want {
		tensor := f.Get(name)
		if tensor == nil {
			t.Fatalf("Get(%q) = nil", name)
		}

		got, err := tensor.Floats()
		if err != nil {
			t.Fatalf("Floats() error = %v", err)
		}

		if diff := cmp.Diff(f32s, got); diff != "" {
			t.Errorf("tensor %q mismatch (-want +got):\n%s", name, diff)
		}
	}

	if got := f.Get("a.weight").Elements(); got != 6 {
		t.Errorf("Elements() = %d, want 6", got)
	}

	if f.Get("missing") != nil {
		t.Error("Get(missing) should be nil")
	}
}

func TestReadF16(t *testing.T) {
	// 1.0 in IEEE half precision is 0x3c00
	header, _ := json.Marshal(map[string]tensorMeta{
		"h": {Dtype: "F16", Shape: []int64{2}, DataOffsets: []int64{0, 4}},
	})

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint64(len(header)))
	buf.Write(header)
	binary.Write(&buf, binary.LittleEndian, []uint16{0x3c00, 0xc000}) // 1.0, -2.0

	f, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	got, err := f.Get("h").Floats()
	if err != nil {
		t.Fatalf("Floats() error = %v", err)
	}

	if got[0] != 1.0 || got[1] != -2.0 {
		t.Errorf("Floats() = %v, want [1 -2]", got)
	}
}

func TestReadBF16(t *testing.T) {
	// 1.0 in bfloat16 is the top half of the float32 bits: 0x3f80
	header, _ := json.Marshal(map[string]tensorMeta{
		"h": {Dtype: "BF16", Shape: []int64{1}, DataOffsets: []int64{0, 2}},
	})

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint64(len(header)))
	buf.Write(header)
	binary.Write(&buf, binary.LittleEndian, uint16(math.Float32bits(1.0)>>16))

	f, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	got, err := f.Get("h").Floats()
	if err != nil {
		t.Fatalf("Floats() error = %v", err)
	}

	if got[0] != 1.0 {
		t.Errorf("Floats() = %v, want [1]", got)
	}
}

func TestReadMetadata(t *testing.T) {
	header := []byte(`{"__metadata__":{"format":"pt"}}`)

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint64(len(header)))
	buf.Write(header)

	f, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if f.Metadata["format"] != "pt" {
		t.Errorf("Metadata = %v, want format=pt", f.Metadata)
	}
}

func TestReadInvalid(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint64(0))
	if _, err := Read(&buf); err == nil {
		t.Error("Read() with zero header size should fail")
	}

	buf.Reset()
	binary.Write(&buf, binary.LittleEndian, uint64(5))
	buf.WriteString("not j")
	if _, err := Read(&buf); err == nil {
		t.Error("Read() with malformed header should fail")
	}
}

func TestUnsupportedDtype(t *testing.T) {
	tensor := &Tensor{Name: "q", Dtype: "I64", Shape: []int64{1}, data: make([]byte, 8)}
	if _, err := tensor.Floats(); err == nil {
		t.Error("Floats() on I64 should fail")
	}
}
