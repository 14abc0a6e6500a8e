// Package safetensors reads and writes named tensors in the safetensors
// layout: an 8-byte little-endian header length, a JSON header mapping each
// tensor name to its dtype, shape and byte range, then the little-endian data.
//
// The byte range is stored under the standard "data_offsets" key, not
// "offsets", so the files load in any safetensors reader.
package safetensors

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"

	json "github.com/goccy/go-json"
	"github.com/x448/float16"
)

// Ext is the file suffix used for every saved model.
const Ext = ".safetensors"

const maxHeaderLen = 100 << 20

var (
	ErrPersistence   = errors.New("persistence error")
	ErrShapeMismatch = errors.New("shape mismatch")
)

type DType string

const (
	F32  DType = "F32"
	F64  DType = "F64"
	I32  DType = "I32"
	I64  DType = "I64"
	F16  DType = "F16"
	BF16 DType = "BF16"
)

// Size is the width of one element in bytes.
func (d DType) Size() int {
	switch d {
	case F32, I32:
		return 4
	case F64, I64:
		return 8
	case F16, BF16:
		return 2
	}
	return 0
}

// Tensor is a dense little-endian array.
type Tensor struct {
	DType DType
	Shape []int
	Data  []byte
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (t Tensor) NumElements() int { return numElements(t.Shape) }

func Float32(shape []int, v []float32) Tensor {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return Tensor{DType: F32, Shape: slices.Clone(shape), Data: buf}
}

func Float64(shape []int, v []float64) Tensor {
	buf := make([]byte, 8*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(x))
	}
	return Tensor{DType: F64, Shape: slices.Clone(shape), Data: buf}
}

func Int32(shape []int, v []int32) Tensor {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(x))
	}
	return Tensor{DType: I32, Shape: slices.Clone(shape), Data: buf}
}

func Int64(shape []int, v []int64) Tensor {
	buf := make([]byte, 8*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint64(buf[8*i:], uint64(x))
	}
	return Tensor{DType: I64, Shape: slices.Clone(shape), Data: buf}
}

// Float16 builds an F32 tensor from IEEE half-precision bit patterns. Half
// precision is never written to disk.
func Float16(shape []int, bits []uint16) Tensor {
	v := make([]float32, len(bits))
	for i, b := range bits {
		v[i] = float16.Frombits(b).Float32()
	}
	return Float32(shape, v)
}

// BFloat16 builds an F32 tensor from bfloat16 bit patterns.
func BFloat16(shape []int, bits []uint16) Tensor {
	v := make([]float32, len(bits))
	for i, b := range bits {
		v[i] = math.Float32frombits(uint32(b) << 16)
	}
	return Float32(shape, v)
}

// Upcast converts 16-bit float tensors to F32 and returns others unchanged.
func (t Tensor) Upcast() Tensor {
	if t.DType != F16 && t.DType != BF16 {
		return t
	}
	bits := make([]uint16, len(t.Data)/2)
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint16(t.Data[2*i:])
	}
	if t.DType == F16 {
		return Float16(t.Shape, bits)
	}
	return BFloat16(t.Shape, bits)
}

func (t Tensor) check(want DType) error {
	if t.DType != want {
		return fmt.Errorf("%w: tensor is %s, not %s", ErrPersistence, t.DType, want)
	}
	if len(t.Data) != t.NumElements()*want.Size() {
		return fmt.Errorf("%w: %d bytes for shape %v", ErrPersistence, len(t.Data), t.Shape)
	}
	return nil
}

func (t Tensor) Float32s() ([]float32, error) {
	if err := t.check(F32); err != nil {
		return nil, err
	}
	out := make([]float32, t.NumElements())
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[4*i:]))
	}
	return out, nil
}

func (t Tensor) Float64s() ([]float64, error) {
	if err := t.check(F64); err != nil {
		return nil, err
	}
	out := make([]float64, t.NumElements())
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(t.Data[8*i:]))
	}
	return out, nil
}

func (t Tensor) Int32s() ([]int32, error) {
	if err := t.check(I32); err != nil {
		return nil, err
	}
	out := make([]int32, t.NumElements())
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(t.Data[4*i:]))
	}
	return out, nil
}

func (t Tensor) Int64s() ([]int64, error) {
	if err := t.check(I64); err != nil {
		return nil, err
	}
	out := make([]int64, t.NumElements())
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(t.Data[8*i:]))
	}
	return out, nil
}

// AsFloat32 converts any floating tensor to float32 values.
func (t Tensor) AsFloat32() ([]float32, error) {
	t = t.Upcast()
	switch t.DType {
	case F32:
		return t.Float32s()
	case F64:
		v, err := t.Float64s()
		if err != nil {
			return nil, err
		}
		out := make([]float32, len(v))
		for i, x := range v {
			out[i] = float32(x)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: cannot read %s as float32", ErrPersistence, t.DType)
}

type headerEntry struct {
	DType   DType    `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

// Encode writes tensors in name order, so equal inputs produce equal bytes.
// 16-bit floats are upcast to F32.
func Encode(w io.Writer, tensors map[string]Tensor) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	slices.Sort(names)

	header := make(map[string]headerEntry, len(names))
	var offset int64
	ordered := make([]Tensor, len(names))
	for i, name := range names {
		t := tensors[name].Upcast()
		if t.DType.Size() == 0 {
			return fmt.Errorf("%w: tensor %q has unsupported dtype %q", ErrPersistence, name, t.DType)
		}
		if len(t.Data) != t.NumElements()*t.DType.Size() {
			return fmt.Errorf("%w: tensor %q has %d bytes for shape %v", ErrPersistence, name, len(t.Data), t.Shape)
		}
		shape := t.Shape
		if shape == nil {
			shape = []int{}
		}
		header[name] = headerEntry{DType: t.DType, Shape: shape, Offsets: [2]int64{offset, offset + int64(len(t.Data))}}
		offset += int64(len(t.Data))
		ordered[i] = t
	}

	raw, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("%w: encode header: %w", ErrPersistence, err)
	}
	if pad := (8 - len(raw)%8) % 8; pad > 0 {
		raw = append(raw, bytes.Repeat([]byte{' '}, pad)...)
	}

	var prefix [8]byte
	binary.LittleEndian.PutUint64(prefix[:], uint64(len(raw)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	for _, t := range ordered {
		if _, err := w.Write(t.Data); err != nil {
			return fmt.Errorf("%w: %w", ErrPersistence, err)
		}
	}
	return nil
}

// Decode parses a complete file image.
func Decode(data []byte) (map[string]Tensor, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: file shorter than header prefix", ErrPersistence)
	}
	n := binary.LittleEndian.Uint64(data[:8])
	if n > maxHeaderLen || uint64(len(data)-8) < n {
		return nil, fmt.Errorf("%w: header length %d exceeds file", ErrPersistence, n)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+n], &raw); err != nil {
		return nil, fmt.Errorf("%w: parse header: %w", ErrPersistence, err)
	}
	body := data[8+n:]

	out := make(map[string]Tensor, len(raw))
	for name, msg := range raw {
		if name == "__metadata__" {
			continue
		}
		var e headerEntry
		if err := json.Unmarshal(msg, &e); err != nil {
			return nil, fmt.Errorf("%w: tensor %q: %w", ErrPersistence, name, err)
		}
		if e.DType.Size() == 0 {
			return nil, fmt.Errorf("%w: tensor %q has unsupported dtype %q", ErrPersistence, name, e.DType)
		}
		start, end := e.Offsets[0], e.Offsets[1]
		if start < 0 || end < start || end > int64(len(body)) {
			return nil, fmt.Errorf("%w: tensor %q offsets [%d,%d] outside data of %d bytes", ErrPersistence, name, start, end, len(body))
		}
		if int(end-start) != numElements(e.Shape)*e.DType.Size() {
			return nil, fmt.Errorf("%w: tensor %q spans %d bytes for shape %v", ErrPersistence, name, end-start, e.Shape)
		}
		out[name] = Tensor{
			DType: e.DType,
			Shape: e.Shape,
			Data:  slices.Clone(body[start:end]),
		}
	}
	return out, nil
}

// WriteFile encodes tensors to a temporary sibling of path and renames it
// into place, so readers never observe a partial file.
func WriteFile(path string, tensors map[string]Tensor) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create dir: %w", ErrPersistence, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp: %w", ErrPersistence, err)
	}
	tmpPath := tmp.Name()
	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}

	if err := Encode(tmp, tensors); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("%w: sync: %w", ErrPersistence, err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: close: %w", ErrPersistence, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: rename: %w", ErrPersistence, err)
	}
	return nil
}

func ReadFile(path string) (map[string]Tensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	tensors, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tensors, nil
}
