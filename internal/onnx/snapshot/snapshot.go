// Package snapshot copies ONNX session state tensors out to plain bytes
// and back, so an expensive conditioning pass (voice embedding, KV
// prefill) only has to run once per voice/session and can be replayed
// cheaply for every subsequent utterance.
package snapshot

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/mcsp-io/mcsp/internal/onnx"
)

// Tensor is a byte-exact copy of one state tensor: its raw element bytes,
// its shape, and enough type information to reinject it later.
type Tensor struct {
	Data  []byte
	Shape []int64
	DType onnx.TensorDType
}

// State is a named set of tensor snapshots, e.g. every KV-cache or flow
// conditioning tensor belonging to one session at one point in time.
type State struct {
	Tensors map[string]Tensor
}

// Capture extracts raw bytes from every tensor in values, keyed the same
// way the caller's map was keyed (typically an ONNX output-name map).
func Capture(values map[string]*onnx.Tensor) (*State, error) {
	out := &State{Tensors: make(map[string]Tensor, len(values))}

	for name, t := range values {
		raw, err := extractRawBytes(t)
		if err != nil {
			return nil, fmt.Errorf("snapshot %q: %w", name, err)
		}

		out.Tensors[name] = Tensor{
			Data:  raw,
			Shape: t.Shape(),
			DType: t.DType(),
		}
	}

	return out, nil
}

// Restore rebuilds the *onnx.Tensor values captured in s.
func (s *State) Restore() (map[string]*onnx.Tensor, error) {
	out := make(map[string]*onnx.Tensor, len(s.Tensors))

	for name, snap := range s.Tensors {
		t, err := restoreTypedValue(snap)
		if err != nil {
			return nil, fmt.Errorf("restore %q: %w", name, err)
		}

		out[name] = t
	}

	return out, nil
}

// Clone makes an independent copy of s so a cached conditioning snapshot
// can be handed out to concurrent callers without risk of one mutating
// another's working copy.
func (s *State) Clone() *State {
	out := &State{Tensors: make(map[string]Tensor, len(s.Tensors))}

	for name, snap := range s.Tensors {
		out.Tensors[name] = Tensor{
			Data:  append([]byte(nil), snap.Data...),
			Shape: append([]int64(nil), snap.Shape...),
			DType: snap.DType,
		}
	}

	return out
}

func extractRawBytes(t *onnx.Tensor) ([]byte, error) {
	switch t.DType() {
	case onnx.DTypeFloat32:
		data, err := onnx.ExtractFloat32(t)
		if err != nil {
			return nil, err
		}

		return float32sToBytes(data), nil
	case onnx.DTypeInt64:
		data, err := onnx.ExtractInt64(t)
		if err != nil {
			return nil, err
		}

		return int64sToBytes(data), nil
	case onnx.DTypeBool:
		data, err := onnx.ExtractBool(t)
		if err != nil {
			return nil, err
		}

		return boolsToBytes(data), nil
	default:
		return nil, fmt.Errorf("unsupported snapshot dtype %q", t.DType())
	}
}

func restoreTypedValue(snap Tensor) (*onnx.Tensor, error) {
	switch snap.DType {
	case onnx.DTypeFloat32:
		return onnx.NewTensor(bytesToFloat32s(snap.Data), snap.Shape)
	case onnx.DTypeInt64:
		return onnx.NewTensor(bytesToInt64s(snap.Data), snap.Shape)
	case onnx.DTypeBool:
		return onnx.NewBoolTensor(bytesToBools(snap.Data), snap.Shape)
	default:
		return nil, fmt.Errorf("unsupported snapshot dtype %q", snap.DType)
	}
}

func float32sToBytes(data []float32) []byte {
	out := make([]byte, len(data)*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}

	return out
}

func bytesToFloat32s(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}

	return out
}

func int64sToBytes(data []int64) []byte {
	out := make([]byte, len(data)*8)
	for i, v := range data {
		binary.LittleEndian.PutUint64(out[i*8:], uint64(v))
	}

	return out
}

func bytesToInt64s(data []byte) []int64 {
	out := make([]int64, len(data)/8)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(data[i*8:]))
	}

	return out
}

func boolsToBytes(data []bool) []byte {
	out := make([]byte, len(data))
	for i, v := range data {
		if v {
			out[i] = 1
		}
	}

	return out
}

func bytesToBools(data []byte) []bool {
	out := make([]bool, len(data))
	for i, b := range data {
		out[i] = b != 0
	}

	return out
}
