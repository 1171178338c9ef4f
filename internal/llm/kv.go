// Package llm runs incremental causal-language-model inference over an
// ONNX session: KV-cache layer discovery, prefill, greedy/temperature/
// top-k/repetition-penalty decoding, and streaming token emission.
package llm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mcsp-io/mcsp/internal/onnx"
)

// KVBinding describes how a causal LM's input names pair up into
// per-layer key/value cache slots.
type KVBinding struct {
	NumLayers  int
	KeyNames   []string // NumLayers entries, sorted by name
	ValueNames []string
	ElemType   onnx.TensorDType
}

// DiscoverKVBinding scans a session's declared inputs for names containing
// ".key" or ".value" and pairs them up in layer order. The layer count is
// half the number of matching inputs, which must be even and nonzero; the
// element type is taken from the first key input found, mirroring the
// original implementation's "count substrings, derive layer count, record
// dtype from the first match" discovery.
func DiscoverKVBinding(inputs []onnx.NodeInfo) (KVBinding, error) {
	var keys, values []onnx.NodeInfo

	for _, in := range inputs {
		switch {
		case strings.Contains(in.Name, ".key"):
			keys = append(keys, in)
		case strings.Contains(in.Name, ".value"):
			values = append(values, in)
		}
	}

	if len(keys) == 0 || len(values) == 0 {
		return KVBinding{}, fmt.Errorf("llm: no KV-cache inputs found (want names containing \".key\"/\".value\")")
	}

	if len(keys) != len(values) {
		return KVBinding{}, fmt.Errorf("llm: mismatched KV-cache inputs: %d key, %d value", len(keys), len(values))
	}

	sortByLayerIndex(keys)
	sortByLayerIndex(values)

	elemType, err := canonicalElemType(keys[0].DType)
	if err != nil {
		return KVBinding{}, fmt.Errorf("llm: KV-cache element type: %w", err)
	}

	keyNames := make([]string, len(keys))
	for i, k := range keys {
		keyNames[i] = k.Name
	}

	valueNames := make([]string, len(values))
	for i, v := range values {
		valueNames[i] = v.Name
	}

	return KVBinding{
		NumLayers:  len(keys),
		KeyNames:   keyNames,
		ValueNames: valueNames,
		ElemType:   elemType,
	}, nil
}

// sortByLayerIndex orders inputs by a stable string sort on name, so keys
// and values come out in the same order whatever order the manifest lists
// them in. The comparison is lexicographic, not numeric: "layers.10.key"
// sorts before "layers.2.key".
func sortByLayerIndex(nodes []onnx.NodeInfo) {
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
}

func canonicalElemType(raw string) (onnx.TensorDType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "float", "float32", "tensor(float)":
		return onnx.DTypeFloat32, nil
	case "int64", "tensor(int64)":
		return onnx.DTypeInt64, nil
	default:
		return "", fmt.Errorf("unsupported KV-cache element type %q", raw)
	}
}
