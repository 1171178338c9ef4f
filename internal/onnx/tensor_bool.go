package onnx

import "fmt"

// DTypeBool is the boolean tensor element type, used by causal LM attention
// masks and some KV-cache "has history" flags. It's kept out of the
// NewTensor[T ~int64|~float32] generic constructor since bool isn't a
// numeric type worth unifying with those two.
const DTypeBool TensorDType = "bool"

// NewBoolTensor builds a bool tensor, validating shape against data length
// the same way NewTensor does for its two numeric types.
func NewBoolTensor(data []bool, shape []int64) (*Tensor, error) {
	if err := validateShapeAgainstData(shape, len(data)); err != nil {
		return nil, err
	}

	return &Tensor{
		dtype: DTypeBool,
		shape: append([]int64(nil), shape...),
		data:  append([]bool(nil), data...),
	}, nil
}

// ExtractBool returns the backing []bool of a bool Tensor.
func ExtractBool(output any) ([]bool, error) {
	t, ok := output.(*Tensor)
	if !ok {
		return nil, fmt.Errorf("expected *Tensor output, got %T", output)
	}

	if t.dtype != DTypeBool {
		return nil, fmt.Errorf("expected bool tensor, got %s", t.dtype)
	}

	data, ok := t.data.([]bool)
	if !ok {
		return nil, fmt.Errorf("bool tensor has unexpected backing type %T", t.data)
	}

	return append([]bool(nil), data...), nil
}
