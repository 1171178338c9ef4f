package snapshot_test

import (
	"testing"

	"github.com/mcsp-io/mcsp/internal/onnx"
	"github.com/mcsp-io/mcsp/internal/onnx/snapshot"
)

func TestCaptureRestoreRoundTripsFloat32(t *testing.T) {
	t.Parallel()

	tensor, err := onnx.NewTensor([]float32{1.5, -2.25, 3}, []int64{1, 3})
	if err != nil {
		t.Fatal(err)
	}

	state, err := snapshot.Capture(map[string]*onnx.Tensor{"kv_0": tensor})
	if err != nil {
		t.Fatal(err)
	}

	restored, err := state.Restore()
	if err != nil {
		t.Fatal(err)
	}

	data, err := onnx.ExtractFloat32(restored["kv_0"])
	if err != nil {
		t.Fatal(err)
	}

	want := []float32{1.5, -2.25, 3}
	if len(data) != len(want) {
		t.Fatalf("len = %d, want %d", len(data), len(want))
	}

	for i := range want {
		if data[i] != want[i] {
			t.Fatalf("data[%d] = %v, want %v", i, data[i], want[i])
		}
	}
}

func TestCaptureRestoreRoundTripsInt64AndBool(t *testing.T) {
	t.Parallel()

	ints, err := onnx.NewTensor([]int64{10, -20, 30}, []int64{3})
	if err != nil {
		t.Fatal(err)
	}

	bools, err := onnx.NewBoolTensor([]bool{true, false, true}, []int64{3})
	if err != nil {
		t.Fatal(err)
	}

	state, err := snapshot.Capture(map[string]*onnx.Tensor{"offset": ints, "mask": bools})
	if err != nil {
		t.Fatal(err)
	}

	restored, err := state.Restore()
	if err != nil {
		t.Fatal(err)
	}

	gotInts, err := onnx.ExtractInt64(restored["offset"])
	if err != nil {
		t.Fatal(err)
	}

	if gotInts[0] != 10 || gotInts[1] != -20 || gotInts[2] != 30 {
		t.Fatalf("ints = %v", gotInts)
	}

	gotBools, err := onnx.ExtractBool(restored["mask"])
	if err != nil {
		t.Fatal(err)
	}

	if !gotBools[0] || gotBools[1] || !gotBools[2] {
		t.Fatalf("bools = %v", gotBools)
	}
}

func TestCloneIsIndependentOfOriginal(t *testing.T) {
	t.Parallel()

	tensor, err := onnx.NewTensor([]float32{1}, []int64{1})
	if err != nil {
		t.Fatal(err)
	}

	state, err := snapshot.Capture(map[string]*onnx.Tensor{"x": tensor})
	if err != nil {
		t.Fatal(err)
	}

	clone := state.Clone()
	clone.Tensors["x"].Data[0] = 0xFF

	if state.Tensors["x"].Data[0] == 0xFF {
		t.Fatal("mutating clone's backing bytes affected the original snapshot")
	}
}
