package pose_test

import (
	"context"
	"testing"

	"github.com/mcsp-io/mcsp/internal/onnx"
	"github.com/mcsp-io/mcsp/internal/pose"
)

// fakeRunner returns two overlapping boxes and one distinct box, each with
// 17 keypoints, so NMS has something real to suppress.
type fakeRunner struct{}

func (fakeRunner) Run(_ context.Context, _ map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
	stride := 5 + 17*3
	rows := [][]float32{
		makeRow(100, 100, 50, 50, 0.9),
		makeRow(102, 101, 50, 50, 0.8), // overlaps row 0 heavily
		makeRow(400, 400, 30, 30, 0.7), // distinct
	}

	data := make([]float32, 0, len(rows)*stride)
	for _, r := range rows {
		data = append(data, r...)
	}

	out, err := onnx.NewTensor(data, []int64{1, int64(len(rows)), int64(stride)})
	if err != nil {
		return nil, err
	}

	return map[string]*onnx.Tensor{"output": out}, nil
}

func makeRow(cx, cy, w, h, score float32) []float32 {
	row := []float32{cx, cy, w, h, score}
	for i := 0; i < 17; i++ {
		row = append(row, cx, cy, 0.9)
	}

	return row
}

func TestDetectSuppressesOverlappingBoxes(t *testing.T) {
	t.Parallel()

	pipeline := pose.NewPipeline(fakeRunner{}, pose.DefaultConfig())

	img := make([]float32, 640*640*3)

	detections, err := pipeline.Detect(context.Background(), img, 640, 640)
	if err != nil {
		t.Fatal(err)
	}

	if len(detections) != 2 {
		t.Fatalf("got %d detections, want 2 (one pair suppressed by NMS)", len(detections))
	}

	if detections[0].Score < detections[1].Score {
		t.Fatalf("detections not sorted by descending score: %+v", detections)
	}

	if len(detections[0].Keypoints) != 17 {
		t.Fatalf("got %d keypoints, want 17", len(detections[0].Keypoints))
	}
}
