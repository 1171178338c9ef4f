// Package pose runs a keypoint-detection pipeline over a single image:
// letterbox preprocessing, a backbone+FPN+head ONNX graph, distance-form
// bounding-box decode, and greedy non-max suppression.
package pose

import (
	"context"
	"fmt"
	"sort"

	"github.com/mcsp-io/mcsp/internal/onnx"
)

// GraphRunner is the subset of *onnx.Runner the pose pipeline needs.
type GraphRunner interface {
	Run(ctx context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error)
}

const (
	inputSize = 640
	padValue  = float32(114) / 255
	numKeypts = 17 // COCO keypoint count
)

// Keypoint is one detected joint in original-image coordinates.
type Keypoint struct {
	X, Y       float32
	Confidence float32
}

// Detection is one decoded person: a bounding box plus its keypoints, in
// original-image pixel coordinates.
type Detection struct {
	X1, Y1, X2, Y2 float32
	Score          float32
	Keypoints      []Keypoint
}

// Config controls decode thresholds.
type Config struct {
	ScoreThreshold float32
	IoUThreshold   float32
}

// DefaultConfig matches common pose-detector defaults.
func DefaultConfig() Config {
	return Config{ScoreThreshold: 0.25, IoUThreshold: 0.45}
}

// Pipeline runs letterbox preprocessing, inference, and postprocessing
// over one image at a time.
type Pipeline struct {
	runner GraphRunner
	cfg    Config
}

// NewPipeline builds a Pipeline over runner.
func NewPipeline(runner GraphRunner, cfg Config) *Pipeline {
	return &Pipeline{runner: runner, cfg: cfg}
}

// letterboxTransform records how to map a decoded box back to the
// original image after resize+pad preprocessing.
type letterboxTransform struct {
	scale      float32
	padX, padY float32
}

// Detect runs the full pipeline over one RGB image (row-major, interleaved
// R,G,B float32 in [0,1]) of the given width/height.
func (p *Pipeline) Detect(ctx context.Context, rgb []float32, width, height int) ([]Detection, error) {
	letterboxed, transform := letterbox(rgb, width, height)

	inputTensor, err := onnx.NewTensor(letterboxed, []int64{1, 3, inputSize, inputSize})
	if err != nil {
		return nil, fmt.Errorf("pose: build input tensor: %w", err)
	}

	outputs, err := p.runner.Run(ctx, map[string]*onnx.Tensor{"images": inputTensor})
	if err != nil {
		return nil, fmt.Errorf("pose: run: %w", err)
	}

	predictions, ok := outputs["output"]
	if !ok {
		return nil, fmt.Errorf("pose: missing 'output' in result")
	}

	data, err := onnx.ExtractFloat32(predictions)
	if err != nil {
		return nil, fmt.Errorf("pose: extract output: %w", err)
	}

	shape := predictions.Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("pose: output shape %v, want 3 dims [1, N, C]", shape)
	}

	numDet := int(shape[1])
	stride := int(shape[2])

	detections := decodeDetections(data, numDet, stride, p.cfg.ScoreThreshold)
	detections = nonMaxSuppression(detections, p.cfg.IoUThreshold)

	for i := range detections {
		rescaleDetection(&detections[i], transform)
	}

	return detections, nil
}

// letterbox resizes rgb to fit within inputSize x inputSize preserving
// aspect ratio, pads with gray (114/255), and returns the CHW float32
// tensor data plus the transform needed to map decoded boxes back.
func letterbox(rgb []float32, width, height int) ([]float32, letterboxTransform) {
	scale := float32(inputSize) / float32(max(width, height))
	newW := int(float32(width) * scale)
	newH := int(float32(height) * scale)

	padX := float32(inputSize-newW) / 2
	padY := float32(inputSize-newH) / 2

	out := make([]float32, 3*inputSize*inputSize)
	for i := range out {
		out[i] = padValue
	}

	for y := 0; y < newH; y++ {
		srcY := int(float32(y) / scale)
		if srcY >= height {
			srcY = height - 1
		}

		for x := 0; x < newW; x++ {
			srcX := int(float32(x) / scale)
			if srcX >= width {
				srcX = width - 1
			}

			dstX := x + int(padX)
			dstY := y + int(padY)

			for c := 0; c < 3; c++ {
				srcIdx := (srcY*width+srcX)*3 + c
				dstIdx := c*inputSize*inputSize + dstY*inputSize + dstX
				out[dstIdx] = rgb[srcIdx]
			}
		}
	}

	return out, letterboxTransform{scale: scale, padX: padX, padY: padY}
}

// decodeDetections reads [cx, cy, w, h, score, kpt_x0, kpt_y0, kpt_conf0, ...]
// rows (the distance-form box is already center+size by the time it
// reaches this layer's output) and keeps those above threshold.
func decodeDetections(data []float32, numDet, stride int, threshold float32) []Detection {
	var out []Detection

	for i := 0; i < numDet; i++ {
		row := data[i*stride : (i+1)*stride]

		score := row[4]
		if score < threshold {
			continue
		}

		cx, cy, w, h := row[0], row[1], row[2], row[3]

		det := Detection{
			X1:    cx - w/2,
			Y1:    cy - h/2,
			X2:    cx + w/2,
			Y2:    cy + h/2,
			Score: score,
		}

		kptBase := 5
		for k := 0; k < numKeypts && kptBase+k*3+2 < stride; k++ {
			det.Keypoints = append(det.Keypoints, Keypoint{
				X:          row[kptBase+k*3],
				Y:          row[kptBase+k*3+1],
				Confidence: row[kptBase+k*3+2],
			})
		}

		out = append(out, det)
	}

	return out
}

// nonMaxSuppression greedily keeps the highest-scoring detection and
// discards any remaining detection overlapping it above iouThreshold,
// repeating until no detections remain.
func nonMaxSuppression(detections []Detection, iouThreshold float32) []Detection {
	sort.Slice(detections, func(i, j int) bool { return detections[i].Score > detections[j].Score })

	kept := make([]Detection, 0, len(detections))
	suppressed := make([]bool, len(detections))

	for i := range detections {
		if suppressed[i] {
			continue
		}

		kept = append(kept, detections[i])

		for j := i + 1; j < len(detections); j++ {
			if suppressed[j] {
				continue
			}

			if iou(detections[i], detections[j]) > iouThreshold {
				suppressed[j] = true
			}
		}
	}

	return kept
}

func iou(a, b Detection) float32 {
	x1 := max32(a.X1, b.X1)
	y1 := max32(a.Y1, b.Y1)
	x2 := min32(a.X2, b.X2)
	y2 := min32(a.Y2, b.Y2)

	interW := max32(0, x2-x1)
	interH := max32(0, y2-y1)
	inter := interW * interH

	areaA := (a.X2 - a.X1) * (a.Y2 - a.Y1)
	areaB := (b.X2 - b.X1) * (b.Y2 - b.Y1)

	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}

	return inter / union
}

// rescaleDetection maps a letterboxed-space detection back to original
// image pixel coordinates.
func rescaleDetection(d *Detection, t letterboxTransform) {
	d.X1 = (d.X1 - t.padX) / t.scale
	d.Y1 = (d.Y1 - t.padY) / t.scale
	d.X2 = (d.X2 - t.padX) / t.scale
	d.Y2 = (d.Y2 - t.padY) / t.scale

	for i := range d.Keypoints {
		d.Keypoints[i].X = (d.Keypoints[i].X - t.padX) / t.scale
		d.Keypoints[i].Y = (d.Keypoints[i].Y - t.padY) / t.scale
	}
}

func max32(a, b float32) float32 {
	if a > b {
		return a
	}

	return b
}

func min32(a, b float32) float32 {
	if a < b {
		return a
	}

	return b
}
