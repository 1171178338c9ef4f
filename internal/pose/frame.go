package pose

import (
	"context"
	"fmt"

	"github.com/mcsp-io/mcsp/internal/video"
)

// DetectFrame runs Detect over a video.Frame's packed RGB24 bytes, converting
// each channel byte to [0,1] float32 before handing it to the pipeline.
func (p *Pipeline) DetectFrame(ctx context.Context, frame video.Frame) ([]Detection, error) {
	want := frame.Width * frame.Height * 3
	if len(frame.Data) != want {
		return nil, fmt.Errorf("pose: frame data length %d, want %d for %dx%d RGB24", len(frame.Data), want, frame.Width, frame.Height)
	}

	rgb := make([]float32, want)
	for i, b := range frame.Data {
		rgb[i] = float32(b) / 255
	}

	return p.Detect(ctx, rgb, frame.Width, frame.Height)
}
