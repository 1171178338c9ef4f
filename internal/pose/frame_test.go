package pose_test

import (
	"context"
	"testing"
	"time"

	"github.com/mcsp-io/mcsp/internal/pose"
	"github.com/mcsp-io/mcsp/internal/video"
)

func TestDetectFrame_ConvertsAndRunsPipeline(t *testing.T) {
	pipeline := pose.NewPipeline(fakeRunner{}, pose.DefaultConfig())

	width, height := 640, 480
	frame := video.Frame{
		Timestamp: 33 * time.Millisecond,
		Width:     width,
		Height:    height,
		Data:      make([]byte, width*height*3),
	}

	detections, err := pipeline.DetectFrame(context.Background(), frame)
	if err != nil {
		t.Fatalf("DetectFrame returned error: %v", err)
	}
	if len(detections) == 0 {
		t.Fatal("expected at least one detection")
	}
}

func TestDetectFrame_RejectsMismatchedDataLength(t *testing.T) {
	pipeline := pose.NewPipeline(fakeRunner{}, pose.DefaultConfig())

	frame := video.Frame{
		Width:  640,
		Height: 480,
		Data:   make([]byte, 10), // far too short for 640x480 RGB24
	}

	if _, err := pipeline.DetectFrame(context.Background(), frame); err == nil {
		t.Fatal("expected error for mismatched frame data length")
	}
}
