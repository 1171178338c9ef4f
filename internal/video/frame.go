// Package video defines the frame contract the façade expects from a video
// collaborator. Capture, encoding, and transport are external concerns;
// this package only fixes the shape of the data crossing that boundary.
package video

import (
	"context"
	"time"
)

// Frame is a single decoded video frame, width/height in pixels and Data
// holding packed RGB24 samples (row-major, no stride padding).
type Frame struct {
	Timestamp time.Duration
	Width     int
	Height    int
	KeyFrame  bool
	Data      []byte
}

// Sink accepts frames produced elsewhere (e.g. the pose pipeline overlaying
// annotations on a capture feed).
type Sink interface {
	Send(ctx context.Context, frame Frame) error
	Close() error
}

// Source yields frames from a collaborator feed.
type Source interface {
	Recv(ctx context.Context) (Frame, error)
}
