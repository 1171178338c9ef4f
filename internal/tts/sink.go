package tts

import (
	"context"
	"errors"
	"sync"

	"github.com/mcsp-io/mcsp/internal/epoch"
)

// Sink accepts text to synthesize and feeds a paired Stream with PCM audio
// as it becomes available. One Sink/Stream pair serves one utterance.
type Sink interface {
	// Send submits text for synthesis. It does not block on audio generation
	// completing; the result arrives on the paired Stream.
	Send(ctx context.Context, text string) error
	// Close signals no further Send calls will be made, letting the paired
	// Stream drain and close once generation finishes.
	Close() error
}

// Stream pulls PCM audio chunks produced by a Sink's synthesis. Recv
// returns io.EOF-equivalent (ErrStreamClosed) once the final chunk has
// been delivered.
type Stream interface {
	Recv(ctx context.Context) (PCMChunk, error)
}

// ErrStreamClosed is returned by Stream.Recv once all PCMChunks for an
// utterance have been delivered and the underlying Sink is closed.
var ErrStreamClosed = errors.New("tts: stream closed")

// utteranceSinkStream is a Sink/Stream pair backed by Service.SynthesizeStream,
// running the synthesis loop on its own goroutine and bridging PCMChunk
// values and errors through a buffered channel. Its chunks are stamped with
// the service epoch current when the utterance started, so a still-running
// utterance superseded by a newer one (which advances the shared epoch)
// stops forwarding chunks instead of interleaving with the new utterance.
type utteranceSinkStream struct {
	svc       *Service
	voicePath string
	myEpoch   uint64

	once   sync.Once
	out    chan PCMChunk
	errCh  chan error
	cancel context.CancelFunc
}

// NewUtterance builds a Sink/Stream pair for one utterance, advancing svc's
// epoch so any utterance still streaming from a prior call is superseded.
// voicePath may be empty for the service's default voice.
func NewUtterance(svc *Service, voicePath string) (Sink, Stream) {
	u := &utteranceSinkStream{
		svc:       svc,
		voicePath: voicePath,
		myEpoch:   svc.Epoch.Advance(),
		out:       make(chan PCMChunk, 4),
		errCh:     make(chan error, 1),
	}

	return u, u
}

func (u *utteranceSinkStream) Send(ctx context.Context, text string) error {
	var started bool

	u.once.Do(func() {
		started = true

		runCtx, cancel := context.WithCancel(context.Background())
		u.cancel = cancel

		relay := make(chan PCMChunk, 4)

		go func() {
			u.errCh <- u.svc.SynthesizeStream(runCtx, text, u.voicePath, relay)
		}()

		go func() {
			defer close(u.out)

			for chunk := range relay {
				if !u.svc.Epoch.IsCurrent(u.myEpoch) {
					continue
				}

				u.out <- chunk
			}
		}()
	})

	if !started {
		return errors.New("tts: utterance sink only accepts a single Send call")
	}

	return ctx.Err()
}

func (u *utteranceSinkStream) Close() error {
	if u.cancel != nil {
		u.cancel()
	}

	return nil
}

func (u *utteranceSinkStream) Recv(ctx context.Context) (PCMChunk, error) {
	select {
	case chunk, ok := <-u.out:
		if !ok {
			select {
			case err := <-u.errCh:
				if err != nil {
					return PCMChunk{}, err
				}
			default:
			}

			return PCMChunk{}, ErrStreamClosed
		}

		return chunk, nil
	case <-ctx.Done():
		return PCMChunk{}, ctx.Err()
	}
}
