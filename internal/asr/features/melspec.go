// Package features extracts log-mel spectrogram frames from streaming PCM
// audio for the ASR encoder: 25ms windows, 10ms hop, pre-emphasis, a Hann
// window, and an 80- or 128-bin mel filterbank.
package features

import (
	"math"

	dsp "github.com/cwbudde/algo-dsp"
)

const (
	// PreEmphasisCoeff is applied as y[n] = x[n] - coeff*x[n-1] before windowing.
	PreEmphasisCoeff = 0.97

	windowMS = 25
	hopMS    = 10

	logFloor = 1e-10
)

// Config controls the mel filterbank shape.
type Config struct {
	SampleRate int
	NumMelBins int // 80 or 128
}

// DefaultConfig80 matches the common 16kHz/80-bin streaming ASR encoder setup.
func DefaultConfig80() Config {
	return Config{SampleRate: 16000, NumMelBins: 80}
}

// DefaultConfig128 matches a higher-resolution 128-bin encoder setup.
func DefaultConfig128() Config {
	return Config{SampleRate: 16000, NumMelBins: 128}
}

// Extractor turns a stream of PCM samples into a stream of log-mel frames.
// It buffers partial windows across calls to FeedSamples so callers can
// push audio in arbitrarily sized chunks.
type Extractor struct {
	cfg Config

	windowSize int
	hopSize    int
	fftSize    int

	window     []float64
	melWeights [][]float64 // [bin][fftSize/2+1]

	buf      []float64
	lastTail float64 // last sample of the previous chunk, for pre-emphasis continuity
}

// NewExtractor builds an Extractor for cfg.
func NewExtractor(cfg Config) *Extractor {
	windowSize := cfg.SampleRate * windowMS / 1000
	hopSize := cfg.SampleRate * hopMS / 1000
	fftSize := nextPowerOfTwo(windowSize)

	return &Extractor{
		cfg:        cfg,
		windowSize: windowSize,
		hopSize:    hopSize,
		fftSize:    fftSize,
		window:     dsp.HannWindow(windowSize),
		melWeights: melFilterbank(cfg.SampleRate, fftSize, cfg.NumMelBins),
	}
}

// FeedSamples appends newSamples to the internal buffer and returns every
// complete log-mel frame that can now be extracted, consuming hopSize
// samples per returned frame and leaving a partial window buffered for the
// next call.
func (e *Extractor) FeedSamples(newSamples []float32) [][]float32 {
	for _, s := range newSamples {
		e.buf = append(e.buf, float64(s))
	}

	var frames [][]float32

	for len(e.buf) >= e.windowSize {
		frame := e.extractFrame(e.buf[:e.windowSize])
		frames = append(frames, frame)
		e.lastTail = e.buf[e.hopSize-1]
		e.buf = e.buf[e.hopSize:]
	}

	return frames
}

// Reset clears buffered audio, used when a new utterance begins.
func (e *Extractor) Reset() {
	e.buf = e.buf[:0]
	e.lastTail = 0
}

func (e *Extractor) extractFrame(window []float64) []float32 {
	emphasized := make([]float64, len(window))
	prev := e.lastTail

	for i, s := range window {
		emphasized[i] = s - PreEmphasisCoeff*prev
		prev = s
	}

	windowed := make([]float64, e.fftSize)
	for i, s := range emphasized {
		windowed[i] = s * e.window[i]
	}

	spectrum := dsp.FFTReal(windowed)

	power := make([]float64, len(spectrum))
	for i, c := range spectrum {
		power[i] = real(c)*real(c) + imag(c)*imag(c)
	}

	melEnergies := make([]float32, len(e.melWeights))

	for bin, weights := range e.melWeights {
		sum := 0.0
		for i, w := range weights {
			if i < len(power) {
				sum += w * power[i]
			}
		}

		melEnergies[bin] = float32(math.Log(math.Max(sum, logFloor)))
	}

	return melEnergies
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p *= 2
	}

	return p
}

// melFilterbank builds a triangular mel filterbank over numBins mel bands
// spanning 0Hz to sampleRate/2, the standard ASR feature-extraction shape.
func melFilterbank(sampleRate, fftSize, numBins int) [][]float64 {
	numFreqBins := fftSize/2 + 1

	melMin := hzToMel(0)
	melMax := hzToMel(float64(sampleRate) / 2)

	melPoints := make([]float64, numBins+2)
	for i := range melPoints {
		melPoints[i] = melMin + (melMax-melMin)*float64(i)/float64(numBins+1)
	}

	binIndices := make([]int, len(melPoints))
	for i, m := range melPoints {
		hz := melToHz(m)
		binIndices[i] = int(math.Floor((float64(fftSize) + 1) * hz / float64(sampleRate)))
	}

	weights := make([][]float64, numBins)

	for b := range weights {
		weights[b] = make([]float64, numFreqBins)

		left, center, right := binIndices[b], binIndices[b+1], binIndices[b+2]

		for k := left; k < center && k < numFreqBins; k++ {
			if center > left {
				weights[b][k] = float64(k-left) / float64(center-left)
			}
		}

		for k := center; k < right && k < numFreqBins; k++ {
			if right > center {
				weights[b][k] = float64(right-k) / float64(right-center)
			}
		}
	}

	return weights
}

func hzToMel(hz float64) float64 {
	return 2595 * math.Log10(1+hz/700)
}

func melToHz(mel float64) float64 {
	return 700 * (math.Pow(10, mel/2595) - 1)
}
