package audio

import "math"

// PeakNormalize scales samples so the peak amplitude reaches 1.0. Silence
// (all-zero input) is returned unchanged.
func PeakNormalize(samples []float32) []float32 {
	var peak float32
	for _, v := range samples {
		if a := float32(math.Abs(float64(v))); a > peak {
			peak = a
		}
	}
	if peak == 0 {
		return samples
	}

	gain := 1.0 / peak
	for i, v := range samples {
		samples[i] = v * gain
	}
	return samples
}

// dcBlockPole sets the high-pass cutoff of DCBlock; closer to 1.0 means a
// lower cutoff and slower settling.
const dcBlockPole = 0.995

// DCBlock removes DC offset with a one-pole high-pass filter,
// y[n] = x[n] - x[n-1] + pole*y[n-1].
func DCBlock(samples []float32, _ int) []float32 {
	var prevIn, prevOut float32
	for i, x := range samples {
		y := x - prevIn + dcBlockPole*prevOut
		samples[i] = y
		prevIn = x
		prevOut = y
	}
	return samples
}

// FadeIn applies a linear fade-in ramp over the given duration in milliseconds.
func FadeIn(samples []float32, sampleRate int, ms float64) []float32 {
	n := fadeSampleCount(sampleRate, ms, len(samples))
	for i := 0; i < n; i++ {
		samples[i] *= float32(i) / float32(n)
	}
	return samples
}

// FadeOut applies a linear fade-out ramp over the given duration in milliseconds.
func FadeOut(samples []float32, sampleRate int, ms float64) []float32 {
	n := fadeSampleCount(sampleRate, ms, len(samples))
	last := len(samples) - 1
	for i := 0; i < n; i++ {
		idx := last - i
		samples[idx] *= float32(i) / float32(n)
	}
	return samples
}

func fadeSampleCount(sampleRate int, ms float64, total int) int {
	n := int(ms / 1000.0 * float64(sampleRate))
	if n > total {
		n = total
	}
	if n < 1 {
		n = 1
	}
	return n
}
