package audio

import (
	"encoding/binary"
	"math"
)

// DecodeFloat32LE interprets data as a sequence of little-endian float32
// samples, the wire format the streaming ASR endpoint accepts for raw PCM
// uploads instead of a full WAV container. len(data) must be a multiple
// of 4; any trailing partial sample is discarded.
func DecodeFloat32LE(data []byte) []float32 {
	n := len(data) / 4
	samples := make([]float32, n)

	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		samples[i] = math.Float32frombits(bits)
	}

	return samples
}
