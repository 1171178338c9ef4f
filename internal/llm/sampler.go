package llm

import (
	"math"
	"math/rand/v2"
	"sort"
)

// SampleConfig controls how the next token is chosen from a logits vector.
type SampleConfig struct {
	Temperature       float64 // 0 means greedy argmax
	TopK              int     // 0 means no top-k restriction
	RepetitionPenalty float64 // 1.0 means no penalty
}

// DefaultSampleConfig is greedy decoding with no repetition penalty.
func DefaultSampleConfig() SampleConfig {
	return SampleConfig{Temperature: 0, TopK: 0, RepetitionPenalty: 1.0}
}

// SampleToken picks the next token ID from logits, given the tokens
// generated so far (used for the repetition penalty).
func SampleToken(logits []float32, generated []int64, cfg SampleConfig) int64 {
	scored := applyRepetitionPenalty(logits, generated, cfg.RepetitionPenalty)

	if cfg.Temperature <= 0 {
		return argmax(scored)
	}

	if cfg.TopK > 0 && cfg.TopK < len(scored) {
		scored = restrictToTopK(scored, cfg.TopK)
	}

	probs := softmax(scored, cfg.Temperature)

	return sampleFromDistribution(probs)
}

func applyRepetitionPenalty(logits []float32, generated []int64, penalty float64) []float32 {
	if penalty == 1.0 || penalty == 0 {
		return append([]float32(nil), logits...)
	}

	seen := make(map[int64]struct{}, len(generated))
	for _, id := range generated {
		seen[id] = struct{}{}
	}

	out := append([]float32(nil), logits...)

	for id := range seen {
		if id < 0 || int(id) >= len(out) {
			continue
		}

		v := float64(out[id])
		if v > 0 {
			out[id] = float32(v / penalty)
		} else {
			out[id] = float32(v * penalty)
		}
	}

	return out
}

func argmax(logits []float32) int64 {
	best := 0

	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}

	return int64(best)
}

// restrictToTopK zeroes out every logit not among the k highest, using
// -Inf so softmax assigns them zero probability.
func restrictToTopK(logits []float32, k int) []float32 {
	type scoredIdx struct {
		idx   int
		score float32
	}

	indexed := make([]scoredIdx, len(logits))
	for i, v := range logits {
		indexed[i] = scoredIdx{i, v}
	}

	sort.Slice(indexed, func(i, j int) bool { return indexed[i].score > indexed[j].score })

	keep := make(map[int]struct{}, k)
	for i := 0; i < k && i < len(indexed); i++ {
		keep[indexed[i].idx] = struct{}{}
	}

	out := make([]float32, len(logits))

	for i, v := range logits {
		if _, ok := keep[i]; ok {
			out[i] = v
		} else {
			out[i] = float32(math.Inf(-1))
		}
	}

	return out
}

func softmax(logits []float32, temperature float64) []float64 {
	scaled := make([]float64, len(logits))
	maxVal := math.Inf(-1)

	for i, v := range logits {
		scaled[i] = float64(v) / temperature
		if scaled[i] > maxVal {
			maxVal = scaled[i]
		}
	}

	sum := 0.0

	for i, v := range scaled {
		e := math.Exp(v - maxVal)
		scaled[i] = e
		sum += e
	}

	for i := range scaled {
		scaled[i] /= sum
	}

	return scaled
}

// randFloat64 is a package var so tests can make sampling deterministic,
// matching the flow sampler's randNormal indirection in internal/onnx.
var randFloat64 = rand.Float64

func sampleFromDistribution(probs []float64) int64 {
	r := randFloat64()
	cumulative := 0.0

	for i, p := range probs {
		cumulative += p
		if r <= cumulative {
			return int64(i)
		}
	}

	return int64(len(probs) - 1)
}
