// Package tokenizer provides text tokenization for the PocketTTS engine.
// The primary implementation uses SentencePiece unigram tokenization matching
// the reference Python/Rust implementations exactly.
package tokenizer

// Tokenizer encodes text into SentencePiece token IDs.
type Tokenizer interface {
	// Encode tokenizes text and returns SentencePiece token IDs.
	Encode(text string) ([]int64, error)
}

// DecodingTokenizer additionally maps generated token IDs back to text,
// needed by streaming generators that emit text incrementally rather than
// IDs.
type DecodingTokenizer interface {
	Tokenizer
	Decode(ids []int64) (string, error)
}
