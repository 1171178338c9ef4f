package asr

import (
	"bufio"
	"fmt"
	"os"
)

// LoadVocabFile reads a transducer vocabulary from path, one token piece
// per line, index 0 reserved for the blank symbol (never decoded to
// text but kept as a placeholder so line N maps to token ID N).
func LoadVocabFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("asr: open vocab file: %w", err)
	}
	defer f.Close()

	var vocab []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		vocab = append(vocab, scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("asr: read vocab file: %w", err)
	}

	if len(vocab) == 0 {
		return nil, fmt.Errorf("asr: vocab file %q is empty", path)
	}

	return vocab, nil
}
