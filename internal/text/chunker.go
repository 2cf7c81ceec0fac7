package text

import "fmt"

type Span struct {
	Text       string
	StartIndex int
	EndIndex   int
}

// Chunk splits text into fixed-size windows that advance by size-overlap
// characters, covering [0, len(text)). The last window may be shorter than
// size. The configuration is validated up front: a chunker that silently
// produced gaps or looped forever would corrupt every downstream embedding.
func Chunk(text string, size, overlap int) ([]Span, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap must be in [0, size), got size=%d overlap=%d", size, overlap)
	}

	var spans []Span
	step := size - overlap
	for start := 0; start < len(text); start += step {
		end := start + size
		if end > len(text) {
			end = len(text)
		}
		spans = append(spans, Span{
			Text:       text[start:end],
			StartIndex: start,
			EndIndex:   end,
		})
	}
	return spans, nil
}
