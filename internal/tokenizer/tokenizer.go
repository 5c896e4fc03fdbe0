package tokenizer

// Tokenizer is the core interface for text tokenization.
type Tokenizer interface {
	// Encode converts text to token IDs.
	Encode(text string) ([]int32, error)

	// Decode converts token IDs back to text.
	Decode(tokens []int32) (string, error)

	// VocabSize returns the total vocabulary size.
	VocabSize() int

	// Name returns the tokenizer name.
	Name() string
}

// Bytes maps every UTF-8 byte to its own id.
type Bytes struct{}

// Encode implements Tokenizer.
func (Bytes) Encode(text string) ([]int32, error) {
	out := make([]int32, len(text))
	for i := 0; i < len(text); i++ {
		out[i] = int32(text[i])
	}
	return out, nil
}

// Decode implements Tokenizer. Ids outside [0, 256) are dropped.
func (Bytes) Decode(tokens []int32) (string, error) {
	buf := make([]byte, 0, len(tokens))
	for _, t := range tokens {
		if t >= 0 && t < 256 {
			buf = append(buf, byte(t))
		}
	}
	return string(buf), nil
}

// VocabSize implements Tokenizer.
func (Bytes) VocabSize() int { return 256 }

// Name implements Tokenizer.
func (Bytes) Name() string { return "bytes" }

// New returns the tokenizer for name: "bytes" or a tiktoken encoding.
func New(name string) (Tokenizer, error) {
	if name == "bytes" {
		return Bytes{}, nil
	}
	return NewTikToken(name)
}
