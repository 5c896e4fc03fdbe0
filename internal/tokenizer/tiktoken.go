package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// endOfText is the document separator shared by the OpenAI encodings.
const endOfText = "<|endoftext|>"

// encodingVocab lists vocabulary sizes, which tiktoken-go does not expose.
var encodingVocab = map[string]int{
	"cl100k_base": 100256,
	"p50k_base":   50257,
	"r50k_base":   50257,
}

// TikToken wraps the pkoukk/tiktoken-go library for OpenAI BPE encodings.
type TikToken struct {
	encoding *tiktoken.Tiktoken
	name     string
}

// NewTikToken creates a tokenizer for a named encoding such as cl100k_base.
//
// tiktoken-go fetches the encoding's BPE ranks on first use and caches them
// in TIKTOKEN_CACHE_DIR when that is set.
func NewTikToken(encodingName string) (*TikToken, error) {
	encoding, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: load tiktoken encoding %q: %w", encodingName, err)
	}
	return &TikToken{encoding: encoding, name: encodingName}, nil
}

// NewTikTokenForModel creates a tokenizer for a model name such as gpt-4.
func NewTikTokenForModel(modelName string) (*TikToken, error) {
	encoding, err := tiktoken.EncodingForModel(modelName)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: load tiktoken for model %q: %w", modelName, err)
	}
	return &TikToken{encoding: encoding, name: modelName}, nil
}

// Encode converts text to token IDs. Special tokens in text are encoded as
// plain text.
func (t *TikToken) Encode(text string) ([]int32, error) {
	return toInt32(t.encoding.Encode(text, nil, nil)), nil
}

// EncodeDocuments encodes each document and joins them with the
// end-of-text token.
func (t *TikToken) EncodeDocuments(docs []string) ([]int32, error) {
	var out []int32
	for i, doc := range docs {
		if i > 0 {
			out = append(out, toInt32(t.encoding.Encode(endOfText, []string{endOfText}, nil))...)
		}
		out = append(out, toInt32(t.encoding.Encode(doc, nil, nil))...)
	}
	return out, nil
}

// Decode converts token IDs back to text.
func (t *TikToken) Decode(tokens []int32) (string, error) {
	ids := make([]int, len(tokens))
	for i, tok := range tokens {
		ids[i] = int(tok)
	}
	return t.encoding.Decode(ids), nil
}

// VocabSize returns the vocabulary size of known encodings, 100000 otherwise.
func (t *TikToken) VocabSize() int {
	if n, ok := encodingVocab[t.name]; ok {
		return n
	}
	return 100000
}

// Name returns the encoding or model name.
func (t *TikToken) Name() string {
	return t.name
}

func toInt32(ids []int) []int32 {
	out := make([]int32, len(ids))
	for i, id := range ids {
		out[i] = int32(id) //nolint:gosec // G115: vocab size < 2^31.
	}
	return out
}
