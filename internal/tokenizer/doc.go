// Package tokenizer turns a text corpus into the dense token ids the
// training CLI feeds to an embedding table.
//
// Two tokenizers are provided:
//   - TikToken: OpenAI BPE encodings (cl100k_base, p50k_base, r50k_base)
//     through github.com/pkoukk/tiktoken-go
//   - Bytes: one id per UTF-8 byte, for offline runs
//
// BPE ids are sparse in a vocabulary of ~100k entries. Vocab remaps the ids
// a corpus actually uses onto [0, n) with reserved padding and unknown ids,
// so toy models get a small embedding table.
//
// Example usage:
//
//	tok, err := tokenizer.NewTikToken("cl100k_base")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ids, err := tok.Encode(text)
//	vocab := tokenizer.BuildVocab(ids)
//	dense := vocab.Map(ids)
package tokenizer
