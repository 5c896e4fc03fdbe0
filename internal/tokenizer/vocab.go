package tokenizer

import "slices"

// Reserved dense ids.
const (
	PadID = 0
	UnkID = 1
	BosID = 2

	numReserved = 3
)

// Vocab maps sparse tokenizer ids onto dense ids [0, Size()).
// The first ids are reserved for padding, unknown and begin-of-sequence.
type Vocab struct {
	toDense  map[int32]int
	toSparse []int32 // index = dense id; -1 for reserved ids
}

// BuildVocab assigns dense ids to every distinct id in corpus, in ascending
// order of the sparse id.
func BuildVocab(corpus ...[]int32) *Vocab {
	seen := make(map[int32]struct{})
	for _, ids := range corpus {
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}
	sparse := make([]int32, 0, len(seen))
	for id := range seen {
		sparse = append(sparse, id)
	}
	slices.Sort(sparse)

	v := &Vocab{
		toDense:  make(map[int32]int, len(sparse)),
		toSparse: append([]int32{-1, -1, -1}, sparse...),
	}
	for i, id := range sparse {
		v.toDense[id] = i + numReserved
	}
	return v
}

// Size returns the number of dense ids, reserved ones included.
func (v *Vocab) Size() int {
	return len(v.toSparse)
}

// Map converts sparse ids to dense ids. Unseen ids map to UnkID.
func (v *Vocab) Map(ids []int32) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		d, ok := v.toDense[id]
		if !ok {
			d = UnkID
		}
		out[i] = d
	}
	return out
}

// Unmap converts dense ids back to sparse ids, skipping reserved ids.
func (v *Vocab) Unmap(ids []int) []int32 {
	out := make([]int32, 0, len(ids))
	for _, d := range ids {
		if d < 0 || d >= len(v.toSparse) || v.toSparse[d] < 0 {
			continue
		}
		out = append(out, v.toSparse[d])
	}
	return out
}
