package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytes_Roundtrip(t *testing.T) {
	tok, err := New("bytes")
	require.NoError(t, err)
	assert.Equal(t, 256, tok.VocabSize())
	assert.Equal(t, "bytes", tok.Name())

	ids, err := tok.Encode("hé!")
	require.NoError(t, err)
	assert.Equal(t, []int32{'h', 0xc3, 0xa9, '!'}, ids)

	text, err := tok.Decode(append(ids, 999, -1))
	require.NoError(t, err)
	assert.Equal(t, "hé!", text, "out-of-range ids are dropped")
}

func TestVocab(t *testing.T) {
	v := BuildVocab([]int32{500, 7, 500}, []int32{42})
	assert.Equal(t, 6, v.Size(), "three reserved and three ids")

	dense := v.Map([]int32{7, 42, 500, 9999})
	assert.Equal(t, []int{3, 4, 5, UnkID}, dense)

	assert.Equal(t, []int32{7, 42, 500}, v.Unmap(append(dense, PadID, BosID, 17)))
}
