package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestChunkSize(t *testing.T) {
	assert.Equal(t, 8000, ChunkSize(16000, 250*time.Millisecond))
	assert.Equal(t, 4000, ChunkSize(8000, 250*time.Millisecond))
	assert.Equal(t, 32000, ChunkSize(16000, time.Second))
}

func TestChunker_Regroups(t *testing.T) {
	c := NewChunker(4)

	assert.Empty(t, c.Write([]byte{1, 2, 3}))
	out := c.Write([]byte{4, 5, 6, 7, 8, 9})
	assert.Equal(t, [][]byte{{1, 2, 3, 4}, {5, 6, 7, 8}}, out)
	assert.Equal(t, []byte{9}, c.Flush())
	assert.Nil(t, c.Flush())
}

func TestChunker_ChunksAreIndependent(t *testing.T) {
	c := NewChunker(2)
	out := c.Write([]byte{1, 2, 3, 4})
	out[0][0] = 9
	assert.Equal(t, []byte{3, 4}, out[1])
}
