package room

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milletlovemouse/rtc-chatroom/internal/config"
)

func TestSplitChunksCoversInput(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 10*1024+37)
	chunks := splitChunks(data, 4096)

	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 4096)
	assert.Len(t, chunks[2], 10*1024+37-2*4096)

	var joined []byte
	for _, c := range chunks {
		joined = append(joined, c...)
	}
	assert.Equal(t, data, joined)
}

func TestSplitChunksEmptyInput(t *testing.T) {
	chunks := splitChunks(nil, 4096)
	require.Len(t, chunks, 1)
	assert.Empty(t, chunks[0])
}

func TestReassemblyUnderPermutation(t *testing.T) {
	data := make([]byte, 64*1024+123)
	_, err := rand.Read(data)
	require.NoError(t, err)

	size := 4096
	chunks := splitChunks(data, size)
	count := len(chunks)

	order := rand.Perm(count)
	a := newAssembler()

	var got []byte
	deliveries := 0
	for _, i := range order {
		out, done := a.add("msg-1", i, count, chunks[i])
		if done {
			got = out
			deliveries++
		}
	}

	assert.Equal(t, 1, deliveries, "message must be delivered exactly once")
	assert.Equal(t, data, got)
	assert.Zero(t, a.pendingCount(), "buffer entry must be freed")
}

func TestReassemblyNeverEmitsPartial(t *testing.T) {
	chunks := splitChunks(bytes.Repeat([]byte{1}, 20*1024), 4096)
	count := len(chunks)

	a := newAssembler()
	for i := 0; i < count-1; i++ {
		_, done := a.add("msg-1", i, count, chunks[i])
		assert.False(t, done)
	}
	assert.Equal(t, 1, a.pendingCount())
}

func TestReassemblyIgnoresDuplicatesAndGarbage(t *testing.T) {
	a := newAssembler()

	_, done := a.add("m", 0, 2, []byte("aa"))
	assert.False(t, done)
	_, done = a.add("m", 0, 2, []byte("xx")) // duplicate index
	assert.False(t, done)
	_, done = a.add("m", 5, 2, []byte("zz")) // out of range
	assert.False(t, done)
	_, done = a.add("m", -1, 2, []byte("zz"))
	assert.False(t, done)

	out, done := a.add("m", 1, 2, []byte("bb"))
	require.True(t, done)
	assert.Equal(t, []byte("aabb"), out)
}

func TestSizeControllerStaysInBounds(t *testing.T) {
	ctl := newSizeController(config.DefaultChunkSize)

	// pretend a very fast link for a while
	for range 100 {
		ctl.record(1024 * 1024)
	}
	assert.LessOrEqual(t, ctl.size(), config.MaxChunkSize)
	assert.GreaterOrEqual(t, ctl.size(), config.MinChunkSize)

	ctl = newSizeController(-1)
	assert.Equal(t, config.DefaultChunkSize, ctl.size())
}
