package ringbuf

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPush3CopyRemove(t *testing.T) {
	b := New(64, 64, 64)

	require.NoError(t, b.Push3([]byte("aa"), []byte("bb"), []byte("cc")))
	assert.Equal(t, 1, b.MessageCount())

	// copy returns the exact concatenation without removal
	assert.Equal(t, []byte("aabbcc"), b.Copy())
	assert.Equal(t, 1, b.MessageCount())

	require.NoError(t, b.Remove())
	assert.Equal(t, 0, b.MessageCount())
	assert.Nil(t, b.Copy())
	assert.ErrorIs(t, b.Remove(), ErrEmpty)
}

func TestFIFOOrder(t *testing.T) {
	b := New(256, 256, 64)
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Push3([]byte{byte(i)}, nil, nil))
	}
	for i := 0; i < 5; i++ {
		assert.Equal(t, []byte{byte(i)}, b.Copy())
		require.NoError(t, b.Remove())
	}
}

func TestNilSpans(t *testing.T) {
	b := New(64, 64, 64)
	require.NoError(t, b.Push3(nil, []byte("x"), nil))
	assert.Equal(t, []byte("x"), b.Copy())
}

func TestGrowByStepUpToMax(t *testing.T) {
	b := New(16, 48, 16)
	assert.Equal(t, 16, b.Size())

	// 12 bytes + 4 header fills the initial allocation
	require.NoError(t, b.Push3(make([]byte, 12), nil, nil))
	assert.Equal(t, 16, b.Size())

	// next push grows by one step
	require.NoError(t, b.Push3(make([]byte, 8), nil, nil))
	assert.Equal(t, 32, b.Size())

	// growth stops at max; push then fails
	require.NoError(t, b.Push3(make([]byte, 12), nil, nil))
	assert.Equal(t, 48, b.Size())
	assert.ErrorIs(t, b.Push3(make([]byte, 32), nil, nil), ErrFull)

	// records survive the reallocation in order
	assert.Equal(t, 3, b.MessageCount())
	assert.Equal(t, 12, len(b.Copy()))
}

func TestWrapAround(t *testing.T) {
	b := New(32, 32, 32)

	require.NoError(t, b.Push3([]byte("0123456789"), nil, nil))
	require.NoError(t, b.Push3([]byte("abcdefgh"), nil, nil))
	require.NoError(t, b.Remove())

	// this record wraps the physical end of the array
	require.NoError(t, b.Push3([]byte("ZYXWVUTS"), nil, nil))
	assert.Equal(t, []byte("abcdefgh"), b.Copy())
	require.NoError(t, b.Remove())
	assert.Equal(t, []byte("ZYXWVUTS"), b.Copy())
	require.NoError(t, b.Remove())
	assert.Equal(t, 0, b.MessageCount())
}

func TestCountMonotonicDrain(t *testing.T) {
	b := New(1024, 1024, 64)
	payload := bytes.Repeat([]byte{7}, 20)
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Push3(payload, nil, nil))
	}
	last := b.MessageCount()
	for b.MessageCount() > 0 {
		require.NoError(t, b.Remove())
		assert.Less(t, b.MessageCount(), last)
		last = b.MessageCount()
	}
}
