package usbtmc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The bulk counter runs 1, 2, ..., 255, 1, 2, ... skipping zero.
func TestTagCounterSequence(t *testing.T) {
	var c tagCounter
	want := uint8(1)
	for i := 0; i < 3*255; i++ {
		got := c.next()
		require.Equal(t, want, got, "at step %d", i)
		require.NotZero(t, got)
		if want == 255 {
			want = 1
		} else {
			want++
		}
	}
}

func TestTagCounterReset(t *testing.T) {
	var c tagCounter
	for i := 0; i < 17; i++ {
		c.next()
	}
	c.reset()
	assert.Equal(t, uint8(1), c.next())
}

// READ_STATUS_BYTE tags stay inside 2..127.
func TestRSBCounterRange(t *testing.T) {
	var c rsbCounter
	seen := make(map[uint8]bool)
	for i := 0; i < 300; i++ {
		got := c.next()
		require.GreaterOrEqual(t, got, uint8(2))
		require.LessOrEqual(t, got, uint8(127))
		seen[got] = true
	}
	assert.Len(t, seen, 126)
}
