package variant

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBounds(t *testing.T) {
	vs := []*Variant{{Bandwidth: 3000}, {Bandwidth: 800}, {Bandwidth: 1500}, {Bandwidth: 800}}
	lo, hi := Bounds(vs)
	assert.Equal(t, uint32(800), lo)
	assert.Equal(t, uint32(3000), hi)
	assert.Equal(t, []uint32{800, 1500, 3000}, SortedBandwidths(vs))

	lo, hi = Bounds(nil)
	assert.Zero(t, lo)
	assert.Zero(t, hi)
}

func TestHasVideo(t *testing.T) {
	assert.True(t, (&Variant{}).HasVideo())
	assert.True(t, (&Variant{Codecs: "avc1.4d401f,mp4a.40.2"}).HasVideo())
	assert.False(t, (&Variant{Codecs: "mp4a.40.2"}).HasVideo())
}
