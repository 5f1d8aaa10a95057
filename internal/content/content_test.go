package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromBytesRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"ascii", []byte("hello world")},
		{"utf8", []byte("héllo wörld ✓")},
		{"binary", []byte{0x00, 0xff, 0x10, 0x80}},
		{"single byte", []byte{0x42}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := FromBytes(tt.data)
			assert.Equal(t, tt.data, h.Bytes())
			assert.Equal(t, len(tt.data), h.Len())
		})
	}
}

func TestFromBytesCopiesInput(t *testing.T) {
	buf := []byte("original")
	h := FromBytes(buf)

	buf[0] = 'X'

	assert.Equal(t, "original", h.Text())
}

func TestBytesReturnsCopy(t *testing.T) {
	h := FromString("immutable")

	out := h.Bytes()
	out[0] = 'X'

	assert.Equal(t, "immutable", h.Text())
}

func TestStringBytesEquality(t *testing.T) {
	text := "höllo\nworld"

	a := FromString(text)
	b := FromBytes([]byte(text))

	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Hash(), b.Hash())
}

func TestEmptySingleton(t *testing.T) {
	fromBytes := FromBytes(nil)
	fromEmptyBytes := FromBytes([]byte{})
	fromString := FromString("")

	require.Same(t, Empty(), fromBytes)
	require.Same(t, Empty(), fromEmptyBytes)
	require.Same(t, Empty(), fromString)

	assert.True(t, fromBytes.Equal(fromString))
	assert.Equal(t, 0, Empty().Len())
	assert.Nil(t, Empty().Bytes())
}

func TestUnequalContent(t *testing.T) {
	a := FromString("a")
	b := FromString("b")

	assert.False(t, a.Equal(b))
	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestNilHandleEqualsEmpty(t *testing.T) {
	var h *Handle

	assert.True(t, h.Equal(Empty()))
	assert.True(t, Empty().Equal(h))
	assert.Equal(t, "", h.Text())
	assert.Equal(t, 0, h.Len())
}

func TestHashIsStable(t *testing.T) {
	h := FromString("stable")

	assert.Equal(t, h.Hash(), h.Hash())
	assert.Len(t, h.Hash(), 64)
}
