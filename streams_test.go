package rfbserver

import (
	"bytes"
	"io"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A single decompressor initialized at the stream head must reproduce the
// concatenation of every payload pushed through the same persistent stream.
func TestStreamPersistence(t *testing.T) {
	ss := NewStreamSet()
	payloads := [][]byte{
		bytes.Repeat([]byte{0xAA}, 500),
		[]byte("the quick brown fox jumps over the lazy dog"),
		bytes.Repeat([]byte{0x00, 0x01, 0x02, 0x03}, 300),
		{0x42},
	}

	var wire, plain bytes.Buffer
	for _, p := range payloads {
		out, err := ss.Compress(streamFullColor, 6, p)
		require.NoError(t, err)
		wire.Write(out)
		plain.Write(p)
	}

	r, err := zlib.NewReader(bytes.NewReader(wire.Bytes()))
	require.NoError(t, err)
	got := make([]byte, plain.Len())
	_, err = io.ReadFull(r, got)
	require.NoError(t, err)
	assert.Equal(t, plain.Bytes(), got)
}

// Changing the level recreates the stream, so the next payload starts a fresh
// deflate context decodable on its own.
func TestStreamLevelChangeRestarts(t *testing.T) {
	ss := NewStreamSet()
	_, err := ss.Compress(streamFullColor, 6, []byte("first payload on the old level"))
	require.NoError(t, err)

	second, err := ss.Compress(streamFullColor, 9, []byte("second payload"))
	require.NoError(t, err)

	r, err := zlib.NewReader(bytes.NewReader(second))
	require.NoError(t, err)
	got := make([]byte, len("second payload"))
	_, err = io.ReadFull(r, got)
	require.NoError(t, err)
	assert.Equal(t, []byte("second payload"), got)
}

// Streams are independent: interleaved use keeps each one decodable from its
// own concatenated output.
func TestStreamIndependence(t *testing.T) {
	ss := NewStreamSet()
	var wire0, wire3, plain0, plain3 bytes.Buffer
	for i := 0; i < 4; i++ {
		p0 := bytes.Repeat([]byte{byte(i)}, 64)
		p3 := bytes.Repeat([]byte{byte(0x80 + i)}, 48)
		out0, err := ss.Compress(streamFullColor, 6, p0)
		require.NoError(t, err)
		out3, err := ss.Compress(streamZRLE, 6, p3)
		require.NoError(t, err)
		wire0.Write(out0)
		wire3.Write(out3)
		plain0.Write(p0)
		plain3.Write(p3)
	}

	for _, pair := range []struct{ wire, plain *bytes.Buffer }{{&wire0, &plain0}, {&wire3, &plain3}} {
		r, err := zlib.NewReader(bytes.NewReader(pair.wire.Bytes()))
		require.NoError(t, err)
		got := make([]byte, pair.plain.Len())
		_, err = io.ReadFull(r, got)
		require.NoError(t, err)
		assert.Equal(t, pair.plain.Bytes(), got)
	}
}

func TestStreamReset(t *testing.T) {
	ss := NewStreamSet()
	_, err := ss.Compress(streamFullColor, 6, bytes.Repeat([]byte("abc"), 100))
	require.NoError(t, err)
	ss.Reset()

	out, err := ss.Compress(streamFullColor, 6, []byte("fresh start"))
	require.NoError(t, err)
	r, err := zlib.NewReader(bytes.NewReader(out))
	require.NoError(t, err)
	got := make([]byte, len("fresh start"))
	_, err = io.ReadFull(r, got)
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh start"), got)
}
