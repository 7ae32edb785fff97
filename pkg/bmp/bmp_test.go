package bmp

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildBMP assembles a minimal 24-bit image with a gap between the info
// header and the payload so header preservation is observable.
func buildBMP(payload []byte, imageSizeField bool) []byte {
	const gap = 6
	offset := MinHeaderSize + gap
	data := make([]byte, offset+len(payload))
	le := binary.LittleEndian

	data[0], data[1] = 'B', 'M'
	le.PutUint32(data[2:6], uint32(len(data)))
	le.PutUint32(data[10:14], uint32(offset))
	le.PutUint32(data[14:18], InfoHeaderSize)
	le.PutUint32(data[18:22], 2)
	le.PutUint32(data[22:26], 1)
	le.PutUint16(data[26:28], 1)
	le.PutUint16(data[28:30], 24)
	if imageSizeField {
		le.PutUint32(data[34:38], uint32(len(payload)))
	}
	copy(data[MinHeaderSize:offset], "extra!")
	copy(data[offset:], payload)
	return data
}

func TestDecode(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5, 6, 0, 0}
	for _, sized := range []bool{true, false} {
		img, err := Decode(buildBMP(payload, sized))
		require.NoError(t, err)

		assert.Equal(t, payload, img.Payload)
		assert.Equal(t, uint32(MinHeaderSize+6), img.Header.DataOffset)
		assert.Equal(t, len(payload), img.Header.PayloadLength())
		assert.Equal(t, int32(2), img.Header.Width)
		assert.Equal(t, uint16(24), img.Header.BitsPerPixel)
		assert.Len(t, img.Header.Raw, MinHeaderSize+6)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	good := buildBMP([]byte{1, 2, 3}, true)

	bad := bytes.Clone(good)
	bad[0] = 'P'
	_, err := Decode(bad)
	assert.ErrorIs(t, err, ErrNotBMP)

	_, err = Decode(good[:20])
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = Decode(good[:len(good)-1])
	assert.ErrorIs(t, err, ErrTruncated)

	bad = bytes.Clone(good)
	binary.LittleEndian.PutUint32(bad[10:14], 12)
	_, err = Decode(bad)
	assert.ErrorIs(t, err, ErrLayout)
}

func TestWriteFileKeepsHeader(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "cat.bmp")
	original := buildBMP([]byte{9, 8, 7, 6}, true)
	require.NoError(t, os.WriteFile(src, original, 0o644))

	img, err := ReadFile(src)
	require.NoError(t, err)
	for i := range img.Payload {
		img.Payload[i] ^= 0xff
	}

	out := OutputPath(src)
	assert.Equal(t, filepath.Join(dir, "cat.processed.bmp"), out)
	require.NoError(t, WriteFile(out, img))

	written, err := os.ReadFile(out)
	require.NoError(t, err)
	offset := int(img.Header.DataOffset)
	assert.Equal(t, original[:offset], written[:offset])
	assert.Equal(t, []byte{0xf6, 0xf7, 0xf8, 0xf9}, written[offset:])
}

func TestOutputPath(t *testing.T) {
	assert.Equal(t, "a/b/img.processed.bmp", OutputPath("a/b/img.bmp"))
	assert.Equal(t, "noext.processed", OutputPath("noext"))
}

func TestNewRoundTrips(t *testing.T) {
	assert.Equal(t, 12, RowSize(3))
	assert.Equal(t, 12, RowSize(4))

	payload := make([]byte, RowSize(3)*2)
	for i := range payload {
		payload[i] = byte(i)
	}
	img, err := New(3, 2, payload)
	require.NoError(t, err)

	decoded, err := Decode(img.Encode())
	require.NoError(t, err)
	assert.Equal(t, img.Header, decoded.Header)
	assert.Equal(t, payload, decoded.Payload)

	_, err = New(3, 2, payload[:5])
	assert.ErrorIs(t, err, ErrLayout)
	_, err = New(0, 2, nil)
	assert.ErrorIs(t, err, ErrLayout)
}
