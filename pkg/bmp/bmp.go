// Package bmp reads and writes the BMP container around a pixel payload.
//
// The payload is treated as opaque bytes. Everything before DataOffset is
// kept verbatim so a processed image can be written back with the original
// header.
package bmp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// FileHeaderSize is the size of BITMAPFILEHEADER.
	FileHeaderSize = 14
	// InfoHeaderSize is the size of BITMAPINFOHEADER.
	InfoHeaderSize = 40
	// MinHeaderSize is the smallest header this package accepts.
	MinHeaderSize = FileHeaderSize + InfoHeaderSize

	processedSuffix = ".processed"
)

var (
	ErrNotBMP    = errors.New("bmp: missing BM signature")
	ErrTruncated = errors.New("bmp: file is truncated")
	ErrLayout    = errors.New("bmp: inconsistent header")
)

// Header describes where the payload lives inside the container.
type Header struct {
	FileSize     uint32
	DataOffset   uint32
	ImageSize    uint32
	Width        int32
	Height       int32
	BitsPerPixel uint16
	// Raw holds bytes [0, DataOffset) of the source file.
	Raw []byte
}

// PayloadLength is ImageSize, or FileSize-DataOffset when ImageSize is zero.
func (h Header) PayloadLength() int {
	if h.ImageSize != 0 {
		return int(h.ImageSize)
	}
	return int(h.FileSize) - int(h.DataOffset)
}

// Image is a decoded container: header plus payload.
type Image struct {
	Header  Header
	Payload []byte
}

// Decode parses data. The returned image does not alias data.
func Decode(data []byte) (*Image, error) {
	if len(data) < 2 || data[0] != 'B' || data[1] != 'M' {
		return nil, ErrNotBMP
	}
	if len(data) < MinHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrTruncated, len(data), MinHeaderSize)
	}

	le := binary.LittleEndian
	h := Header{
		FileSize:     le.Uint32(data[2:6]),
		DataOffset:   le.Uint32(data[10:14]),
		Width:        int32(le.Uint32(data[18:22])),
		Height:       int32(le.Uint32(data[22:26])),
		BitsPerPixel: le.Uint16(data[28:30]),
		ImageSize:    le.Uint32(data[34:38]),
	}

	if h.DataOffset < MinHeaderSize {
		return nil, fmt.Errorf("%w: data offset %d inside header", ErrLayout, h.DataOffset)
	}
	length := h.PayloadLength()
	if length < 0 {
		return nil, fmt.Errorf("%w: file size %d smaller than data offset %d", ErrLayout, h.FileSize, h.DataOffset)
	}
	end := int(h.DataOffset) + length
	if end > len(data) {
		return nil, fmt.Errorf("%w: payload ends at %d, file has %d bytes", ErrTruncated, end, len(data))
	}

	h.Raw = append([]byte(nil), data[:h.DataOffset]...)
	payload := append([]byte(nil), data[h.DataOffset:end]...)
	return &Image{Header: h, Payload: payload}, nil
}

// ReadFile reads and decodes the BMP at path.
func ReadFile(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	img, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// Encode returns the header bytes followed by the payload.
func (img *Image) Encode() []byte {
	out := make([]byte, 0, len(img.Header.Raw)+len(img.Payload))
	out = append(out, img.Header.Raw...)
	return append(out, img.Payload...)
}

// WriteFile writes the encoded image to path.
func WriteFile(path string, img *Image) error {
	if len(img.Header.Raw) != int(img.Header.DataOffset) {
		return fmt.Errorf("%w: %d header bytes for data offset %d", ErrLayout, len(img.Header.Raw), img.Header.DataOffset)
	}
	if err := os.WriteFile(path, img.Encode(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// OutputPath derives "<dir>/<name>.processed.<ext>" from path.
func OutputPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + processedSuffix + ext
}

// New builds a bottom-up 24-bit image of width x height pixels. Rows are
// padded to four bytes, so payload must hold RowSize(width)*height bytes.
func New(width, height int32, payload []byte) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d pixels", ErrLayout, width, height)
	}
	want := RowSize(width) * int(height)
	if len(payload) != want {
		return nil, fmt.Errorf("%w: %d payload bytes for %dx%d pixels, need %d", ErrLayout, len(payload), width, height, want)
	}

	raw := make([]byte, MinHeaderSize)
	le := binary.LittleEndian
	raw[0], raw[1] = 'B', 'M'
	le.PutUint32(raw[2:6], uint32(MinHeaderSize+len(payload)))
	le.PutUint32(raw[10:14], MinHeaderSize)
	le.PutUint32(raw[14:18], InfoHeaderSize)
	le.PutUint32(raw[18:22], uint32(width))
	le.PutUint32(raw[22:26], uint32(height))
	le.PutUint16(raw[26:28], 1)
	le.PutUint16(raw[28:30], 24)
	le.PutUint32(raw[34:38], uint32(len(payload)))

	return &Image{
		Header: Header{
			FileSize:     uint32(MinHeaderSize + len(payload)),
			DataOffset:   MinHeaderSize,
			ImageSize:    uint32(len(payload)),
			Width:        width,
			Height:       height,
			BitsPerPixel: 24,
			Raw:          raw,
		},
		Payload: payload,
	}, nil
}

// RowSize is the padded byte length of one 24-bit row.
func RowSize(width int32) int {
	return (int(width)*3 + 3) &^ 3
}
