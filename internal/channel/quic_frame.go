package channel

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Wire protocol constants.
const (
	frameHeaderSize        = 5       // [1 byte kind|flags][4 bytes payload length]
	maxFrameLength         = 1 << 30 // payload bytes on the wire
	compressThreshold      = 4 << 10 // smaller payloads are never compressed
	flagCompressed    byte = 0x80
)

// frameCodec reads and writes length-prefixed frames. Payloads above
// compressThreshold are zstd-compressed when compression is on; the flag bit
// in the kind byte tells the reader. A codec without a decoder rejects
// compressed frames.
type frameCodec struct {
	compress bool
	enc      *zstd.Encoder
	dec      *zstd.Decoder
	// maxLength caps the payload length read from the wire. Zero means
	// maxFrameLength.
	maxLength uint32
}

// handshakeCodec reads and writes uncompressed frames no longer than
// maxLength. It is used before a peer has been admitted to the group.
func handshakeCodec(maxLength uint32) *frameCodec {
	return &frameCodec{maxLength: maxLength}
}

func (fc *frameCodec) limit() uint32 {
	if fc.maxLength == 0 {
		return maxFrameLength
	}
	return fc.maxLength
}

func newFrameCodec(compress bool) (*frameCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxFrameLength))
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &frameCodec{compress: compress, enc: enc, dec: dec}, nil
}

func (fc *frameCodec) close() {
	_ = fc.enc.Close()
	fc.dec.Close()
}

func (fc *frameCodec) write(w io.Writer, kind messageKind, payload []byte) error {
	flags := byte(0)
	if fc.compress && fc.enc != nil && len(payload) >= compressThreshold {
		payload = fc.enc.EncodeAll(payload, make([]byte, 0, len(payload)/2))
		flags = flagCompressed
	}
	if len(payload) > maxFrameLength {
		return fmt.Errorf("%w: %d > %d", ErrFrameLarge, len(payload), maxFrameLength)
	}

	header := make([]byte, frameHeaderSize)
	header[0] = byte(kind) | flags
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
	}
	return nil
}

func (fc *frameCodec) read(r io.Reader) (messageKind, []byte, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}

	kind := messageKind(header[0] &^ flagCompressed)
	compressed := header[0]&flagCompressed != 0
	if compressed && fc.dec == nil {
		return 0, nil, fmt.Errorf("%w: compressed %s frame on an uncompressed link", ErrProtocol, kind)
	}
	length := binary.BigEndian.Uint32(header[1:])
	if length > fc.limit() {
		return 0, nil, fmt.Errorf("%w: %d > %d", ErrFrameLarge, length, fc.limit())
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("read payload: %w", err)
	}

	if compressed {
		plain, err := fc.dec.DecodeAll(payload, nil)
		if err != nil {
			return 0, nil, fmt.Errorf("decompress %s frame: %w", kind, err)
		}
		payload = plain
	}
	return kind, payload, nil
}
