package storage

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Payload framing: one marker byte followed by the body.
const (
	payloadRaw  byte = 0x00
	payloadZstd byte = 0x01

	// Payloads below this size are stored raw; zstd framing outweighs the gain.
	minCompressSize = 128

	maxPayloadSize = 16 << 20
)

var errCorruptPayload = errors.New("corrupt payload")

var zstdLevels = map[int]zstd.EncoderLevel{
	1: zstd.SpeedFastest,
	2: zstd.SpeedDefault,
	3: zstd.SpeedBetterCompression,
	4: zstd.SpeedBestCompression,
}

// Compressor frames stored payloads and compresses the larger ones with zstd.
// Safe for concurrent use.
type Compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCompressor creates a compressor for level 1 (fastest) to 4 (best).
func NewCompressor(level int) (*Compressor, error) {
	encLevel, ok := zstdLevels[level]
	if !ok {
		return nil, fmt.Errorf("compression level %d out of range 1-4", level)
	}

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(encLevel),
		zstd.WithEncoderCRC(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(maxPayloadSize),
		zstd.WithDecoderConcurrency(0),
	)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	return &Compressor{encoder: encoder, decoder: decoder}, nil
}

// Compress frames data, compressing it when that pays off.
func (c *Compressor) Compress(data []byte) []byte {
	if len(data) >= minCompressSize {
		out := c.encoder.EncodeAll(data, append(make([]byte, 0, len(data)/2+1), payloadZstd))
		if len(out) < len(data)+1 {
			return out
		}
	}
	return append(append(make([]byte, 0, len(data)+1), payloadRaw), data...)
}

// Decompress reverses Compress.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errCorruptPayload
	}

	body := data[1:]
	switch data[0] {
	case payloadRaw:
		return append([]byte(nil), body...), nil
	case payloadZstd:
		out, err := c.decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("decompression failed: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown marker %#x", errCorruptPayload, data[0])
	}
}

// Close releases the encoder and decoder.
func (c *Compressor) Close() {
	c.encoder.Close()
	c.decoder.Close()
}
