// internal/safe/compression.go
package safe

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// CompressionOptions configures compression behavior
type CompressionOptions struct {
	// Minimum size in bytes before compressing
	MinSize int
	// Compression level (1=fastest, 4=best)
	Level int
	// Disabled stores every blob raw.
	Disabled bool
}

func DefaultCompressionOptions() CompressionOptions {
	return CompressionOptions{
		MinSize: 1024,
		Level:   2,
	}
}

// compressionManager pools zstd encoders and decoders.
type compressionManager struct {
	opts CompressionOptions

	encoders sync.Pool
	decoders sync.Pool
}

func newCompressionManager(opts CompressionOptions) (*compressionManager, error) {
	level := zstd.EncoderLevelFromZstd(opts.Level)

	// Fail early on bad options rather than inside the pool.
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating decoder: %w", err)
	}

	cm := &compressionManager{
		opts: opts,
		encoders: sync.Pool{
			New: func() interface{} {
				enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
				return enc
			},
		},
		decoders: sync.Pool{
			New: func() interface{} {
				dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
				return dec
			},
		},
	}
	cm.encoders.Put(enc)
	cm.decoders.Put(dec)
	return cm, nil
}

func (cm *compressionManager) shouldCompress(size int) bool {
	return !cm.opts.Disabled && size >= cm.opts.MinSize
}

// compress returns the bytes to write and whether they are compressed.
// Content that does not shrink is kept raw.
func (cm *compressionManager) compress(content []byte) ([]byte, bool) {
	if !cm.shouldCompress(len(content)) {
		return content, false
	}

	enc := cm.encoders.Get().(*zstd.Encoder)
	defer cm.encoders.Put(enc)

	out := enc.EncodeAll(content, make([]byte, 0, len(content)/2))
	if len(out) >= len(content) {
		return content, false
	}
	return out, true
}

func (cm *compressionManager) decompress(content []byte) ([]byte, error) {
	if !bytes.HasPrefix(content, zstdMagic) {
		return nil, fmt.Errorf("content is not zstd compressed")
	}

	dec := cm.decoders.Get().(*zstd.Decoder)
	defer cm.decoders.Put(dec)

	return dec.DecodeAll(content, nil)
}
