package backend

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	// CompressionThreshold is the minimum value size before compression is considered.
	// zstd overhead is not worth it for smaller records.
	CompressionThreshold = 2048

	// MaxDecompressedSize is the hard cap during decompression to prevent compression bombs.
	MaxDecompressedSize = 10 * 1024 * 1024 // 10MB

	zstdPrefix = "zstd:"
)

// ErrDecompressionBomb is returned when a decompressed value exceeds MaxDecompressedSize.
var ErrDecompressionBomb = errors.New("decompressed value exceeds maximum size")

// Compressed wraps a Store and zstd-compresses large values.
// Compressed values are stored as "zstd:" followed by standard base64, so text-only
// stores such as sqlite TEXT columns hold them safely. Smaller values pass through.
type Compressed struct {
	Store
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewCompressed wraps s with zstd compression.
func NewCompressed(s Store) (*Compressed, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecompressedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Compressed{Store: s, encoder: enc, decoder: dec}, nil
}

// Get reads and, if needed, decompresses the value at key.
func (c *Compressed) Get(ctx context.Context, key string) (string, error) {
	raw, err := c.Store.Get(ctx, key)
	if err != nil {
		return "", err
	}
	return c.decode(raw)
}

// Set compresses value when it is large enough to benefit, then stores it.
func (c *Compressed) Set(ctx context.Context, key, value string) error {
	return c.Store.Set(ctx, key, c.encode(value))
}

// Close releases the codec and closes the wrapped store.
func (c *Compressed) Close() error {
	c.mu.Lock()
	if c.encoder != nil {
		_ = c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
	c.mu.Unlock()
	return Close(c.Store)
}

func (c *Compressed) encode(value string) string {
	if len(value) < CompressionThreshold {
		return value
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()
	if enc == nil {
		return value
	}

	compressed := enc.EncodeAll([]byte(value), nil)
	encoded := zstdPrefix + base64.StdEncoding.EncodeToString(compressed)
	if len(encoded) >= len(value) {
		return value
	}
	return encoded
}

func (c *Compressed) decode(raw string) (string, error) {
	payload, ok := strings.CutPrefix(raw, zstdPrefix)
	if !ok {
		return raw, nil
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("decoding compressed value: %w", err)
	}

	c.mu.RLock()
	dec := c.decoder
	c.mu.RUnlock()
	if dec == nil {
		return "", errors.New("decoder not initialized")
	}

	decompressed, err := dec.DecodeAll(data, nil)
	if err != nil {
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
			return "", ErrDecompressionBomb
		}
		return "", fmt.Errorf("decompressing value: %w", err)
	}
	if len(decompressed) > MaxDecompressedSize {
		return "", ErrDecompressionBomb
	}
	return string(decompressed), nil
}

var (
	_ Store  = (*Compressed)(nil)
	_ Closer = (*Compressed)(nil)
)
