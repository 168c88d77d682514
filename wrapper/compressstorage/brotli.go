package compressstorage

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

type brotliCodec struct {
	level int
}

func newBrotliCodec(level int) (*brotliCodec, error) {
	if level == 0 {
		level = 6
	}
	if level < 0 || level > 11 {
		return nil, fmt.Errorf("compressstorage: invalid brotli compression level: %d", level)
	}
	return &brotliCodec{level: level}, nil
}

func (c *brotliCodec) compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, c.level)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("brotli write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("brotli close failed: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *brotliCodec) decompress(data []byte) ([]byte, error) {
	r := brotli.NewReader(bytes.NewReader(data))
	decompressed, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("brotli read failed: %w", err)
	}
	return decompressed, nil
}
