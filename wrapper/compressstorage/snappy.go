package compressstorage

import (
	"fmt"

	"github.com/golang/snappy"
)

type snappyCodec struct{}

func newSnappyCodec() *snappyCodec {
	return &snappyCodec{}
}

func (c *snappyCodec) compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (c *snappyCodec) decompress(data []byte) ([]byte, error) {
	decompressed, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decode failed: %w", err)
	}
	return decompressed, nil
}
