package remotestore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	lz4 "github.com/pierrec/lz4/v4"
)

// Codec compresses stored attachment payloads.
type Codec interface {
	Name() string
	Encode(src []byte) ([]byte, error)
	Decode(src []byte, size int) ([]byte, error)
}

func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return noneCodec{}, nil
	case "snappy":
		return snappyCodec{}, nil
	case "lz4":
		return lz4Codec{}, nil
	case "zstd":
		return zstdCodec{}, nil
	}
	return nil, fmt.Errorf("%w: codec %q", ErrInvalidInput, name)
}

type noneCodec struct{}

func (noneCodec) Name() string { return "none" }

func (noneCodec) Encode(src []byte) ([]byte, error) { return append([]byte(nil), src...), nil }

func (noneCodec) Decode(src []byte, _ int) ([]byte, error) { return append([]byte(nil), src...), nil }

type snappyCodec struct{}

func (snappyCodec) Name() string { return "snappy" }

func (snappyCodec) Encode(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (snappyCodec) Decode(src []byte, _ int) ([]byte, error) {
	out, err := snappy.Decode(nil, src)
	if err != nil {
		return nil, fmt.Errorf("snappy decode: %w", err)
	}
	return out, nil
}

// lz4Codec uses the block format; the caller stores the original size.
type lz4Codec struct{}

func (lz4Codec) Name() string { return "lz4" }

func (lz4Codec) Encode(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return nil, nil
	}
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 {
		// Incompressible input is stored raw behind a zero marker byte.
		return append([]byte{0}, src...), nil
	}
	return append([]byte{1}, dst[:n]...), nil
}

func (lz4Codec) Decode(src []byte, size int) ([]byte, error) {
	if len(src) == 0 {
		return nil, nil
	}
	if src[0] == 0 {
		return append([]byte(nil), src[1:]...), nil
	}
	if size <= 0 {
		return nil, errors.New("lz4 decode: unknown original size")
	}
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(src[1:], dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	return dst[:n], nil
}

type zstdCodec struct{}

func (zstdCodec) Name() string { return "zstd" }

func (zstdCodec) Encode(src []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(src, nil), nil
}

func (zstdCodec) Decode(src []byte, _ int) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	out, err := dec.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}
