package rpc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies how a frame's payload is compressed.
type Compression uint8

const (
	CompressionNone Compression = 0
	// CompressionLZ4 is used for edit changesets, which are small and hot.
	CompressionLZ4 Compression = 1
	// CompressionZstd is used for whole documents.
	CompressionZstd Compression = 2
)

const (
	documentThreshold = 4 << 10
	changesThreshold  = 1 << 10

	// maxPayload bounds the decompressed size a peer may claim.
	maxPayload = 256 << 20
)

// ZSTD encoder/decoder pools
var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func putZstdEncoder(enc *zstd.Encoder) {
	zstdEncoderPool.Put(enc)
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPayload))
	return dec
}

func putZstdDecoder(dec *zstd.Decoder) {
	zstdDecoderPool.Put(dec)
}

// compress returns data compressed with c when it is at least threshold bytes
// long and compression actually shrinks it. Otherwise data is returned as is
// with CompressionNone.
func compress(data []byte, threshold int, c Compression) ([]byte, Compression, uint64, error) {
	if len(data) < threshold {
		return data, CompressionNone, 0, nil
	}
	var out []byte
	switch c {
	case CompressionZstd:
		enc := getZstdEncoder()
		out = enc.EncodeAll(data, nil)
		putZstdEncoder(enc)
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, 0, 0, err
		}
		out = buf[:n]
	default:
		return data, CompressionNone, 0, nil
	}
	if len(out) == 0 || len(out) >= len(data) {
		return data, CompressionNone, 0, nil
	}
	return out, c, uint64(len(data)), nil
}

func decompress(data []byte, c Compression, rawLen uint64) ([]byte, error) {
	if rawLen == 0 || rawLen > maxPayload {
		return nil, fmt.Errorf("invalid payload length %d", rawLen)
	}
	switch c {
	case CompressionZstd:
		dec := getZstdDecoder()
		defer putZstdDecoder(dec)
		out, err := dec.DecodeAll(data, make([]byte, 0, rawLen))
		if err != nil {
			return nil, err
		}
		if uint64(len(out)) != rawLen {
			return nil, errors.New("decompressed size mismatch")
		}
		return out, nil
	case CompressionLZ4:
		out := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, err
		}
		if uint64(n) != rawLen {
			return nil, errors.New("decompressed size mismatch")
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown compression %d", c)
	}
}
