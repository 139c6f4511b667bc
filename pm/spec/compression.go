package spec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var (
	ErrUnsupportedCompression = errors.New("pmtiles: compression not supported")
	ErrDecompress             = errors.New("pmtiles: failed to decompress")
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionBrotli:
		return "brotli"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

type codec struct {
	compress   func([]byte) ([]byte, error)
	decompress func([]byte) ([]byte, error)
}

// Brotli is not supported.
var codecs = map[Compression]codec{
	CompressionNone: {identity, identity},
	CompressionGzip: {gzipCompress, gzipDecompress},
	CompressionZstd: {zstdCompress, zstdDecompress},
}

func identity(data []byte) ([]byte, error) { return data, nil }

// The zstd coders are safe for concurrent EncodeAll/DecodeAll calls.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

func zstdCompress(data []byte) ([]byte, error) {
	return zstdEncoder.EncodeAll(data, nil), nil
}

func zstdDecompress(data []byte) ([]byte, error) {
	return zstdDecoder.DecodeAll(data, nil)
}

var gzipWriters = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(nil, gzip.BestCompression)
		return w
	},
}

func gzipCompress(data []byte) ([]byte, error) {
	var buffer bytes.Buffer
	w := gzipWriters.Get().(*gzip.Writer)
	defer gzipWriters.Put(w)
	w.Reset(&buffer)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func Compress(data []byte, compression Compression) ([]byte, error) {
	c, ok := codecs[compression]
	if !ok {
		return nil, fmt.Errorf("%w (%v)", ErrUnsupportedCompression, compression)
	}
	result, err := c.compress(data)
	if err != nil {
		return nil, fmt.Errorf("pmtiles: %v compress: %w", compression, err)
	}
	return result, nil
}

func Decompress(data []byte, compression Compression) ([]byte, error) {
	c, ok := codecs[compression]
	if !ok {
		return nil, fmt.Errorf("%w (%v)", ErrUnsupportedCompression, compression)
	}
	result, err := c.decompress(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v: %w", ErrDecompress, compression, err)
	}
	return result, nil
}
