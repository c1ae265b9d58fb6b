package wirelay

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
)

const (
	CompressionNone   = "none"
	CompressionGzip   = "gzip"
	CompressionSnappy = "snappy"
)

type CompressionStrategy interface {
	// opens one chunk. the chunk accumulates parts until the encoded size
	// would pass maxChunkSize.
	StartCompress(algorithm string, binary bool, maxChunkSize ByteCount) (CompressChunk, error)
	Decompress(algorithm string, data []byte, maxResultSize ByteCount) ([]byte, error)
	// per-algorithm ceiling on the encoded chunk size, if the algorithm
	// imposes one below the configured maximum
	MaxChunkSize(algorithm string) (ByteCount, bool)
}

type CompressChunk interface {
	// appends a part and returns the current encoded size. returns
	// ErrCompressLimit when the part would push the chunk past its ceiling.
	// after a limit rejection the chunk can still be finished, and the same
	// part is guaranteed to fit a fresh chunk.
	Add(part []byte) (ByteCount, error)
	Finish() ([]byte, error)
	Close()
}

type StdCompression struct {
	gzipLevel int
}

func NewStdCompression() *StdCompression {
	return &StdCompression{
		gzipLevel: gzip.DefaultCompression,
	}
}

func (self *StdCompression) StartCompress(algorithm string, binary bool, maxChunkSize ByteCount) (CompressChunk, error) {
	switch algorithm {
	case CompressionNone:
		return &passthroughChunk{
			maxChunkSize: maxChunkSize,
		}, nil
	case CompressionGzip:
		return newGzipChunk(self.gzipLevel, maxChunkSize)
	case CompressionSnappy:
		return &snappyChunk{
			maxChunkSize: maxChunkSize,
		}, nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm: %s", algorithm)
	}
}

func (self *StdCompression) Decompress(algorithm string, data []byte, maxResultSize ByteCount) ([]byte, error) {
	switch algorithm {
	case CompressionNone:
		return data, nil
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		out, err := io.ReadAll(io.LimitReader(r, int64(maxResultSize)+1))
		if err != nil {
			return nil, err
		}
		if maxResultSize < ByteCount(len(out)) {
			return nil, fmt.Errorf("%w: over %s", ErrDecompressLimit, formatByteCount(maxResultSize))
		}
		return out, nil
	case CompressionSnappy:
		n, err := snappy.DecodedLen(data)
		if err != nil {
			return nil, err
		}
		if maxResultSize < ByteCount(n) {
			return nil, fmt.Errorf("%w: over %s", ErrDecompressLimit, formatByteCount(maxResultSize))
		}
		return snappy.Decode(nil, data)
	default:
		return nil, fmt.Errorf("unknown compression algorithm: %s", algorithm)
	}
}

func (self *StdCompression) MaxChunkSize(algorithm string) (ByteCount, bool) {
	return 0, false
}

// "none" still flows through the chunk interface as a passthrough
type passthroughChunk struct {
	maxChunkSize ByteCount
	buf          bytes.Buffer
}

func (self *passthroughChunk) Add(part []byte) (ByteCount, error) {
	size := ByteCount(self.buf.Len())
	if 0 < size && self.maxChunkSize < size+ByteCount(len(part)) {
		return size, ErrCompressLimit
	}
	self.buf.Write(part)
	return ByteCount(self.buf.Len()), nil
}

func (self *passthroughChunk) Finish() ([]byte, error) {
	return self.buf.Bytes(), nil
}

func (self *passthroughChunk) Close() {
}

type gzipChunk struct {
	maxChunkSize ByteCount
	buf          *bytes.Buffer
	writer       *gzip.Writer
	added        ByteCount
}

func newGzipChunk(level int, maxChunkSize ByteCount) (*gzipChunk, error) {
	buf := &bytes.Buffer{}
	writer, err := gzip.NewWriterLevel(buf, level)
	if err != nil {
		return nil, err
	}
	return &gzipChunk{
		maxChunkSize: maxChunkSize,
		buf:          buf,
		writer:       writer,
	}, nil
}

func (self *gzipChunk) Add(part []byte) (ByteCount, error) {
	size := ByteCount(self.buf.Len())
	// deflate can expand incompressible input. reject on the worst case so
	// the same part always fits a fresh chunk.
	if 0 < self.added && self.maxChunkSize < size+gzipWorstCase(ByteCount(len(part))) {
		return size, ErrCompressLimit
	}
	if _, err := self.writer.Write(part); err != nil {
		return size, err
	}
	// sync flush so the encoded size is observable after every part
	if err := self.writer.Flush(); err != nil {
		return size, err
	}
	self.added += ByteCount(len(part))
	return ByteCount(self.buf.Len()), nil
}

func (self *gzipChunk) Finish() ([]byte, error) {
	if err := self.writer.Close(); err != nil {
		return nil, err
	}
	return self.buf.Bytes(), nil
}

func (self *gzipChunk) Close() {
	self.writer.Close()
}

// stored deflate blocks cost 5 bytes per 64k plus the flush marker and the
// gzip header and trailer
func gzipWorstCase(n ByteCount) ByteCount {
	return n + n/8 + 64
}

// the snappy block format has no incremental encoder. parts accumulate raw
// and encode once at finish, with MaxEncodedLen as the ceiling check.
type snappyChunk struct {
	maxChunkSize ByteCount
	parts        bytes.Buffer
}

func (self *snappyChunk) Add(part []byte) (ByteCount, error) {
	size := encodedCeiling(self.parts.Len())
	if 0 < self.parts.Len() {
		worst := encodedCeiling(self.parts.Len() + len(part))
		if worst < 0 || self.maxChunkSize < worst {
			return size, ErrCompressLimit
		}
	}
	self.parts.Write(part)
	return encodedCeiling(self.parts.Len()), nil
}

func (self *snappyChunk) Finish() ([]byte, error) {
	return snappy.Encode(nil, self.parts.Bytes()), nil
}

func (self *snappyChunk) Close() {
}

func encodedCeiling(srcLen int) ByteCount {
	return ByteCount(snappy.MaxEncodedLen(srcLen))
}
