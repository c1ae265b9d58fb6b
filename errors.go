package wirelay

import (
	"errors"
	"fmt"
)

// stable error codes carried by *StreamError. remote error chunks carry
// their own code verbatim, so the full code space is open ended.
const (
	ErrorCodeTtlExceeded       = "ttl_exceeded"
	ErrorCodeMaxChunksExceeded = "max_chunks_exceeded"
	ErrorCodeMaxSizeExceeded   = "max_size_exceeded"
	ErrorCodeDecryptionFailed  = "decryption_failed"
	ErrorCodeDecodeFailed      = "decode_failed"
	ErrorCodeParseError        = "parse_error"
	ErrorCodePublishFailed     = "publish_failed"
	ErrorCodeCompressionFailed = "compression_failed"
)

// construction and usage errors. these are synchronous and never travel
// on the wire.
var (
	ErrStreamIdMissing     = errors.New("stream id missing")
	ErrRelaysMissing       = errors.New("relays missing")
	ErrVersionUnsupported  = errors.New("unsupported stream version")
	ErrCompressionMissing  = errors.New("compression algorithm missing")
	ErrEncryptionMissing   = errors.New("encryption algorithm missing")
	ErrReceiverKeyMissing  = errors.New("receiver key missing")
	ErrReceiverKeyMismatch = errors.New("receiver secret key does not derive receiver public key")
	ErrStreamKeyMismatch   = errors.New("stream key does not derive stream id")

	ErrWriterDone   = errors.New("writer already done")
	ErrWriterClosed = errors.New("writer closed")
	ErrReaderClosed = errors.New("reader closed")

	// returned by CompressChunk.Add when accepting the part would push the
	// finished chunk past its size ceiling. the caller flushes and retries.
	ErrCompressLimit = errors.New("chunk size limit reached")

	// returned by Decompress when the decoded result would pass the
	// caller's size ceiling
	ErrDecompressLimit = errors.New("decompressed size limit reached")
)

// a terminal stream failure with a code suitable for programmatic
// branching. both sides use it: the writer publishes it as the terminal
// error chunk, the reader raises it from pulls.
type StreamError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewStreamError(code string, message string) *StreamError {
	return &StreamError{
		Code:    code,
		Message: message,
	}
}

func NewStreamErrorf(code string, format string, a ...any) *StreamError {
	return &StreamError{
		Code:    code,
		Message: fmt.Sprintf(format, a...),
	}
}

func (self *StreamError) Error() string {
	return fmt.Sprintf("stream error %s: %s", self.Code, self.Message)
}

// true when err is a *StreamError with the given code
func IsStreamError(err error, code string) bool {
	var streamErr *StreamError
	if errors.As(err, &streamErr) {
		return streamErr.Code == code
	}
	return false
}
