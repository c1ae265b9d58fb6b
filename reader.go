package wirelay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

type StreamReaderSettings struct {
	// ceiling on unique accepted chunk events
	MaxChunks int
	// ceiling on cumulative delivered bytes of a binary stream, chars of a
	// text stream
	MaxResultSize ByteCount
	// no accepted message for this long fails the stream
	Ttl              time.Duration
	WatchdogInterval time.Duration
}

func DefaultStreamReaderSettings() *StreamReaderSettings {
	return &StreamReaderSettings{
		MaxChunks:        1000,
		MaxResultSize:    mib(10),
		Ttl:              60 * time.Second,
		WatchdogInterval: 1 * time.Second,
	}
}

// one decoded chunk pulled from a StreamReader. Index is the sender's
// diagnostic counter. Done marks the last chunk of the stream.
type StreamChunk struct {
	Index   int64
	Payload Payload
	Done    bool
}

// StreamReader subscribes to a stream's chunk events and exposes them as an
// ordered, decoded, pull-based sequence. arrival order does not matter: the
// chain is rebuilt from the prev references. the subscription starts on the
// first Read, not at construction.
type StreamReader struct {
	ctx    context.Context
	cancel context.CancelFunc

	metadata    *StreamMetadata
	transport   RelayTransport
	compression CompressionStrategy
	encryption  EncryptionStrategy
	settings    *StreamReaderSettings

	recv      chan StreamChunk
	doneChan  chan struct{}
	failChan  chan struct{}
	closeChan chan struct{}

	stateLock       sync.Mutex
	started         bool
	subscription    Subscription
	buffer          map[string]*Event
	seen            map[string]bool
	expected        string
	accepted        int
	deliveredSize   ByteCount
	lastMessageTime time.Time
	done            bool
	closed          bool
	streamErr       *StreamError
}

func NewStreamReaderWithDefaults(
	ctx context.Context,
	metadata *StreamMetadata,
	transport RelayTransport,
	compression CompressionStrategy,
	encryption EncryptionStrategy,
) (*StreamReader, error) {
	return NewStreamReader(ctx, metadata, transport, compression, encryption, DefaultStreamReaderSettings())
}

func NewStreamReader(
	ctx context.Context,
	metadata *StreamMetadata,
	transport RelayTransport,
	compression CompressionStrategy,
	encryption EncryptionStrategy,
	settings *StreamReaderSettings,
) (*StreamReader, error) {
	if err := metadata.Validate(ReaderSide); err != nil {
		return nil, err
	}

	// surface algorithm typos and unusable keys now instead of on the
	// first chunk
	probe, err := compression.StartCompress(metadata.Compression, metadata.Binary, settings.MaxResultSize)
	if err != nil {
		return nil, err
	}
	probe.Close()
	if metadata.Encryption != EncryptionNone {
		if _, err := encryption.Encrypt([]byte{0}, metadata.Encryption, metadata.ReceiverSecretKey, metadata.StreamId); err != nil {
			return nil, err
		}
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	return &StreamReader{
		ctx:         cancelCtx,
		cancel:      cancel,
		metadata:    metadata.copy(),
		transport:   transport,
		compression: compression,
		encryption:  encryption,
		settings:    settings,
		recv:        make(chan StreamChunk, settings.MaxChunks),
		doneChan:    make(chan struct{}),
		failChan:    make(chan struct{}),
		closeChan:   make(chan struct{}),
		buffer:      map[string]*Event{},
		seen:        map[string]bool{},
	}, nil
}

// pulls the next decoded chunk in chain order. returns io.EOF once the
// stream is done and drained, or after Close. chunks decoded before a
// failure still reach the consumer; once they are drained, this and every
// later pull return the same *StreamError.
func (self *StreamReader) Read(ctx context.Context) (StreamChunk, error) {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return StreamChunk{}, io.EOF
	}
	needStart := false
	if !self.started {
		self.started = true
		needStart = true
	}
	self.stateLock.Unlock()

	if needStart {
		if err := self.start(); err != nil {
			return StreamChunk{}, err
		}
	}

	// drain buffered chunks before honoring a terminal signal
	select {
	case chunk := <-self.recv:
		return chunk, nil
	default:
	}

	select {
	case chunk := <-self.recv:
		return chunk, nil
	case <-self.failChan:
		return self.terminalRead(nil)
	case <-self.doneChan:
		return self.terminalRead(io.EOF)
	case <-self.closeChan:
		return StreamChunk{}, io.EOF
	case <-ctx.Done():
		return StreamChunk{}, ctx.Err()
	}
}

// a terminal signal can race chunks already queued. nothing enters the
// queue after the terminal transition, so an empty queue here stays empty.
func (self *StreamReader) terminalRead(end error) (StreamChunk, error) {
	select {
	case chunk := <-self.recv:
		return chunk, nil
	default:
	}
	if end != nil {
		return StreamChunk{}, end
	}
	self.stateLock.Lock()
	streamErr := self.streamErr
	self.stateLock.Unlock()
	return StreamChunk{}, streamErr
}

// ends iteration early. releases the subscription and buffers. never
// raises. later reads return io.EOF.
func (self *StreamReader) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.terminalLocked() {
		return
	}
	self.closed = true
	maps.Clear(self.buffer)
	close(self.closeChan)
	self.releaseLocked()
	glog.V(1).Infof("[r]%.8s closed by consumer\n", self.metadata.StreamId)
}

func (self *StreamReader) start() error {
	filter := &Filter{
		Authors: []string{self.metadata.StreamId},
		Kinds:   []int{KindStreamChunk},
	}
	// the callback can fire during Subscribe while stored events replay
	subscription, err := self.transport.Subscribe(self.ctx, filter, self.metadata.Relays, self.receiveEvent)
	if err != nil {
		streamErr := NewStreamErrorf("subscribe_failed", "%s", err)
		self.stateLock.Lock()
		self.failLocked(streamErr)
		self.stateLock.Unlock()
		return streamErr
	}

	self.stateLock.Lock()
	if self.terminalLocked() {
		self.stateLock.Unlock()
		subscription.Close()
		return nil
	}
	self.subscription = subscription
	self.lastMessageTime = time.Now()
	self.stateLock.Unlock()

	go HandleError(self.watchdog)
	glog.V(1).Infof("[r]%.8s active\n", self.metadata.StreamId)
	return nil
}

// the subscription callback. runs on a transport goroutine.
func (self *StreamReader) receiveEvent(event *Event) {
	info, ok := parseChunkInfo(event)
	if !ok || event.Kind != KindStreamChunk || event.PubKey != self.metadata.StreamId {
		// transport noise, not a stream failure
		glog.V(2).Infof("[r]%.8s drop noise %.16s\n", self.metadata.StreamId, event.Id)
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.terminalLocked() {
		return
	}

	if self.seen[event.Id] {
		glog.V(2).Infof("[r]%.8s drop duplicate %.16s\n", self.metadata.StreamId, event.Id)
		return
	}
	self.seen[event.Id] = true
	self.lastMessageTime = time.Now()

	self.accepted += 1
	if self.settings.MaxChunks < self.accepted {
		self.failLocked(NewStreamErrorf(ErrorCodeMaxChunksExceeded, "stream exceeds %d chunks", self.settings.MaxChunks))
		return
	}

	if info.status == StatusError {
		self.failLocked(parseErrorChunk(event.Content))
		return
	}

	// the buffer key is the event's own prev reference: what this event
	// comes after
	self.buffer[info.prev] = event
	glog.V(2).Infof("[r]%.8s chunk %d buffered\n", self.metadata.StreamId, info.index)
	self.drainLocked()
}

// must be called inside the state lock. walks the chain from the expected
// reference, delivering every chunk that is now reachable.
func (self *StreamReader) drainLocked() {
	for {
		next, ok := self.buffer[self.expected]
		if !ok {
			return
		}
		delete(self.buffer, self.expected)

		chunk, streamErr := self.decodeChunk(next)
		if streamErr != nil {
			self.failLocked(streamErr)
			return
		}
		self.deliveredSize += chunk.Payload.Len()
		if self.settings.MaxResultSize < self.deliveredSize {
			self.failLocked(NewStreamErrorf(ErrorCodeMaxSizeExceeded, "stream exceeds %s", formatByteCount(self.settings.MaxResultSize)))
			return
		}
		self.expected = next.Id
		// recv is sized to MaxChunks, which accepted cannot pass
		self.recv <- chunk
		glog.V(2).Infof("[r]%.8s chunk %d delivered\n", self.metadata.StreamId, chunk.Index)
		if chunk.Done {
			self.doneLocked()
			return
		}
	}
}

// the inverse of the writer's encode: text-decode, decrypt, decompress.
// an empty content is an empty payload, as on a bare terminal marker.
func (self *StreamReader) decodeChunk(event *Event) (StreamChunk, *StreamError) {
	info, _ := parseChunkInfo(event)
	var data []byte
	if event.Content != "" {
		if self.metadata.Encryption != EncryptionNone {
			plain, err := self.encryption.Decrypt(event.Content, self.metadata.Encryption, self.metadata.ReceiverSecretKey, self.metadata.StreamId)
			if err != nil {
				return StreamChunk{}, NewStreamErrorf(ErrorCodeDecryptionFailed, "chunk %d: %s", info.index, err)
			}
			data = plain
		} else if self.metadata.contentIsBytes() {
			decoded, err := base64.StdEncoding.DecodeString(event.Content)
			if err != nil {
				return StreamChunk{}, NewStreamErrorf(ErrorCodeDecodeFailed, "chunk %d: %s", info.index, err)
			}
			data = decoded
		} else {
			data = []byte(event.Content)
		}
		if self.metadata.Compression != CompressionNone {
			decompressed, err := self.compression.Decompress(self.metadata.Compression, data, self.settings.MaxResultSize)
			if err != nil {
				if errors.Is(err, ErrDecompressLimit) {
					return StreamChunk{}, NewStreamErrorf(ErrorCodeMaxSizeExceeded, "chunk %d: %s", info.index, err)
				}
				return StreamChunk{}, NewStreamErrorf(ErrorCodeDecodeFailed, "chunk %d: %s", info.index, err)
			}
			data = decompressed
		}
	}

	var payload Payload
	if self.metadata.Binary {
		payload = BytesPayload(data)
	} else {
		payload = TextPayload(string(data))
	}
	return StreamChunk{
		Index:   info.index,
		Payload: payload,
		Done:    info.status == StatusDone,
	}, nil
}

func (self *StreamReader) watchdog() {
	ticker := time.NewTicker(self.settings.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			self.stateLock.Lock()
			if self.terminalLocked() {
				self.stateLock.Unlock()
				return
			}
			if self.settings.Ttl <= time.Since(self.lastMessageTime) {
				self.failLocked(NewStreamErrorf(ErrorCodeTtlExceeded, "no message for %s", self.settings.Ttl))
				self.stateLock.Unlock()
				return
			}
			self.stateLock.Unlock()
		}
	}
}

// must be called inside the state lock
func (self *StreamReader) terminalLocked() bool {
	return self.done || self.closed || self.streamErr != nil
}

// must be called inside the state lock. the first failure wins and sticks.
func (self *StreamReader) failLocked(streamErr *StreamError) {
	if self.terminalLocked() {
		return
	}
	self.streamErr = streamErr
	maps.Clear(self.buffer)
	close(self.failChan)
	self.releaseLocked()
	glog.Infof("[r]%.8s failed = %s\n", self.metadata.StreamId, streamErr)
}

// must be called inside the state lock
func (self *StreamReader) doneLocked() {
	if self.done {
		return
	}
	self.done = true
	maps.Clear(self.buffer)
	close(self.doneChan)
	self.releaseLocked()
	glog.V(1).Infof(
		"[r]%.8s done chunks=%d size=%s\n",
		self.metadata.StreamId,
		self.accepted,
		formatByteCount(self.deliveredSize),
	)
}

// must be called inside the state lock
func (self *StreamReader) releaseLocked() {
	if self.subscription != nil {
		subscription := self.subscription
		self.subscription = nil
		subscription.Close()
	}
	self.cancel()
}

func parseErrorChunk(content string) *StreamError {
	var streamErr StreamError
	if err := json.Unmarshal([]byte(content), &streamErr); err != nil || streamErr.Code == "" {
		return NewStreamErrorf(ErrorCodeParseError, "malformed error chunk: %.64s", content)
	}
	return &streamErr
}
