package wirelay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type StreamWriterSettings struct {
	// hard ceiling on the encoded chunk size, before per-algorithm ceilings
	MaxChunkSize ByteCount
	// flush once the accumulated batch reaches this size. <= 0 disables.
	MinChunkSize ByteCount
	// flush once this much time has passed since the last flush. <= 0
	// disables. with both thresholds disabled every write flushes.
	MinChunkInterval     time.Duration
	MaxInFlightPublishes int
	PublishTimeout       time.Duration
}

func DefaultStreamWriterSettings() *StreamWriterSettings {
	return &StreamWriterSettings{
		MaxChunkSize:         kib(60),
		MinChunkSize:         kib(32),
		MinChunkInterval:     1 * time.Second,
		MaxInFlightPublishes: 10,
		PublishTimeout:       30 * time.Second,
	}
}

// StreamWriter turns a sequence of writes into a chain of signed chunk
// events published to every configured relay. writes batch into chunks,
// chunks compress, encrypt, and chain by prev reference. one goroutine
// drives the writer. a publish that no relay accepts aborts the stream.
type StreamWriter struct {
	ctx    context.Context
	cancel context.CancelFunc

	metadata    *StreamMetadata
	key         *StreamKey
	transport   RelayTransport
	compression CompressionStrategy
	encryption  EncryptionStrategy
	settings    *StreamWriterSettings

	ceiling  ByteCount
	partSize ByteCount

	publishSemaphore chan struct{}
	publishWaitGroup sync.WaitGroup
	teardownOnce     sync.Once

	stateLock     sync.Mutex
	chunk         CompressChunk
	batchSize     ByteCount
	lastFlushTime time.Time
	nextIndex     int64
	tail          string
	flushTimer    *time.Timer
	done          bool
	closed        bool
	streamErr     *StreamError
}

func NewStreamWriterWithDefaults(
	ctx context.Context,
	metadata *StreamMetadata,
	key *StreamKey,
	transport RelayTransport,
	compression CompressionStrategy,
	encryption EncryptionStrategy,
) (*StreamWriter, error) {
	return NewStreamWriter(ctx, metadata, key, transport, compression, encryption, DefaultStreamWriterSettings())
}

func NewStreamWriter(
	ctx context.Context,
	metadata *StreamMetadata,
	key *StreamKey,
	transport RelayTransport,
	compression CompressionStrategy,
	encryption EncryptionStrategy,
	settings *StreamWriterSettings,
) (*StreamWriter, error) {
	if err := metadata.Validate(WriterSide); err != nil {
		return nil, err
	}
	if key == nil || key.PublicKeyHex() != metadata.StreamId {
		return nil, ErrStreamKeyMismatch
	}

	ceiling := settings.MaxChunkSize
	if algorithmMax, ok := compression.MaxChunkSize(metadata.Compression); ok {
		ceiling = min(ceiling, algorithmMax)
	}
	if metadata.Encryption != EncryptionNone {
		if algorithmMax, ok := encryption.MaxChunkSize(metadata.Encryption); ok {
			ceiling = min(ceiling, algorithmMax)
		}
	}
	if !metadata.Binary && metadata.Compression == CompressionNone {
		// headroom for multi byte characters when the raw text re-encodes
		ceiling = ceiling / 8
	}
	if ceiling < 1 {
		return nil, fmt.Errorf("chunk size ceiling too small: %d", ceiling)
	}

	// surface algorithm typos and unusable receiver keys now instead of on
	// the first write
	probe, err := compression.StartCompress(metadata.Compression, metadata.Binary, ceiling)
	if err != nil {
		return nil, err
	}
	probe.Close()
	if metadata.Encryption != EncryptionNone {
		if _, err := encryption.Encrypt([]byte{0}, metadata.Encryption, key.SecretHex(), metadata.ReceiverPublicKey); err != nil {
			return nil, err
		}
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	writer := &StreamWriter{
		ctx:              cancelCtx,
		cancel:           cancel,
		metadata:         metadata.copy(),
		key:              key,
		transport:        transport,
		compression:      compression,
		encryption:       encryption,
		settings:         settings,
		ceiling:          ceiling,
		partSize:         max(ceiling/10, 1),
		publishSemaphore: make(chan struct{}, settings.MaxInFlightPublishes),
		lastFlushTime:    time.Now(),
	}
	glog.V(1).Infof(
		"[w]%.8s open binary=%t compression=%s encryption=%s relays=%d ceiling=%s\n",
		metadata.StreamId,
		metadata.Binary,
		metadata.Compression,
		metadata.Encryption,
		len(metadata.Relays),
		formatByteCount(ceiling),
	)
	return writer, nil
}

func (self *StreamWriter) WriteText(text string, done bool) error {
	return self.Write(TextPayload(text), done)
}

func (self *StreamWriter) WriteBytes(data []byte, done bool) error {
	return self.Write(BytesPayload(data), done)
}

func (self *StreamWriter) Write(payload Payload, done bool) error {
	if payload.IsBinary() != self.metadata.Binary {
		return errors.New("payload kind does not match stream metadata")
	}

	self.stateLock.Lock()
	if err := self.usableLocked(); err != nil {
		self.stateLock.Unlock()
		return err
	}
	self.stopFlushTimerLocked()

	var parts [][]byte
	if payload.IsBinary() {
		parts = splitBytes(payload.Bytes, self.partSize)
	} else {
		for _, textPart := range splitText(payload.Text, self.partSize) {
			parts = append(parts, []byte(textPart))
		}
	}

	events := []*Event{}
	for _, part := range parts {
		event, err := self.addPartLocked(part)
		if event != nil {
			events = append(events, event)
		}
		if err != nil {
			return self.failWrite(events, err)
		}
	}

	if done {
		event, err := self.flushLocked(StatusDone)
		if err != nil {
			return self.failWrite(events, err)
		}
		events = append(events, event)
		self.done = true
		chunkCount := self.nextIndex
		self.stateLock.Unlock()

		self.dispatchAll(events)
		self.publishWaitGroup.Wait()
		self.teardown()

		// a publish failure on the tail of the stream surfaces here
		self.stateLock.Lock()
		streamErr := self.streamErr
		self.stateLock.Unlock()
		if streamErr != nil {
			return streamErr
		}
		glog.V(1).Infof("[w]%.8s done after %d chunks\n", self.metadata.StreamId, chunkCount)
		return nil
	}

	if self.flushDueLocked() {
		event, err := self.flushLocked(StatusActive)
		if err != nil {
			return self.failWrite(events, err)
		}
		if event != nil {
			events = append(events, event)
		}
	}
	if 0 < self.batchSize {
		self.armFlushTimerLocked()
	}
	self.stateLock.Unlock()

	self.dispatchAll(events)
	return nil
}

// flushes any pending batch as an active chunk, then publishes one terminal
// error chunk carrying {code, message} and releases the writer. after an
// error no further writes are accepted.
func (self *StreamWriter) Error(code string, message string) error {
	self.stateLock.Lock()
	if err := self.usableLocked(); err != nil {
		self.stateLock.Unlock()
		return err
	}
	events := self.errorLocked(code, message, true)
	self.stateLock.Unlock()

	self.dispatchAll(events)
	self.publishWaitGroup.Wait()
	self.teardown()
	glog.V(1).Infof("[w]%.8s errored %s\n", self.metadata.StreamId, code)
	return nil
}

// releases the writer without terminating the chain on the wire. a reader
// of an unterminated stream times out with ttl_exceeded.
func (self *StreamWriter) Close() {
	self.stateLock.Lock()
	self.closed = true
	self.stopFlushTimerLocked()
	if self.chunk != nil {
		self.chunk.Close()
		self.chunk = nil
		self.batchSize = 0
	}
	self.stateLock.Unlock()
	self.teardown()
}

// must be called inside the state lock
func (self *StreamWriter) usableLocked() error {
	if self.streamErr != nil {
		return self.streamErr
	}
	if self.closed {
		return ErrWriterClosed
	}
	if self.done {
		return ErrWriterDone
	}
	return nil
}

// takes over a locked write that hit a compressor, cipher, or signing
// failure. publishes what was already built plus a terminal error chunk.
func (self *StreamWriter) failWrite(events []*Event, err error) error {
	events = append(events, self.errorLocked(ErrorCodeCompressionFailed, err.Error(), false)...)
	streamErr := self.streamErr
	self.stateLock.Unlock()

	self.dispatchAll(events)
	self.publishWaitGroup.Wait()
	self.teardown()
	return streamErr
}

// must be called inside the state lock. marks the stream errored and
// returns the terminal events to publish. flushBatch is false when the open
// batch is broken and must be discarded instead of flushed.
func (self *StreamWriter) errorLocked(code string, message string, flushBatch bool) []*Event {
	self.stopFlushTimerLocked()
	events := []*Event{}
	if flushBatch {
		if event, err := self.flushLocked(StatusActive); err == nil && event != nil {
			events = append(events, event)
		}
	}
	if self.chunk != nil {
		self.chunk.Close()
		self.chunk = nil
		self.batchSize = 0
	}
	self.streamErr = NewStreamError(code, message)
	// error chunks travel as plain json so the reader can stop before any
	// decode stage
	content, _ := json.Marshal(self.streamErr)
	if event, err := self.chunkEventLocked(string(content), StatusError); err == nil {
		events = append(events, event)
	}
	return events
}

// must be called inside the state lock. feeds one part to the open chunk,
// opening one as needed. when the part would overflow the chunk, the
// accumulated batch flushes and the part retries on a fresh instance. the
// returned event, if any, must be dispatched by the caller.
func (self *StreamWriter) addPartLocked(part []byte) (*Event, error) {
	if self.chunk == nil {
		chunk, err := self.compression.StartCompress(self.metadata.Compression, self.metadata.Binary, self.ceiling)
		if err != nil {
			return nil, err
		}
		self.chunk = chunk
	}
	size, err := self.chunk.Add(part)
	if errors.Is(err, ErrCompressLimit) {
		event, err := self.flushLocked(StatusActive)
		if err != nil {
			return nil, err
		}
		chunk, err := self.compression.StartCompress(self.metadata.Compression, self.metadata.Binary, self.ceiling)
		if err != nil {
			return event, err
		}
		self.chunk = chunk
		if _, err := self.chunk.Add(part); err != nil {
			// the splitter sized this part to fit a fresh chunk
			return event, err
		}
		self.batchSize = ByteCount(len(part))
		return event, nil
	} else if err != nil {
		return nil, err
	}
	self.batchSize += ByteCount(len(part))
	glog.V(2).Infof("[w]%.8s part %s batch=%s\n", self.metadata.StreamId, formatByteCount(size), formatByteCount(self.batchSize))
	return nil, nil
}

// must be called inside the state lock
func (self *StreamWriter) flushDueLocked() bool {
	if self.batchSize == 0 {
		return false
	}
	minSize := self.settings.MinChunkSize
	minInterval := self.settings.MinChunkInterval
	if minSize <= 0 && minInterval <= 0 {
		return true
	}
	if 0 < minSize && minSize <= self.batchSize {
		return true
	}
	if 0 < minInterval && minInterval <= time.Since(self.lastFlushTime) {
		return true
	}
	return false
}

// must be called inside the state lock. drains the open batch into one
// signed chunk event. a done flush always produces the terminal marker,
// an active flush of an empty batch produces nothing.
func (self *StreamWriter) flushLocked(status string) (*Event, error) {
	var data []byte
	if self.chunk != nil {
		var err error
		data, err = self.chunk.Finish()
		self.chunk.Close()
		self.chunk = nil
		self.batchSize = 0
		if err != nil {
			return nil, err
		}
	}
	if len(data) == 0 && status == StatusActive {
		return nil, nil
	}
	content, err := self.encodeContent(data)
	if err != nil {
		return nil, err
	}
	return self.chunkEventLocked(content, status)
}

// compress happened upstream. encrypt, then render bytes as text when they
// must travel as text.
func (self *StreamWriter) encodeContent(data []byte) (string, error) {
	if self.metadata.Encryption != EncryptionNone {
		if len(data) == 0 {
			return "", nil
		}
		return self.encryption.Encrypt(data, self.metadata.Encryption, self.key.SecretHex(), self.metadata.ReceiverPublicKey)
	}
	if self.metadata.contentIsBytes() {
		return base64.StdEncoding.EncodeToString(data), nil
	}
	return string(data), nil
}

// must be called inside the state lock. signing assigns the event id that
// the next chunk's prev references.
func (self *StreamWriter) chunkEventLocked(content string, status string) (*Event, error) {
	event := &Event{
		Kind:    KindStreamChunk,
		Tags:    chunkTags(self.nextIndex, status, self.tail),
		Content: content,
	}
	if err := self.key.SignEvent(event); err != nil {
		return nil, err
	}
	self.tail = event.Id
	self.nextIndex += 1
	self.lastFlushTime = time.Now()
	return event, nil
}

// must be called inside the state lock
func (self *StreamWriter) armFlushTimerLocked() {
	minInterval := self.settings.MinChunkInterval
	if minInterval <= 0 || self.flushTimer != nil {
		return
	}
	delay := max(minInterval-time.Since(self.lastFlushTime), 0)
	self.flushTimer = time.AfterFunc(delay, func() {
		HandleError(self.flushOnTimer)
	})
}

// must be called inside the state lock
func (self *StreamWriter) stopFlushTimerLocked() {
	if self.flushTimer != nil {
		self.flushTimer.Stop()
		self.flushTimer = nil
	}
}

func (self *StreamWriter) flushOnTimer() {
	self.stateLock.Lock()
	self.flushTimer = nil
	if self.closed || self.done || self.streamErr != nil || self.batchSize == 0 {
		self.stateLock.Unlock()
		return
	}
	event, err := self.flushLocked(StatusActive)
	if err != nil {
		events := self.errorLocked(ErrorCodeCompressionFailed, err.Error(), false)
		self.stateLock.Unlock()
		self.dispatchAll(events)
		go HandleError(func() {
			self.publishWaitGroup.Wait()
			self.teardown()
		})
		return
	}
	self.stateLock.Unlock()
	if event != nil {
		self.dispatchAll([]*Event{event})
	}
}

func (self *StreamWriter) dispatchAll(events []*Event) {
	for _, event := range events {
		self.dispatch(event)
	}
}

// blocks while MaxInFlightPublishes chunks are outstanding. this is the
// back-pressure gate that suspends writes.
func (self *StreamWriter) dispatch(event *Event) {
	self.publishWaitGroup.Add(1)
	select {
	case self.publishSemaphore <- struct{}{}:
	case <-self.ctx.Done():
		self.publishWaitGroup.Done()
		return
	}
	go HandleError(func() {
		self.publishChunk(event)
	})
}

func (self *StreamWriter) publishChunk(event *Event) {
	defer func() {
		<-self.publishSemaphore
		self.publishWaitGroup.Done()
	}()

	publishCtx, cancel := context.WithTimeout(self.ctx, self.settings.PublishTimeout)
	defer cancel()

	accepted, err := self.transport.Publish(publishCtx, event, self.metadata.Relays)
	if err == nil && 0 < len(accepted) {
		glog.V(2).Infof(
			"[w]%.8s chunk %s %s -> %d/%d relays\n",
			self.metadata.StreamId,
			event.TagValue(TagIndex),
			event.TagValue(TagStatus),
			len(accepted),
			len(self.metadata.Relays),
		)
		return
	}
	if err == nil {
		err = errors.New("no relay accepted the chunk")
	}
	glog.Infof("[w]%.8s publish failed chunk %s = %s\n", self.metadata.StreamId, event.TagValue(TagIndex), err)

	switch event.TagValue(TagStatus) {
	case StatusDone, StatusError:
		// the chain is already terminating. record the failure for the
		// caller without publishing another terminal chunk.
		self.stateLock.Lock()
		if self.streamErr == nil {
			self.streamErr = NewStreamErrorf(ErrorCodePublishFailed, "%s", err)
		}
		self.stateLock.Unlock()
	default:
		self.abort(ErrorCodePublishFailed, err.Error())
	}
}

// a chunk that no relay accepts is fatal to the whole stream. the first
// failure wins. failures after a terminal state are no-ops.
func (self *StreamWriter) abort(code string, message string) {
	self.stateLock.Lock()
	if self.closed || self.streamErr != nil {
		self.stateLock.Unlock()
		return
	}
	if self.done {
		self.streamErr = NewStreamError(code, message)
		self.stateLock.Unlock()
		return
	}
	events := self.errorLocked(code, message, true)
	self.stateLock.Unlock()

	go HandleError(func() {
		self.dispatchAll(events)
		self.publishWaitGroup.Wait()
		self.teardown()
	})
}

func (self *StreamWriter) teardown() {
	self.teardownOnce.Do(func() {
		self.cancel()
		self.stateLock.Lock()
		self.stopFlushTimerLocked()
		if self.chunk != nil {
			self.chunk.Close()
			self.chunk = nil
			self.batchSize = 0
		}
		self.stateLock.Unlock()
	})
}
