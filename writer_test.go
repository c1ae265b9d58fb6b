package wirelay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestStreamWriterSingleChunk(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := NewLocalRelayWithDefaults(ctx)
	defer relay.Close()

	key := requireStreamKey()
	metadata := textStreamMetadata(key.PublicKeyHex())

	writer, err := NewStreamWriterWithDefaults(ctx, metadata, key, relay, NewStdCompression(), NewStdEncryption())
	assert.Equal(t, err, nil)
	defer writer.Close()

	err = writer.WriteText("hello stream", true)
	assert.Equal(t, err, nil)

	chain := storedChain(ctx, relay, metadata.StreamId, metadata.Relays)
	assert.Equal(t, len(chain), 1)
	assert.Equal(t, chain[0].Content, "hello stream")
	assert.Equal(t, chain[0].Kind, KindStreamChunk)
	assert.Equal(t, chain[0].TagValue(TagIndex), "0")
	assert.Equal(t, chain[0].TagValue(TagStatus), StatusDone)
	assert.Equal(t, chain[0].HasTag(TagPrev), false)
	assert.Equal(t, VerifyEvent(chain[0]), nil)

	err = writer.WriteText("late", true)
	assert.Equal(t, err, ErrWriterDone)
	err = writer.Error("app_failure", "late")
	assert.Equal(t, err, ErrWriterDone)
}

func TestStreamWriterChunkBoundaries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := NewLocalRelayWithDefaults(ctx)
	defer relay.Close()

	key := requireStreamKey()
	metadata := textStreamMetadata(key.PublicKeyHex())

	// a one byte threshold flushes every write into its own chunk
	settings := DefaultStreamWriterSettings()
	settings.MinChunkSize = 1
	writer, err := NewStreamWriter(ctx, metadata, key, relay, NewStdCompression(), NewStdEncryption(), settings)
	assert.Equal(t, err, nil)
	defer writer.Close()

	err = writer.WriteText("ab", false)
	assert.Equal(t, err, nil)
	err = writer.WriteText("cd", true)
	assert.Equal(t, err, nil)

	chain := storedChain(ctx, relay, metadata.StreamId, metadata.Relays)
	assert.Equal(t, len(chain), 2)
	assert.Equal(t, chain[0].Content, "ab")
	assert.Equal(t, chain[0].TagValue(TagIndex), "0")
	assert.Equal(t, chain[0].TagValue(TagStatus), StatusActive)
	assert.Equal(t, chain[0].HasTag(TagPrev), false)
	assert.Equal(t, chain[1].Content, "cd")
	assert.Equal(t, chain[1].TagValue(TagIndex), "1")
	assert.Equal(t, chain[1].TagValue(TagStatus), StatusDone)
	assert.Equal(t, chain[1].TagValue(TagPrev), chain[0].Id)
}

func TestStreamWriterSplitsOversizedWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := NewLocalRelayWithDefaults(ctx)
	defer relay.Close()

	key := requireStreamKey()
	metadata := textStreamMetadata(key.PublicKeyHex())

	// text with no compression keeps an eighth of the configured maximum,
	// so chunks carry at most 10 bytes here
	settings := DefaultStreamWriterSettings()
	settings.MaxChunkSize = 80
	settings.MinChunkSize = 0
	settings.MinChunkInterval = 0
	writer, err := NewStreamWriter(ctx, metadata, key, relay, NewStdCompression(), NewStdEncryption(), settings)
	assert.Equal(t, err, nil)
	defer writer.Close()

	text := "abcdefghijklmnopqrstuvwxy"
	err = writer.WriteText(text, true)
	assert.Equal(t, err, nil)

	chain := storedChain(ctx, relay, metadata.StreamId, metadata.Relays)
	assert.Equal(t, len(chain), 3)
	joined := ""
	for i, event := range chain {
		assert.Equal(t, len(event.Content) <= 10, true)
		if i < len(chain)-1 {
			assert.Equal(t, event.TagValue(TagStatus), StatusActive)
		} else {
			assert.Equal(t, event.TagValue(TagStatus), StatusDone)
		}
		joined += event.Content
	}
	assert.Equal(t, joined, text)
}

func TestStreamWriterError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := NewLocalRelayWithDefaults(ctx)
	defer relay.Close()

	key := requireStreamKey()
	metadata := textStreamMetadata(key.PublicKeyHex())

	writer, err := NewStreamWriterWithDefaults(ctx, metadata, key, relay, NewStdCompression(), NewStdEncryption())
	assert.Equal(t, err, nil)
	defer writer.Close()

	// batched, not yet flushed
	err = writer.WriteText("E1", false)
	assert.Equal(t, err, nil)

	err = writer.Error("app_failure", "boom")
	assert.Equal(t, err, nil)

	chain := storedChain(ctx, relay, metadata.StreamId, metadata.Relays)
	assert.Equal(t, len(chain), 2)
	assert.Equal(t, chain[0].Content, "E1")
	assert.Equal(t, chain[0].TagValue(TagStatus), StatusActive)
	assert.Equal(t, chain[1].TagValue(TagStatus), StatusError)
	assert.Equal(t, chain[1].Content, `{"code":"app_failure","message":"boom"}`)

	// the stream error sticks
	err = writer.WriteText("x", false)
	assert.Equal(t, IsStreamError(err, "app_failure"), true)
	err = writer.Error("other", "again")
	assert.Equal(t, IsStreamError(err, "app_failure"), true)
}

func TestStreamWriterTimerFlush(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := NewLocalRelayWithDefaults(ctx)
	defer relay.Close()

	key := requireStreamKey()
	metadata := textStreamMetadata(key.PublicKeyHex())

	settings := DefaultStreamWriterSettings()
	settings.MinChunkInterval = 100 * time.Millisecond
	writer, err := NewStreamWriter(ctx, metadata, key, relay, NewStdCompression(), NewStdEncryption(), settings)
	assert.Equal(t, err, nil)
	defer writer.Close()

	err = writer.WriteText("tick", false)
	assert.Equal(t, err, nil)

	deadline := time.Now().Add(5 * time.Second)
	for {
		chain := storedChain(ctx, relay, metadata.StreamId, metadata.Relays)
		if len(chain) == 1 {
			assert.Equal(t, chain[0].Content, "tick")
			assert.Equal(t, chain[0].TagValue(TagStatus), StatusActive)
			break
		}
		if deadline.Before(time.Now()) {
			t.FailNow()
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStreamWriterPublishFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key := requireStreamKey()
	metadata := textStreamMetadata(key.PublicKeyHex())

	settings := DefaultStreamWriterSettings()
	settings.MinChunkSize = 1
	writer, err := NewStreamWriter(ctx, metadata, key, &rejectTransport{}, NewStdCompression(), NewStdEncryption(), settings)
	assert.Equal(t, err, nil)
	defer writer.Close()

	err = writer.WriteText("ab", false)
	assert.Equal(t, err, nil)

	// the rejected publish aborts the stream behind the writer
	deadline := time.Now().Add(5 * time.Second)
	for {
		err = writer.WriteText("x", false)
		if err != nil {
			break
		}
		if deadline.Before(time.Now()) {
			t.FailNow()
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, IsStreamError(err, ErrorCodePublishFailed), true)
}

func TestStreamWriterDonePublishFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key := requireStreamKey()
	metadata := textStreamMetadata(key.PublicKeyHex())

	writer, err := NewStreamWriterWithDefaults(ctx, metadata, key, &rejectTransport{}, NewStdCompression(), NewStdEncryption())
	assert.Equal(t, err, nil)
	defer writer.Close()

	// the done write waits out its publishes, so the failure is synchronous
	err = writer.WriteText("x", true)
	assert.Equal(t, IsStreamError(err, ErrorCodePublishFailed), true)
}

func TestStreamWriterClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := NewLocalRelayWithDefaults(ctx)
	defer relay.Close()

	key := requireStreamKey()
	metadata := textStreamMetadata(key.PublicKeyHex())

	settings := DefaultStreamWriterSettings()
	settings.MinChunkInterval = time.Minute
	writer, err := NewStreamWriter(ctx, metadata, key, relay, NewStdCompression(), NewStdEncryption(), settings)
	assert.Equal(t, err, nil)

	err = writer.WriteText("pending", false)
	assert.Equal(t, err, nil)

	// close drops the open batch without terminating the chain
	writer.Close()
	err = writer.WriteText("x", false)
	assert.Equal(t, err, ErrWriterClosed)

	chain := storedChain(ctx, relay, metadata.StreamId, metadata.Relays)
	assert.Equal(t, len(chain), 0)
}

func TestNewStreamWriterValidates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := NewLocalRelayWithDefaults(ctx)
	defer relay.Close()

	key := requireStreamKey()
	compression := NewStdCompression()
	encryption := NewStdEncryption()

	// the key must derive the stream id
	other := requireStreamKey()
	metadata := textStreamMetadata(key.PublicKeyHex())
	_, err := NewStreamWriterWithDefaults(ctx, metadata, other, relay, compression, encryption)
	assert.Equal(t, err, ErrStreamKeyMismatch)
	_, err = NewStreamWriterWithDefaults(ctx, metadata, nil, relay, compression, encryption)
	assert.Equal(t, err, ErrStreamKeyMismatch)

	unknown := textStreamMetadata(key.PublicKeyHex())
	unknown.Compression = "lz4"
	_, err = NewStreamWriterWithDefaults(ctx, unknown, key, relay, compression, encryption)
	assert.NotEqual(t, err, nil)

	encrypted := textStreamMetadata(key.PublicKeyHex())
	encrypted.Encryption = EncryptionNip44
	_, err = NewStreamWriterWithDefaults(ctx, encrypted, key, relay, compression, encryption)
	assert.Equal(t, err, ErrReceiverKeyMissing)

	badVersion := textStreamMetadata(key.PublicKeyHex())
	badVersion.Version = "2"
	_, err = NewStreamWriterWithDefaults(ctx, badVersion, key, relay, compression, encryption)
	assert.Equal(t, errors.Is(err, ErrVersionUnsupported), true)

	tiny := textStreamMetadata(key.PublicKeyHex())
	settings := DefaultStreamWriterSettings()
	settings.MaxChunkSize = 4
	_, err = NewStreamWriter(ctx, tiny, key, relay, compression, encryption, settings)
	assert.NotEqual(t, err, nil)
}

// orders the chunk events stored on a relay by walking the prev chain
func storedChain(ctx context.Context, relay RelayTransport, streamId string, relays []string) []*Event {
	byPrev := map[string]*Event{}
	subscription, err := relay.Subscribe(ctx, &Filter{
		Authors: []string{streamId},
		Kinds:   []int{KindStreamChunk},
	}, relays, func(event *Event) {
		if info, ok := parseChunkInfo(event); ok {
			byPrev[info.prev] = event
		}
	})
	if err != nil {
		panic(err)
	}
	subscription.Close()

	chain := []*Event{}
	prev := ""
	for {
		event, ok := byPrev[prev]
		if !ok {
			return chain
		}
		chain = append(chain, event)
		prev = event.Id
	}
}

// a transport where no relay ever accepts
type rejectTransport struct {
}

func (self *rejectTransport) Publish(ctx context.Context, event *Event, relays []string) ([]string, error) {
	return []string{}, nil
}

func (self *rejectTransport) Subscribe(ctx context.Context, filter *Filter, relays []string, onEvent func(*Event)) (Subscription, error) {
	return nil, errors.New("subscribe unsupported")
}

func textStreamMetadata(streamId string) *StreamMetadata {
	return &StreamMetadata{
		StreamId:    streamId,
		Relays:      []string{"wss://relay.test"},
		Compression: CompressionNone,
		Encryption:  EncryptionNone,
	}
}

func requireChunkEvent(key *StreamKey, index int64, status string, prev string, content string) *Event {
	event := &Event{
		Kind:    KindStreamChunk,
		Tags:    chunkTags(index, status, prev),
		Content: content,
	}
	if err := key.SignEvent(event); err != nil {
		panic(err)
	}
	return event
}
