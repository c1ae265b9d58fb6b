package wirelay

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestLocalRelayPublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeout := 5 * time.Second

	relay := NewLocalRelayWithDefaults(ctx)
	defer relay.Close()

	key := requireStreamKey()
	relays := []string{"wss://relay.test"}

	events := make(chan *Event, 16)
	filter := &Filter{
		Authors: []string{key.PublicKeyHex()},
		Kinds:   []int{KindStreamChunk},
	}
	subscription, err := relay.Subscribe(ctx, filter, relays, func(event *Event) {
		events <- event
	})
	assert.Equal(t, err, nil)
	defer subscription.Close()

	published := requireChunkEvent(key, 0, StatusActive, "", "hello")
	accepted, err := relay.Publish(ctx, published, relays)
	assert.Equal(t, err, nil)
	assert.Equal(t, accepted, relays)

	select {
	case event := <-events:
		assert.Equal(t, event.Id, published.Id)
		assert.Equal(t, event.Content, "hello")
	case <-time.After(timeout):
		t.FailNow()
	}

	// duplicate publish is accepted but not fanned out again
	accepted, err = relay.Publish(ctx, published, relays)
	assert.Equal(t, err, nil)
	assert.Equal(t, accepted, relays)
	select {
	case <-events:
		t.FailNow()
	case <-time.After(100 * time.Millisecond):
	}

	// an author the filter does not name is not delivered
	other := requireStreamKey()
	unrelated := requireChunkEvent(other, 0, StatusActive, "", "unrelated")
	_, err = relay.Publish(ctx, unrelated, relays)
	assert.Equal(t, err, nil)
	select {
	case <-events:
		t.FailNow()
	case <-time.After(100 * time.Millisecond):
	}

	// a closed subscription is not delivered
	subscription.Close()
	late := requireChunkEvent(key, 1, StatusActive, published.Id, "late")
	_, err = relay.Publish(ctx, late, relays)
	assert.Equal(t, err, nil)
	select {
	case <-events:
		t.FailNow()
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLocalRelayReplay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := NewLocalRelayWithDefaults(ctx)
	defer relay.Close()

	key := requireStreamKey()
	relays := []string{"wss://relay.test"}

	prev := ""
	ids := []string{}
	for i := 0; i < 3; i += 1 {
		event := requireChunkEvent(key, int64(i), StatusActive, prev, fmt.Sprintf("m%d", i))
		_, err := relay.Publish(ctx, event, relays)
		assert.Equal(t, err, nil)
		prev = event.Id
		ids = append(ids, event.Id)
	}

	filter := &Filter{
		Authors: []string{key.PublicKeyHex()},
	}

	// stored events replay in insertion order before Subscribe returns
	replayed := []string{}
	subscription, err := relay.Subscribe(ctx, filter, relays, func(event *Event) {
		replayed = append(replayed, event.Id)
	})
	assert.Equal(t, err, nil)
	subscription.Close()
	assert.Equal(t, replayed, ids)

	// limit keeps the newest stored events
	limited := []string{}
	subscription, err = relay.Subscribe(ctx, &Filter{Authors: filter.Authors, Limit: 2}, relays, func(event *Event) {
		limited = append(limited, event.Id)
	})
	assert.Equal(t, err, nil)
	subscription.Close()
	assert.Equal(t, limited, ids[1:])
}

func TestLocalRelayRejects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := NewLocalRelay(ctx, &LocalRelaySettings{
		StoreSize:    16,
		MaxEventSize: 256,
		VerifyEvents: true,
	})
	defer relay.Close()

	key := requireStreamKey()
	relays := []string{"wss://relay.test"}

	event := requireChunkEvent(key, 0, StatusActive, "", "x")
	tampered := *event
	tampered.Content = "y"
	_, err := relay.Publish(ctx, &tampered, relays)
	assert.NotEqual(t, err, nil)

	big := requireChunkEvent(key, 0, StatusActive, "", strings.Repeat("a", 1024))
	_, err = relay.Publish(ctx, big, relays)
	assert.NotEqual(t, err, nil)

	_, err = relay.Publish(ctx, event, relays)
	assert.Equal(t, err, nil)
}
