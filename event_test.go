package wirelay

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestEventSerialize(t *testing.T) {
	event := &Event{
		PubKey:    "8d3ab3a3e1c8d58e1a0a5a21f2e4c924e0d1a7f5f0d9c2b3a4e5f60718293a4b",
		CreatedAt: 1700000000,
		Kind:      KindStreamChunk,
		Tags: []Tag{
			Tag{"i", "0"},
			Tag{"status", "active"},
		},
		Content: "say \"hi\"\n\tdone\\",
	}
	expected := `[0,"8d3ab3a3e1c8d58e1a0a5a21f2e4c924e0d1a7f5f0d9c2b3a4e5f60718293a4b",1700000000,20111,[["i","0"],["status","active"]],"say \"hi\"\n\tdone\\"]`
	assert.Equal(t, string(event.Serialize()), expected)

	bare := &Event{
		PubKey:    "ab",
		CreatedAt: 5,
		Kind:      1,
		Tags:      []Tag{},
		Content:   "",
	}
	assert.Equal(t, string(bare.Serialize()), `[0,"ab",5,1,[],""]`)

	control := &Event{
		Tags:    []Tag{},
		Content: "\x01x",
	}
	assert.Equal(t, string(control.Serialize()), `[0,"",0,0,[],"\u0001x"]`)
}

func TestEventId(t *testing.T) {
	event := &Event{
		PubKey:    "ab",
		CreatedAt: 1700000000,
		Kind:      KindStreamChunk,
		Tags:      []Tag{},
		Content:   "hello",
	}
	id := event.ComputeId()
	assert.Equal(t, len(id), 64)
	// the id is a pure function of the fields
	assert.Equal(t, event.ComputeId(), id)

	event.Content = "hello2"
	assert.NotEqual(t, event.ComputeId(), id)
}

func TestSignVerify(t *testing.T) {
	key := requireStreamKey()

	event := &Event{
		Kind:    KindStreamChunk,
		Tags:    chunkTags(0, StatusActive, ""),
		Content: "hello",
	}
	err := key.SignEvent(event)
	assert.Equal(t, err, nil)
	assert.Equal(t, event.PubKey, key.PublicKeyHex())
	assert.NotEqual(t, event.CreatedAt, int64(0))
	assert.Equal(t, event.Id, event.ComputeId())
	assert.Equal(t, VerifyEvent(event), nil)

	// content change breaks the id
	tampered := *event
	tampered.Content = "hell0"
	assert.NotEqual(t, VerifyEvent(&tampered), nil)

	// recomputing the id does not help without the key
	tampered.Id = tampered.ComputeId()
	assert.NotEqual(t, VerifyEvent(&tampered), nil)

	// author swap breaks the signature
	other := requireStreamKey()
	swapped := *event
	swapped.PubKey = other.PublicKeyHex()
	assert.NotEqual(t, VerifyEvent(&swapped), nil)

	malformed := *event
	malformed.Sig = "zz"
	assert.NotEqual(t, VerifyEvent(&malformed), nil)
}

func TestStreamKeyFromHex(t *testing.T) {
	key := requireStreamKey()

	restored, err := StreamKeyFromHex(key.SecretHex())
	assert.Equal(t, err, nil)
	assert.Equal(t, restored.PublicKeyHex(), key.PublicKeyHex())

	publicKey, err := DerivePublicKeyHex(key.SecretHex())
	assert.Equal(t, err, nil)
	assert.Equal(t, publicKey, key.PublicKeyHex())
	assert.Equal(t, len(publicKey), 64)

	_, err = StreamKeyFromHex("zz")
	assert.NotEqual(t, err, nil)
	_, err = StreamKeyFromHex("abcd")
	assert.NotEqual(t, err, nil)
}

func TestTagValue(t *testing.T) {
	event := &Event{
		Tags: []Tag{
			Tag{"i", "3"},
			Tag{"status", "active"},
			Tag{"empty"},
		},
	}
	assert.Equal(t, event.TagValue("i"), "3")
	assert.Equal(t, event.TagValue("status"), "active")
	assert.Equal(t, event.TagValue("empty"), "")
	assert.Equal(t, event.TagValue("missing"), "")
	assert.Equal(t, event.HasTag("empty"), true)
	assert.Equal(t, event.HasTag("missing"), false)
}

func requireStreamKey() *StreamKey {
	key, err := GenerateStreamKey()
	if err != nil {
		panic(err)
	}
	return key
}
