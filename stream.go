package wirelay

import (
	"fmt"
	"slices"
	"strconv"
)

type StreamSide int

const (
	WriterSide StreamSide = 0
	ReaderSide StreamSide = 1
)

// the immutable contract describing a stream. created once, shared by both
// sides out of band, never mutated after construction.
type StreamMetadata struct {
	// sender public key (64 hex chars). expected author of every chunk.
	StreamId string
	// relay urls. non-empty, ordered.
	Relays []string
	// protocol version. "" defaults to StreamVersion.
	Version string
	// payload is raw bytes (true) or text (false)
	Binary bool
	// compression algorithm id. "none" is valid, "" is not.
	Compression string
	// encryption algorithm id. "none" is valid, "" is not.
	Encryption string
	// required when Encryption != "none"
	ReceiverPublicKey string
	// reader side only. must derive ReceiverPublicKey.
	ReceiverSecretKey string
}

func (self *StreamMetadata) Validate(side StreamSide) error {
	if self.StreamId == "" {
		return ErrStreamIdMissing
	}
	if len(self.Relays) == 0 {
		return ErrRelaysMissing
	}
	if self.Version != "" && self.Version != StreamVersion {
		return fmt.Errorf("%w: %s", ErrVersionUnsupported, self.Version)
	}
	if self.Compression == "" {
		return ErrCompressionMissing
	}
	if self.Encryption == "" {
		return ErrEncryptionMissing
	}
	if self.Encryption != EncryptionNone {
		if self.ReceiverPublicKey == "" {
			return ErrReceiverKeyMissing
		}
		if side == ReaderSide {
			if self.ReceiverSecretKey == "" {
				return ErrReceiverKeyMissing
			}
			publicKey, err := DerivePublicKeyHex(self.ReceiverSecretKey)
			if err != nil {
				return err
			}
			if publicKey != self.ReceiverPublicKey {
				return ErrReceiverKeyMismatch
			}
		}
	}
	return nil
}

// decoded payloads are bytes when the stream is binary or compressed.
// otherwise raw text travels as-is through the event content.
func (self *StreamMetadata) contentIsBytes() bool {
	return self.Binary || self.Compression != CompressionNone
}

func (self *StreamMetadata) copy() *StreamMetadata {
	copy_ := *self
	copy_.Relays = slices.Clone(self.Relays)
	return &copy_
}

// the per-chunk tag schema. one chunk is one event of kind KindStreamChunk:
//
//	["i", "<index>"]     sender-assigned, monotone from 0. diagnostic only.
//	["status", "active"|"done"|"error"]
//	["prev", "<event id of the previous chunk>"]   absent on chunk 0
//
// ordering is reconstructed from prev alone, never from i.
type chunkInfo struct {
	index  int64
	status string
	prev   string
}

func (self *chunkInfo) terminal() bool {
	return self.status == StatusDone || self.status == StatusError
}

func chunkTags(index int64, status string, prev string) []Tag {
	tags := []Tag{
		Tag{TagIndex, strconv.FormatInt(index, 10)},
		Tag{TagStatus, status},
	}
	if prev != "" {
		tags = append(tags, Tag{TagPrev, prev})
	}
	return tags
}

// extracts the chunk tags from an event. events missing a parsable index or
// a known status are not chunks of any stream and are dropped as noise.
func parseChunkInfo(event *Event) (*chunkInfo, bool) {
	if !event.HasTag(TagIndex) || !event.HasTag(TagStatus) {
		return nil, false
	}
	index, err := strconv.ParseInt(event.TagValue(TagIndex), 10, 64)
	if err != nil || index < 0 {
		return nil, false
	}
	status := event.TagValue(TagStatus)
	switch status {
	case StatusActive, StatusDone, StatusError:
	default:
		return nil, false
	}
	return &chunkInfo{
		index:  index,
		status: status,
		prev:   event.TagValue(TagPrev),
	}, true
}
