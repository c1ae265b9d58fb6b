package wirelay

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

/*
Point-to-point streams over relay publish/subscribe with properties:
- chunks are eventually delivered while the stream is active, in write order
- delivery order does not depend on relay arrival order (chunks form a
  signed chain and the receiver walks the chain)
- one producer and one consumer per stream
- payloads are optionally compressed and encrypted per stream
- bounded resource usage on both sides (in-flight publish gate, chunk and
  byte ceilings, stall watchdog)

Logging convention for this package:
Info:
    abnormal events only. publish rejections, watchdog expiries, abnormal
    exits. silent during normal operation.
V(1):
    per-stream lifecycle. open, terminal transitions, teardown.
V(2):
    per-chunk detail. publish, ingest, chain advance. frequent events are
    summarized where possible rather than logged per message.
*/

// protocol version accepted in stream metadata
const StreamVersion = "1"

// event kind for stream chunk messages. in the ephemeral range so relays
// keep chunks in their recent window without persisting them forever.
const KindStreamChunk = 20111

const (
	StatusActive = "active"
	StatusDone   = "done"
	StatusError  = "error"
)

const (
	TagIndex  = "i"
	TagStatus = "status"
	TagPrev   = "prev"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return hex.EncodeToString(self[0:16])
}

// use this type when counting bytes
type ByteCount = int64

func kib(c ByteCount) ByteCount {
	return c * ByteCount(1024)
}

func mib(c ByteCount) ByteCount {
	return c * ByteCount(1024*1024)
}

func Kib(c ByteCount) ByteCount {
	return kib(c)
}

func Mib(c ByteCount) ByteCount {
	return mib(c)
}

func formatByteCount(c ByteCount) string {
	if mib(1) <= c {
		return fmt.Sprintf("%.1fmib", float64(c)/float64(mib(1)))
	}
	if kib(1) <= c {
		return fmt.Sprintf("%.1fkib", float64(c)/float64(kib(1)))
	}
	return fmt.Sprintf("%db", c)
}
