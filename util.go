package wirelay

import (
	"time"
	"unicode/utf8"
)

// paces connection attempts. created at the start of an attempt, After fires
// once the timeout has elapsed since creation, so a fast failure still waits
// out the remainder.
type Reconnect struct {
	startTime time.Time
	timeout   time.Duration
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		startTime: time.Now(),
		timeout:   timeout,
	}
}

func (self *Reconnect) After() <-chan time.Time {
	return time.After(self.timeout - time.Since(self.startTime))
}

func splitBytes(data []byte, partSize ByteCount) [][]byte {
	parts := [][]byte{}
	for start := 0; start < len(data); start += int(partSize) {
		end := min(start+int(partSize), len(data))
		parts = append(parts, data[start:end])
	}
	return parts
}

// splits on rune boundaries so every part stays valid utf8. parts are at
// most partSize bytes, except a single rune wider than partSize.
func splitText(text string, partSize ByteCount) []string {
	parts := []string{}
	start := 0
	for i, r := range text {
		if ByteCount(i-start+utf8.RuneLen(r)) > partSize && start < i {
			parts = append(parts, text[start:i])
			start = i
		}
	}
	if start < len(text) {
		parts = append(parts, text[start:])
	}
	return parts
}
