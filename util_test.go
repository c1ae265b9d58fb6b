package wirelay

import (
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestSplitBytes(t *testing.T) {
	data := []byte{0, 1, 2, 3, 4, 5, 6}

	parts := splitBytes(data, 3)
	assert.Equal(t, parts, [][]byte{{0, 1, 2}, {3, 4, 5}, {6}})

	parts = splitBytes(data, 100)
	assert.Equal(t, parts, [][]byte{data})

	parts = splitBytes([]byte{}, 3)
	assert.Equal(t, len(parts), 0)
}

func TestSplitText(t *testing.T) {
	parts := splitText("abcdef", 2)
	assert.Equal(t, parts, []string{"ab", "cd", "ef"})

	// parts never split inside a rune
	parts = splitText("aé🎉b", 3)
	for _, part := range parts {
		assert.Equal(t, part, string([]rune(part)))
	}
	assert.Equal(t, strings.Join(parts, ""), "aé🎉b")

	// a rune wider than the part size stays whole
	parts = splitText("🎉", 1)
	assert.Equal(t, parts, []string{"🎉"})

	parts = splitText("", 4)
	assert.Equal(t, len(parts), 0)
}

func TestReconnectPacesRetries(t *testing.T) {
	timeout := 5 * time.Second

	// a fast failure still waits out the remainder
	reconnect := NewReconnect(150 * time.Millisecond)
	startTime := time.Now()
	select {
	case <-reconnect.After():
	case <-time.After(timeout):
		t.FailNow()
	}
	elapsed := time.Since(startTime)
	assert.Equal(t, 100*time.Millisecond <= elapsed, true)

	// a slow attempt does not wait again
	reconnect = NewReconnect(50 * time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	startTime = time.Now()
	select {
	case <-reconnect.After():
	case <-time.After(timeout):
		t.FailNow()
	}
	assert.Equal(t, time.Since(startTime) < 50*time.Millisecond, true)
}
