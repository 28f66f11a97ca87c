package sandbox

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"
)

// cappedBuffer keeps at most limit bytes and counts the rest.
// Excess data is discarded, not an error.
type cappedBuffer struct {
	mu        sync.Mutex
	b         strings.Builder
	remaining int
	dropped   int
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{remaining: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.WriteString(string(p))
	return len(p), nil
}

func (c *cappedBuffer) WriteString(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remaining <= 0 {
		c.dropped += len(s)
		return
	}
	if len(s) > c.remaining {
		kept := truncateUTF8(s, c.remaining)
		c.dropped += len(s) - len(kept)
		s = kept
		// The cut point may land mid-rune; stop accepting input either way.
		c.remaining = 0
	} else {
		c.remaining -= len(s)
	}
	c.b.WriteString(s)
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.b.String()
}

func (c *cappedBuffer) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// truncateUTF8 returns the longest prefix of s of at most n bytes that does
// not split a multi-byte rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func markTruncated(r *Result, dropped, limit int) {
	if dropped <= 0 {
		return
	}
	r.Truncated = true
	r.Warning = fmt.Sprintf("output truncated: %d bytes dropped (limit %d bytes per stream)", dropped, limit)
}
