// Package syncbuffer is a bytes.Buffer that is safe to write from one goroutine
// (a child process's output copier) while reading from another.
package syncbuffer

import (
	"bytes"
	"strings"
	"sync"
)

type SyncBuffer struct {
	mu  sync.RWMutex
	buf bytes.Buffer
}

func (b *SyncBuffer) Write(p []byte) (n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *SyncBuffer) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.buf.String()
}

// Lines returns the complete lines written so far, without a trailing partial line.
func (b *SyncBuffer) Lines() []string {
	s := b.String()
	i := strings.LastIndexByte(s, '\n')
	if i < 0 {
		return nil
	}
	return strings.Split(s[:i], "\n")
}
