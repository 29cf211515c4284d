package testutils

import (
	"bytes"
	"strings"
	"sync"
)

// SafeWriteBuffer collects output written from several goroutines, such as
// log lines from the interrupt line and the foreground.
type SafeWriteBuffer struct {
	bufferLock sync.Mutex
	buffer     bytes.Buffer
}

func (swb *SafeWriteBuffer) Write(p []byte) (n int, err error) {
	swb.bufferLock.Lock()
	defer swb.bufferLock.Unlock()
	return swb.buffer.Write(p)
}

func (swb *SafeWriteBuffer) String() string {
	swb.bufferLock.Lock()
	defer swb.bufferLock.Unlock()
	return swb.buffer.String()
}

func (swb *SafeWriteBuffer) Len() int {
	swb.bufferLock.Lock()
	defer swb.bufferLock.Unlock()
	return swb.buffer.Len()
}

// Contains reports whether any write so far included s.
func (swb *SafeWriteBuffer) Contains(s string) bool {
	return strings.Contains(swb.String(), s)
}

// Lines returns the complete lines written so far.
func (swb *SafeWriteBuffer) Lines() []string {
	s := swb.String()
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimRight(s, "\n"), "\n")
}
