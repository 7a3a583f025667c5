package process

import "sync"

// logBuffer is a growing byte buffer with blocking readers. Writers append;
// each subscriber keeps its own cursor and only ever sees new bytes.
type logBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	data   []byte
	closed bool
}

func newLogBuffer() *logBuffer {
	b := &logBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	b.data = append(b.data, p...)
	b.cond.Broadcast()
	b.mu.Unlock()
	return len(p), nil
}

// close marks end of stream and wakes all readers.
func (b *logBuffer) close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Snapshot copies the current contents.
func (b *logBuffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// wake interrupts blocked readers so they can notice cancellation.
func (b *logBuffer) wake() {
	b.mu.Lock()
	b.cond.Broadcast()
	b.mu.Unlock()
}

// next blocks until bytes past cursor exist, the buffer is closed, or stop
// reports true. The last return is false once there is nothing left to read.
func (b *logBuffer) next(cursor int, stop func() bool) ([]byte, int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for cursor >= len(b.data) && !b.closed && !stop() {
		b.cond.Wait()
	}
	if cursor < len(b.data) {
		chunk := make([]byte, len(b.data)-cursor)
		copy(chunk, b.data[cursor:])
		return chunk, len(b.data), true
	}
	return nil, cursor, false
}
