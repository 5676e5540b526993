package client

import "sync"

// DefaultTailSize is how much server stderr a client keeps.
const DefaultTailSize = 8 * 1024

// tailBuffer is a fixed-size circular byte buffer keeping the most recent
// output. Writes never fail and never block.
type tailBuffer struct {
	mu       sync.Mutex
	data     []byte
	capacity int
	pos      int
	total    uint64
}

func newTailBuffer(capacity int) *tailBuffer {
	if capacity <= 0 {
		capacity = DefaultTailSize
	}
	return &tailBuffer{data: make([]byte, capacity), capacity: capacity}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	src := p
	if len(src) > b.capacity {
		src = src[len(src)-b.capacity:]
	}
	for off := 0; off < len(src); {
		n := copy(b.data[b.pos:], src[off:])
		b.pos = (b.pos + n) % b.capacity
		off += n
	}
	b.total += uint64(len(p))
	return len(p), nil
}

// String returns the retained bytes, oldest first.
func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.total < uint64(b.capacity) {
		return string(b.data[:b.pos])
	}
	out := make([]byte, 0, b.capacity)
	out = append(out, b.data[b.pos:]...)
	out = append(out, b.data[:b.pos]...)
	return string(out)
}
