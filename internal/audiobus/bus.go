package audiobus

import (
	"context"
	"errors"
	"sync"

	"github.com/callbridge-labs/callbridge-core/internal/protocol"
)

var (
	// ErrBackpressure is returned by Push when the bus is full. The
	// transport owns flow control; frames are never silently dropped here.
	ErrBackpressure = errors.New("audio bus full")
	// ErrClosed is returned once the owning session is shutting down and
	// all buffered frames have been drained.
	ErrClosed = errors.New("audio bus closed")
)

// Bus is a bounded FIFO of inbound audio frames for one call. Single
// producer (transport) and single consumer (recognition).
type Bus struct {
	frames chan protocol.AudioFrame
	closed chan struct{}
	mu     sync.RWMutex
	done   bool
}

func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bus{
		frames: make(chan protocol.AudioFrame, capacity),
		closed: make(chan struct{}),
	}
}

// Push enqueues a frame without blocking.
func (b *Bus) Push(frame protocol.AudioFrame) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.done {
		return ErrClosed
	}
	select {
	case b.frames <- frame:
		return nil
	default:
		return ErrBackpressure
	}
}

// Pop blocks until a frame is available, the bus is closed, or ctx ends.
// Frames buffered before Close are still delivered.
func (b *Bus) Pop(ctx context.Context) (protocol.AudioFrame, error) {
	select {
	case frame := <-b.frames:
		return frame, nil
	case <-b.closed:
		select {
		case frame := <-b.frames:
			return frame, nil
		default:
			return protocol.AudioFrame{}, ErrClosed
		}
	case <-ctx.Done():
		return protocol.AudioFrame{}, ctx.Err()
	}
}

// Depth reports the number of buffered frames.
func (b *Bus) Depth() int {
	return len(b.frames)
}

// Close wakes the consumer. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	b.done = true
	close(b.closed)
}
