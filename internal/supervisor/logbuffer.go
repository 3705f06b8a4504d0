package supervisor

import (
	"context"
	"sync"

	otelpkg "github.com/clawdeck/clawdeck/internal/otel"
)

// LogBuffer keeps the most recent gateway output lines in a bounded buffer.
// Appends amortize truncation: the slice grows to twice the limit before the
// oldest half is dropped in one copy. Producers never block on readers; live
// subscribers with full channels miss lines instead of stalling the pump.
type LogBuffer struct {
	metrics *otelpkg.Metrics

	mu      sync.Mutex
	max     int
	lines   []string
	nextSub int
	subs    map[int]chan string
}

// NewLogBuffer bounds the buffer at max retained lines.
func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 2000
	}
	return &LogBuffer{
		max:   max,
		lines: make([]string, 0, max),
		subs:  make(map[int]chan string),
	}
}

// Append stores one line and fans it out to subscribers.
func (b *LogBuffer) Append(line string) {
	if b.metrics != nil {
		b.metrics.LogLines.Add(context.Background(), 1)
	}
	b.mu.Lock()
	b.lines = append(b.lines, line)
	if len(b.lines) >= 2*b.max {
		kept := b.lines[len(b.lines)-b.max:]
		b.lines = append(b.lines[:0], kept...)
	}
	for _, ch := range b.subs {
		select {
		case ch <- line:
		default:
		}
	}
	b.mu.Unlock()
}

// Tail returns a copy of the last n lines, oldest first.
func (b *LogBuffer) Tail(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || len(b.lines) == 0 {
		return nil
	}
	start := len(b.lines) - n
	if floor := len(b.lines) - b.max; floor > 0 && start < floor {
		start = floor
	}
	if start < 0 {
		start = 0
	}
	out := make([]string, len(b.lines)-start)
	copy(out, b.lines[start:])
	return out
}

// Len reports the number of retained lines.
func (b *LogBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.lines)
	if n > b.max {
		n = b.max
	}
	return n
}

// Subscribe returns a channel receiving every line appended after the call,
// plus a cancel func that must be called when done. The channel is buffered;
// a full channel drops lines for that subscriber only.
func (b *LogBuffer) Subscribe() (<-chan string, func()) {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	ch := make(chan string, 64)
	b.subs[id] = ch
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.LogSubscribers.Add(context.Background(), 1)
	}
	cancel := func() {
		b.mu.Lock()
		_, ok := b.subs[id]
		if ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
		if ok && b.metrics != nil {
			b.metrics.LogSubscribers.Add(context.Background(), -1)
		}
	}
	return ch, cancel
}
