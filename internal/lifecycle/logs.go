package lifecycle

import (
	"sync"
	"time"
)

// LogEntry is a single line of container output.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"` // "stdout" or "stderr"
	Line      string    `json:"line"`
}

// LogBuffer is a thread-safe ring buffer retaining the last N log lines for
// one container and fanning out new lines to live subscribers.
type LogBuffer struct {
	mu          sync.RWMutex
	entries     []LogEntry
	maxEntries  int
	subscribers map[chan LogEntry]struct{}
}

func newLogBuffer(maxEntries int) *LogBuffer {
	return &LogBuffer{
		entries:     make([]LogEntry, 0, maxEntries),
		maxEntries:  maxEntries,
		subscribers: make(map[chan LogEntry]struct{}),
	}
}

func (lb *LogBuffer) Write(stream, line string) {
	entry := LogEntry{Timestamp: time.Now().UTC(), Stream: stream, Line: line}

	lb.mu.Lock()
	if len(lb.entries) >= lb.maxEntries {
		lb.entries = lb.entries[1:]
	}
	lb.entries = append(lb.entries, entry)
	for ch := range lb.subscribers {
		select {
		case ch <- entry:
		default:
		}
	}
	lb.mu.Unlock()
}

// Recent returns the last n entries, or all of them when n <= 0.
func (lb *LogBuffer) Recent(n int) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	total := len(lb.entries)
	if n <= 0 || n > total {
		n = total
	}
	start := total - n
	result := make([]LogEntry, n)
	copy(result, lb.entries[start:])
	return result
}

func (lb *LogBuffer) Subscribe() chan LogEntry {
	ch := make(chan LogEntry, 64)
	lb.mu.Lock()
	lb.subscribers[ch] = struct{}{}
	lb.mu.Unlock()
	return ch
}

func (lb *LogBuffer) Unsubscribe(ch chan LogEntry) {
	lb.mu.Lock()
	delete(lb.subscribers, ch)
	lb.mu.Unlock()
	close(ch)
}

const defaultLogCapacity = 2000

// LogRegistry holds one LogBuffer per Model, keyed by model id, feeding
// GET /admin/models/{id}/logs and its tail=N query.
type LogRegistry struct {
	mu      sync.Mutex
	buffers map[int64]*LogBuffer
}

func NewLogRegistry() *LogRegistry {
	return &LogRegistry{buffers: make(map[int64]*LogBuffer)}
}

// Buffer returns the buffer for modelID, creating it on first use.
func (r *LogRegistry) Buffer(modelID int64) *LogBuffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buffers[modelID]
	if !ok {
		b = newLogBuffer(defaultLogCapacity)
		r.buffers[modelID] = b
	}
	return b
}

// Drop discards the buffer for modelID, e.g. after the Model is deleted.
func (r *LogRegistry) Drop(modelID int64) {
	r.mu.Lock()
	delete(r.buffers, modelID)
	r.mu.Unlock()
}
