package flutter

import (
	"sync"
	"time"

	"flutter-sim-mcp/internal/domain"
)

// DefaultLogBufferSize is the number of lines a LogBuffer retains when no size is configured.
const DefaultLogBufferSize = 1000

// DefaultLogLimit is the default number of lines returned by Logs when no limit is specified.
const DefaultLogLimit = 100

// LogBuffer is a thread-safe, bounded line buffer that drops the oldest line
// when capacity is exceeded. Every line gets a sequence index that is never
// reused, so pollers can resume from the index they last saw.
type LogBuffer struct {
	mu        sync.Mutex
	entries   []domain.LogEntry // circular; start is the oldest entry
	start     int
	count     int
	max       int
	nextIndex int
	now       func() time.Time
}

// NewLogBuffer creates a LogBuffer holding at most maxLines entries.
func NewLogBuffer(maxLines int) *LogBuffer {
	if maxLines <= 0 {
		maxLines = DefaultLogBufferSize
	}
	return &LogBuffer{
		entries: make([]domain.LogEntry, maxLines),
		max:     maxLines,
		now:     time.Now,
	}
}

// Append stores a line under the next sequence index, evicting the oldest
// entry if the buffer is full.
func (b *LogBuffer) Append(line string) domain.LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := domain.LogEntry{Line: line, Timestamp: b.now(), Index: b.nextIndex}
	b.nextIndex++

	if b.count < b.max {
		b.entries[(b.start+b.count)%b.max] = entry
		b.count++
		return entry
	}
	b.entries[b.start] = entry
	b.start = (b.start + 1) % b.max
	return entry
}

// Logs returns retained entries with Index >= fromIndex, oldest first,
// truncated to limit. A fromIndex past the newest entry yields an empty slice.
func (b *LogBuffer) Logs(fromIndex, limit int) []domain.LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	if limit <= 0 {
		limit = DefaultLogLimit
	}
	if b.count == 0 {
		return []domain.LogEntry{}
	}

	// Indices are contiguous, so the offset of fromIndex is a subtraction.
	first := b.entries[b.start].Index
	offset := fromIndex - first
	if offset < 0 {
		offset = 0
	}
	if offset >= b.count {
		return []domain.LogEntry{}
	}

	n := min(b.count-offset, limit)
	out := make([]domain.LogEntry, n)
	for i := range n {
		out[i] = b.entries[(b.start+offset+i)%b.max]
	}
	return out
}

// Recent returns the last n retained entries, oldest first.
func (b *LogBuffer) Recent(n int) []domain.LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	n = min(max(n, 0), b.count)
	out := make([]domain.LogEntry, n)
	skip := b.count - n
	for i := range n {
		out[i] = b.entries[(b.start+skip+i)%b.max]
	}
	return out
}

// NextIndex returns the index the next appended line will receive.
func (b *LogBuffer) NextIndex() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextIndex
}

// TotalLines returns the number of retained lines, not the lifetime total.
func (b *LogBuffer) TotalLines() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Clear drops all entries and resets the index counter to zero.
// Any cursor held by a poller is invalidated.
func (b *LogBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.entries)
	b.start = 0
	b.count = 0
	b.nextIndex = 0
}
