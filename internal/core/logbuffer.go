package core

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// LogEntry is a single structured log line captured by the daemon.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	ScanID    string    `json:"scan_id,omitempty"`
	Message   string    `json:"message"`
}

// LogRingBuffer captures the most recent log lines so the API can serve
// them without touching disk. It implements io.Writer and expects zerolog
// JSON lines; anything unparseable is kept as a bare message.
type LogRingBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	pos     int
	full    bool
}

// NewLogRingBuffer creates a buffer holding up to size entries.
func NewLogRingBuffer(size int) *LogRingBuffer {
	if size <= 0 {
		size = 512
	}
	return &LogRingBuffer{entries: make([]LogEntry, size)}
}

// Write implements io.Writer for use as a zerolog output.
func (b *LogRingBuffer) Write(p []byte) (int, error) {
	entry := parseLogLine(p)

	b.mu.Lock()
	b.entries[b.pos] = entry
	b.pos = (b.pos + 1) % len(b.entries)
	if b.pos == 0 {
		b.full = true
	}
	b.mu.Unlock()
	return len(p), nil
}

// Recent returns up to n entries, oldest first.
func (b *LogRingBuffer) Recent(n int) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := b.pos
	if b.full {
		total = len(b.entries)
	}
	if n <= 0 || n > total {
		n = total
	}

	out := make([]LogEntry, 0, n)
	start := b.pos - n
	if !b.full && start < 0 {
		start = 0
	}
	for i := 0; i < n; i++ {
		idx := start + i
		if idx < 0 {
			idx += len(b.entries)
		}
		out = append(out, b.entries[idx%len(b.entries)])
	}
	return out
}

func parseLogLine(p []byte) LogEntry {
	entry := LogEntry{Timestamp: time.Now().UTC()}

	var fields map[string]interface{}
	if err := json.Unmarshal(p, &fields); err != nil {
		entry.Message = strings.TrimSpace(string(p))
		return entry
	}
	if v, ok := fields["time"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			entry.Timestamp = ts
		}
	}
	if v, ok := fields["level"].(string); ok {
		entry.Level = v
	}
	if v, ok := fields["component"].(string); ok {
		entry.Component = v
	}
	if v, ok := fields["scan_id"].(string); ok {
		entry.ScanID = v
	}
	if v, ok := fields["message"].(string); ok {
		entry.Message = v
	}
	return entry
}
