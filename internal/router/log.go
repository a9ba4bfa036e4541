package router

import (
	"sync"

	"github.com/Tyrowin/chatrelay/internal/protocol"
)

// Entry is a message as recorded in a channel log.
type Entry struct {
	Sequence uint64
	Message  protocol.ChatMessage
}

// Log is an append-only, per-channel ordered record of accepted messages.
// Sequence numbers start at 1 in every channel and follow append order.
type Log interface {
	Append(msg protocol.ChatMessage) (uint64, error)
	// List returns the most recent limit entries of channel in append order.
	// A non-positive limit returns the whole channel.
	List(channel string, limit int) ([]Entry, error)
	Len(channel string) int
	Close() error
}

// MemoryLog keeps every channel in a slice.
type MemoryLog struct {
	mu       sync.RWMutex
	channels map[string][]Entry
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{channels: make(map[string][]Entry)}
}

func (l *MemoryLog) Append(msg protocol.ChatMessage) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seq := uint64(len(l.channels[msg.Channel]) + 1)
	l.channels[msg.Channel] = append(l.channels[msg.Channel], Entry{Sequence: seq, Message: msg})
	return seq, nil
}

func (l *MemoryLog) List(channel string, limit int) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entries := l.channels[channel]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return append([]Entry(nil), entries...), nil
}

func (l *MemoryLog) Len(channel string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.channels[channel])
}

func (l *MemoryLog) Close() error { return nil }
