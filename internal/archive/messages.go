package archive

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Message is one case conversation entry included in an archive.
type Message struct {
	Sender string    `json:"sender"`
	Body   string    `json:"body"`
	SentAt time.Time `json:"sentAt"`
}

// MessageSource supplies the conversation for a case. Messaging itself
// lives outside this service.
type MessageSource interface {
	ListMessages(ctx context.Context, caseID string) ([]Message, error)
}

// NoMessages is a MessageSource with an empty conversation for every case.
type NoMessages struct{}

func (NoMessages) ListMessages(context.Context, string) ([]Message, error) { return nil, nil }

// MemoryMessages holds conversations in memory.
type MemoryMessages struct {
	mu   sync.RWMutex
	byID map[string][]Message
}

func NewMemoryMessages() *MemoryMessages {
	return &MemoryMessages{byID: make(map[string][]Message)}
}

// Add appends a message to the case conversation.
func (m *MemoryMessages) Add(caseID string, msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[caseID] = append(m.byID[caseID], msg)
}

// ListMessages returns the conversation oldest first.
func (m *MemoryMessages) ListMessages(_ context.Context, caseID string) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Message, len(m.byID[caseID]))
	copy(out, m.byID[caseID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out, nil
}
