package ledger

import (
	"context"
	"io"
	"sync"
	"time"
)

// MemoryStore keeps every key's history in process memory, oldest first.
type MemoryStore struct {
	mu      sync.Mutex
	history map[string][]KeyModification
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{history: map[string][]KeyModification{}, now: func() time.Time { return time.Now().UTC() }}
}

func (m *MemoryStore) GetState(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[key]
	if len(h) == 0 {
		return nil, nil
	}
	return append([]byte(nil), h[len(h)-1].Value...), nil
}

func (m *MemoryStore) PutState(ctx context.Context, key string, value []byte) error {
	if err := ValidateWrite(key, value); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	txID := TxIDFromContext(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[key]
	for _, e := range h {
		if e.TxID == txID {
			return nil
		}
	}
	m.history[key] = append(h, KeyModification{
		Key:         key,
		TxID:        txID,
		Value:       append([]byte(nil), value...),
		CommittedAt: m.now(),
	})
	return nil
}

func (m *MemoryStore) GetHistoryForKey(ctx context.Context, key string) (HistoryIterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return &sliceIterator{entries: append([]KeyModification(nil), m.history[key]...)}, nil
}

// sliceIterator iterates a snapshot taken when the iterator was opened.
type sliceIterator struct {
	entries []KeyModification
	pos     int
	closed  bool
}

func (it *sliceIterator) Next() (KeyModification, error) {
	if it.closed || it.pos >= len(it.entries) {
		return KeyModification{}, io.EOF
	}
	e := it.entries[it.pos]
	it.pos++
	return e, nil
}

func (it *sliceIterator) Close() error {
	it.closed = true
	it.entries = nil
	return nil
}
