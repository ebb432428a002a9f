package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEmptyKey   = errors.New("ledger key must not be empty")
	ErrEmptyValue = errors.New("ledger value must not be empty")
)

// KeyModification is one entry of a key's history: the value written by one
// committed transaction.
type KeyModification struct {
	Key         string
	TxID        string
	Value       []byte
	CommittedAt time.Time
}

// HistoryIterator walks the history of a single key. It is single-pass and
// must be closed; Close is safe to call more than once.
type HistoryIterator interface {
	// Next returns the next entry, or io.EOF once the history is exhausted.
	Next() (KeyModification, error)
	Close() error
}

// Reader is the read side of the ledger consumed by the query engine.
type Reader interface {
	// GetState returns the latest value for key, or nil when the key was
	// never written.
	GetState(ctx context.Context, key string) ([]byte, error)
	// GetHistoryForKey returns an iterator over every value ever written
	// under key, in the order the backend keeps them.
	GetHistoryForKey(ctx context.Context, key string) (HistoryIterator, error)
}

// Writer appends a new value under a key. Earlier values stay in the history.
type Writer interface {
	PutState(ctx context.Context, key string, value []byte) error
}

// Store is the full record store contract.
type Store interface {
	Reader
	Writer
}

type txIDKey struct{}

// ContextWithTxID pins the transaction id recorded with the next write.
func ContextWithTxID(ctx context.Context, txID string) context.Context {
	return context.WithValue(ctx, txIDKey{}, txID)
}

// TxIDFromContext returns the pinned transaction id or a fresh one.
func TxIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(txIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// ValidateWrite checks the invariants every backend enforces on PutState.
func ValidateWrite(key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	if len(value) == 0 {
		return ErrEmptyValue
	}
	return nil
}
