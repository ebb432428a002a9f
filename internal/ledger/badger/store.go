// Package badger keeps ledger history as Badger key versions. Each PutState
// commits a new version of the key and nothing is ever compacted away, so the
// version list of a key is its full history.
package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"worklog/internal/ledger"
)

// Config controls how the Badger database is opened.
type Config struct {
	// Dir is ignored when InMemory is set.
	Dir        string
	InMemory   bool
	SyncWrites bool
}

type Store struct {
	db  *badger.DB
	now func() time.Time
}

func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir).
		WithNumVersionsToKeep(math.MaxInt32).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(nil)
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("").WithInMemory(true)
	} else if cfg.Dir == "" {
		return nil, errors.New("badger: dir is required unless in-memory")
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// PutState writes a new version of key. Every applied tx id leaves a marker
// next to the key, so a replayed write is dropped even after later versions.
func (s *Store) PutState(ctx context.Context, key string, value []byte) error {
	if err := ledger.ValidateWrite(key, value); err != nil {
		return err
	}
	if err := checkKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	txID := ledger.TxIDFromContext(ctx)
	if len(txID) > math.MaxUint16 {
		return fmt.Errorf("put state %q: tx id too long", key)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		marker := txMarker(key, txID)
		_, err := txn.Get(marker)
		switch {
		case err == nil:
			return nil
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		if err := txn.Set(marker, nil); err != nil {
			return err
		}
		return txn.Set([]byte(key), encodeEnvelope(envelope{txID: txID, committedAt: s.now(), value: value}))
	})
	if err != nil {
		return fmt.Errorf("put state %q: %w", key, err)
	}
	return nil
}

func (s *Store) GetState(ctx context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			env, err := decodeEnvelope(v)
			if err != nil {
				return err
			}
			out = append([]byte(nil), env.value...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get state %q: %w", key, err)
	}
	return out, nil
}

// GetHistoryForKey walks every version of key, newest first. The iterator
// pins a read transaction until Close.
func (s *Store) GetHistoryForKey(ctx context.Context, key string) (ledger.HistoryIterator, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k := []byte(key)
	txn := s.db.NewTransaction(false)
	opts := badger.DefaultIteratorOptions
	opts.AllVersions = true
	opts.Prefix = k
	it := txn.NewIterator(opts)
	it.Seek(k)
	return &versionIterator{txn: txn, it: it, key: k}, nil
}

type versionIterator struct {
	txn    *badger.Txn
	it     *badger.Iterator
	key    []byte
	closed bool
}

func (v *versionIterator) Next() (ledger.KeyModification, error) {
	for !v.closed && v.it.Valid() {
		item := v.it.Item()
		if !bytes.Equal(item.Key(), v.key) {
			break
		}
		if item.IsDeletedOrExpired() {
			v.it.Next()
			continue
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return ledger.KeyModification{}, err
		}
		v.it.Next()
		env, err := decodeEnvelope(raw)
		if err != nil {
			return ledger.KeyModification{}, err
		}
		return ledger.KeyModification{
			Key:         string(v.key),
			TxID:        env.txID,
			Value:       env.value,
			CommittedAt: env.committedAt,
		}, nil
	}
	return ledger.KeyModification{}, io.EOF
}

func (v *versionIterator) Close() error {
	if v.closed {
		return nil
	}
	v.closed = true
	v.it.Close()
	v.txn.Discard()
	return nil
}

// txMarkerPrefix namespaces the applied tx id markers. Ledger keys may not
// start with it.
const txMarkerPrefix = "\x00tx\x00"

var errReservedKey = errors.New("badger: key uses the reserved tx marker prefix")

func txMarker(key, txID string) []byte {
	return []byte(txMarkerPrefix + key + "\x00" + txID)
}

func checkKey(key string) error {
	if strings.HasPrefix(key, txMarkerPrefix) {
		return errReservedKey
	}
	return nil
}

// envelope is the on-disk layout of one version:
// committed-at ns (8 bytes) | tx id length (2 bytes) | tx id | value.
type envelope struct {
	txID        string
	committedAt time.Time
	value       []byte
}

const envelopeHeader = 10

var errCorruptEnvelope = errors.New("badger: corrupt ledger version")

func encodeEnvelope(e envelope) []byte {
	out := make([]byte, envelopeHeader+len(e.txID)+len(e.value))
	binary.BigEndian.PutUint64(out[0:8], uint64(e.committedAt.UnixNano()))
	binary.BigEndian.PutUint16(out[8:10], uint16(len(e.txID)))
	n := copy(out[envelopeHeader:], e.txID)
	copy(out[envelopeHeader+n:], e.value)
	return out
}

func decodeEnvelope(b []byte) (envelope, error) {
	if len(b) < envelopeHeader {
		return envelope{}, errCorruptEnvelope
	}
	ns := int64(binary.BigEndian.Uint64(b[0:8]))
	n := int(binary.BigEndian.Uint16(b[8:10]))
	if len(b) < envelopeHeader+n {
		return envelope{}, errCorruptEnvelope
	}
	return envelope{
		txID:        string(b[envelopeHeader : envelopeHeader+n]),
		committedAt: time.Unix(0, ns).UTC(),
		value:       append([]byte(nil), b[envelopeHeader+n:]...),
	}, nil
}
