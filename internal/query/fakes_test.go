package query

import (
	"context"
	"io"

	"worklog/internal/ledger"
)

// fakeReader serves a fixed history per key in the given order and records
// every call made against it.
type fakeReader struct {
	history map[string][]ledger.KeyModification
	state   map[string][]byte

	openErr   error
	nextErr   error // returned after failAfter entries
	failAfter int

	getCalls     int
	historyCalls int
	iterators    []*fakeIterator
}

func newFakeReader() *fakeReader {
	return &fakeReader{history: map[string][]ledger.KeyModification{}, state: map[string][]byte{}}
}

func (f *fakeReader) add(key string, values ...string) {
	for _, v := range values {
		f.history[key] = append(f.history[key], ledger.KeyModification{Key: key, TxID: "tx-" + v, Value: []byte(v)})
	}
}

func (f *fakeReader) GetState(_ context.Context, key string) ([]byte, error) {
	f.getCalls++
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.state[key], nil
}

func (f *fakeReader) GetHistoryForKey(_ context.Context, key string) (ledger.HistoryIterator, error) {
	f.historyCalls++
	if f.openErr != nil {
		return nil, f.openErr
	}
	it := &fakeIterator{entries: f.history[key], nextErr: f.nextErr, failAfter: f.failAfter}
	f.iterators = append(f.iterators, it)
	return it, nil
}

func (f *fakeReader) allClosed() bool {
	for _, it := range f.iterators {
		if it.closes == 0 {
			return false
		}
	}
	return true
}

type fakeIterator struct {
	entries   []ledger.KeyModification
	pos       int
	nextErr   error
	failAfter int
	closes    int
}

func (it *fakeIterator) Next() (ledger.KeyModification, error) {
	if it.nextErr != nil && it.pos >= it.failAfter {
		return ledger.KeyModification{}, it.nextErr
	}
	if it.pos >= len(it.entries) {
		return ledger.KeyModification{}, io.EOF
	}
	e := it.entries[it.pos]
	it.pos++
	return e, nil
}

func (it *fakeIterator) Close() error {
	it.closes++
	return nil
}
