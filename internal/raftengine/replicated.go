package raftengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"worklog/internal/hashroute"
	"worklog/internal/ledger"
)

// Proposer is the part of Engine the replicated store depends on.
type Proposer interface {
	Propose(ctx context.Context, cmd PutCommand) error
}

var errNoProposer = errors.New("replicated store is not bound to a raft engine")

// ReplicatedStore is a ledger.Store whose writes go through raft. Reads are
// served from the local replica. PutState returns once this node has applied
// the committed write, so a read on the same node observes it.
type ReplicatedStore struct {
	local   ledger.Store
	timeout time.Duration

	mu       sync.Mutex
	proposer Proposer
	waiters  map[string]chan error
}

// NewReplicatedStore wraps local. timeout caps how long a write waits for
// commit when the caller's context has no deadline.
func NewReplicatedStore(local ledger.Store, timeout time.Duration) *ReplicatedStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ReplicatedStore{local: local, timeout: timeout, waiters: make(map[string]chan error)}
}

// Bind attaches the proposer. The engine itself needs Apply and Ack from this
// store, so binding happens after both exist.
func (r *ReplicatedStore) Bind(p Proposer) {
	r.mu.Lock()
	r.proposer = p
	r.mu.Unlock()
}

func (r *ReplicatedStore) GetState(ctx context.Context, key string) ([]byte, error) {
	return r.local.GetState(ctx, key)
}

func (r *ReplicatedStore) GetHistoryForKey(ctx context.Context, key string) (ledger.HistoryIterator, error) {
	return r.local.GetHistoryForKey(ctx, key)
}

func (r *ReplicatedStore) PutState(ctx context.Context, key string, value []byte) error {
	if err := ledger.ValidateWrite(key, value); err != nil {
		return err
	}
	r.mu.Lock()
	p := r.proposer
	r.mu.Unlock()
	if p == nil {
		return errNoProposer
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := PutCommand{
		PartitionID: uint8(hashroute.PartitionForKey(key)),
		Key:         key,
		Value:       value,
		TxID:        ledger.TxIDFromContext(ctx),
		AckToken:    uuid.NewString(),
	}
	done := make(chan error, 1)
	r.mu.Lock()
	r.waiters[cmd.AckToken] = done
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.waiters, cmd.AckToken)
		r.mu.Unlock()
	}()

	if err := p.Propose(ctx, cmd); err != nil {
		return fmt.Errorf("propose %q: %w", key, err)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("await commit %q: %w", key, ctx.Err())
	}
}

// Apply is the engine's ApplyFunc: it writes a committed command to the
// local replica under the command's tx id.
func (r *ReplicatedStore) Apply(_ uint8, cmd PutCommand) error {
	ctx := ledger.ContextWithTxID(context.Background(), cmd.TxID)
	return r.local.PutState(ctx, cmd.Key, cmd.Value)
}

// Ack is the engine's AckFunc. Tokens proposed by other nodes have no waiter
// here and are ignored.
func (r *ReplicatedStore) Ack(token string, applyErr error) {
	r.mu.Lock()
	ch, ok := r.waiters[token]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- applyErr:
	default:
	}
}
