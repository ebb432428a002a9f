package raftengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"

	"worklog/internal/hashroute"
)

var ErrNotLeader = errors.New("partition leader required")

// ApplyFunc applies a committed command to the local ledger.
type ApplyFunc func(partition uint8, cmd PutCommand) error

// AckFunc is called once per committed command carrying an ack token, with
// the result of the local apply.
type AckFunc func(token string, applyErr error)

type Config struct {
	NodeID              uint64
	Address             string
	PeerAddresses       map[uint64]string
	TickInterval        time.Duration
	ElectionTicks       int
	HeartbeatTicks      int
	MaxInflightMsgs     int
	MaxMessageSize      uint64
	Persistence         *Persistence
	Apply               ApplyFunc
	Ack                 AckFunc
	BootstrapNewCluster bool
	Logger              *slog.Logger
}

// Persistence holds raft logs per partition. It outlives an Engine so a
// stopped node can be restarted against the same log.
type Persistence struct {
	mu      sync.Mutex
	storage map[uint8]*raft.MemoryStorage
}

func NewPersistence() *Persistence { return &Persistence{storage: map[uint8]*raft.MemoryStorage{}} }

func (p *Persistence) forPartition(partition uint8) *raft.MemoryStorage {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.storage[partition]; ok {
		return s
	}
	s := raft.NewMemoryStorage()
	p.storage[partition] = s
	return s
}

// Engine runs one raft group per hash partition on this node.
type Engine struct {
	cfg       Config
	logger    *slog.Logger
	transport *tcpTransport
	workers   [hashroute.PartitionCount]*partitionWorker
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

type partitionWorker struct {
	partition uint8
	node      raft.Node
	storage   *raft.MemoryStorage
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Persistence == nil {
		cfg.Persistence = NewPersistence()
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 20 * time.Millisecond
	}
	if cfg.ElectionTicks == 0 {
		cfg.ElectionTicks = 10
	}
	if cfg.HeartbeatTicks == 0 {
		cfg.HeartbeatTicks = 1
	}
	if cfg.MaxInflightMsgs == 0 {
		cfg.MaxInflightMsgs = 256
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 1024 * 1024
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{cfg: cfg, logger: logger.With("component", "raft", "node_id", cfg.NodeID), stopCh: make(chan struct{})}
	t, err := newTCPTransport(cfg.NodeID, cfg.Address, cfg.PeerAddresses, e.logger, func(partition uint8, msg raftpb.Message) {
		if int(partition) >= hashroute.PartitionCount || e.workers[partition] == nil {
			return
		}
		_ = e.workers[partition].node.Step(context.Background(), msg)
	})
	if err != nil {
		return nil, err
	}
	e.transport = t

	peers := make([]raft.Peer, 0, len(cfg.PeerAddresses))
	for id := range cfg.PeerAddresses {
		peers = append(peers, raft.Peer{ID: id})
	}

	for p := 0; p < hashroute.PartitionCount; p++ {
		ms := cfg.Persistence.forPartition(uint8(p))
		rc := &raft.Config{ID: cfg.NodeID, ElectionTick: cfg.ElectionTicks, HeartbeatTick: cfg.HeartbeatTicks, Storage: ms, MaxSizePerMsg: cfg.MaxMessageSize, MaxInflightMsgs: cfg.MaxInflightMsgs, CheckQuorum: true, PreVote: true}
		var n raft.Node
		if cfg.BootstrapNewCluster {
			n = raft.StartNode(rc, peers)
		} else {
			n = raft.RestartNode(rc)
		}
		e.workers[p] = &partitionWorker{partition: uint8(p), node: n, storage: ms}
	}
	return e, nil
}

func (e *Engine) Start() {
	for _, w := range e.workers {
		e.wg.Add(1)
		go e.runPartition(w)
	}
}

func (e *Engine) Stop() error {
	var err error
	e.stopOnce.Do(func() {
		close(e.stopCh)
		for _, w := range e.workers {
			w.node.Stop()
		}
		e.wg.Wait()
		err = e.transport.close()
	})
	return err
}

func (e *Engine) Leader(partition uint8) uint64 { return e.workers[partition].node.Status().Lead }

func (e *Engine) IsLeader(partition uint8) bool {
	return e.workers[partition].node.Status().RaftState == raft.StateLeader
}

// Propose submits cmd to its partition's raft group. Only the partition
// leader accepts proposals; a nil error means accepted, not committed.
func (e *Engine) Propose(ctx context.Context, cmd PutCommand) error {
	if int(cmd.PartitionID) >= hashroute.PartitionCount {
		return fmt.Errorf("invalid partition %d", cmd.PartitionID)
	}
	cmd.FillTimestamp()
	w := e.workers[cmd.PartitionID]
	if st := w.node.Status(); st.RaftState != raft.StateLeader {
		return fmt.Errorf("%w: partition=%d leader=%d", ErrNotLeader, cmd.PartitionID, st.Lead)
	}
	b, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return w.node.Propose(ctx, b)
}

func (e *Engine) runPartition(w *partitionWorker) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			w.node.Tick()
		case rd := <-w.node.Ready():
			if !raft.IsEmptySnap(rd.Snapshot) {
				_ = w.storage.ApplySnapshot(rd.Snapshot)
			}
			if !raft.IsEmptyHardState(rd.HardState) {
				_ = w.storage.SetHardState(rd.HardState)
			}
			_ = w.storage.Append(rd.Entries)
			for _, m := range rd.Messages {
				if err := e.transport.send(m.To, w.partition, m); err != nil {
					e.logger.Debug("raft message dropped", "partition", w.partition, "to", m.To, "err", err)
				}
			}
			for _, ent := range rd.CommittedEntries {
				if ent.Type != raftpb.EntryNormal || len(ent.Data) == 0 {
					continue
				}
				e.applyEntry(w.partition, ent.Data)
			}
			w.node.Advance()
		}
	}
}

func (e *Engine) applyEntry(partition uint8, data []byte) {
	var cmd PutCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		e.logger.Error("undecodable raft entry skipped", "partition", partition, "err", err)
		return
	}
	var applyErr error
	if e.cfg.Apply != nil {
		applyErr = e.cfg.Apply(partition, cmd)
		if applyErr != nil {
			e.logger.Error("apply committed put failed", "partition", partition, "key", cmd.Key, "tx_id", cmd.TxID, "err", applyErr)
		}
	}
	if e.cfg.Ack != nil && cmd.AckToken != "" {
		e.cfg.Ack(cmd.AckToken, applyErr)
	}
}
