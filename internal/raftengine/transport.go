package raftengine

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.etcd.io/raft/v3/raftpb"

	"worklog/internal/hashroute"
)

// maxEnvelopeSize bounds a single inbound raft frame.
const maxEnvelopeSize = 64 << 20

type messageHandler func(partition uint8, msg raftpb.Message)

// tcpTransport ships raft messages between nodes, one short-lived connection
// per message and one sender goroutine per (peer, partition).
type tcpTransport struct {
	nodeID   uint64
	addr     string
	handler  messageHandler
	listener net.Listener
	logger   *slog.Logger

	mu       sync.Mutex
	peers    map[uint64]string
	outbound map[uint64]map[uint8]chan raftpb.Message
	closed   chan struct{}
	once     sync.Once
}

func newTCPTransport(nodeID uint64, addr string, peers map[uint64]string, logger *slog.Logger, handler messageHandler) (*tcpTransport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("raft listen %s: %w", addr, err)
	}
	t := &tcpTransport{nodeID: nodeID, addr: addr, peers: peers, handler: handler, listener: ln, logger: logger, outbound: make(map[uint64]map[uint8]chan raftpb.Message), closed: make(chan struct{})}
	for peer := range peers {
		if peer == nodeID {
			continue
		}
		t.outbound[peer] = make(map[uint8]chan raftpb.Message)
		for p := 0; p < hashroute.PartitionCount; p++ {
			ch := make(chan raftpb.Message, 128)
			t.outbound[peer][uint8(p)] = ch
			go t.sender(peer, uint8(p), ch)
		}
	}
	go t.acceptLoop()
	return t, nil
}

func (t *tcpTransport) send(to uint64, partition uint8, msg raftpb.Message) error {
	t.mu.Lock()
	parts, ok := t.outbound[to]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown peer %d", to)
	}
	ch := parts[partition]
	select {
	case ch <- msg:
		return nil
	default:
		return fmt.Errorf("peer %d partition %d queue full", to, partition)
	}
}

func (t *tcpTransport) sender(peer uint64, partition uint8, ch <-chan raftpb.Message) {
	addr := t.peers[peer]
	for {
		select {
		case <-t.closed:
			return
		case msg := <-ch:
			conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
			if err != nil {
				// raft retransmits; an unreachable peer just loses this message
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(500 * time.Millisecond))
			if err := writeEnvelope(conn, partition, msg); err != nil {
				t.logger.Debug("raft send failed", "peer", peer, "partition", partition, "err", err)
			}
			_ = conn.Close()
		}
	}
}

func (t *tcpTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			continue
		}
		go func(c net.Conn) {
			defer c.Close()
			_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
			partition, msg, err := readEnvelope(c)
			if err != nil {
				return
			}
			t.handler(partition, msg)
		}(conn)
	}
}

func (t *tcpTransport) close() error {
	var err error
	t.once.Do(func() {
		close(t.closed)
		err = t.listener.Close()
	})
	return err
}

// Frame: uint32 length | partition byte | raftpb.Message.
func writeEnvelope(w io.Writer, partition uint8, msg raftpb.Message) error {
	b, err := msg.Marshal()
	if err != nil {
		return err
	}
	payload := make([]byte, 4+1+len(b))
	binary.BigEndian.PutUint32(payload[:4], uint32(1+len(b)))
	payload[4] = partition
	copy(payload[5:], b)
	_, err = w.Write(payload)
	return err
}

func readEnvelope(r io.Reader) (uint8, raftpb.Message, error) {
	br := bufio.NewReader(r)
	var hdr [4]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return 0, raftpb.Message{}, err
	}
	sz := binary.BigEndian.Uint32(hdr[:])
	if sz < 1 {
		return 0, raftpb.Message{}, io.ErrUnexpectedEOF
	}
	if sz > maxEnvelopeSize {
		return 0, raftpb.Message{}, fmt.Errorf("raft frame too large: %d", sz)
	}
	buf := make([]byte, sz)
	if _, err := io.ReadFull(br, buf); err != nil {
		return 0, raftpb.Message{}, err
	}
	var msg raftpb.Message
	if err := msg.Unmarshal(buf[1:]); err != nil {
		return 0, raftpb.Message{}, err
	}
	return buf[0], msg, nil
}
