package socket

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"worklog/internal/contract"
	"worklog/internal/hashroute"
	"worklog/internal/ingest"
)

// HealthFunc reports whether the node can serve invocations.
type HealthFunc func(context.Context) error

type Config struct {
	Network, Address, UnixSocketPath, AuthToken string
	MaxInflight, GlobalQueueLimit               int
	TLSConfig                                   *tls.Config
	// Target fills the fields an invoke request leaves empty.
	Target contract.Target
	Health HealthFunc
	Logger *slog.Logger
}

// Server serves contract invocations over length-prefixed protobuf frames.
// Requests are queued per ledger partition so writes to one profile keep
// their arrival order.
type Server struct {
	cfg     Config
	invoker ingest.Invoker
	logger  *slog.Logger
	ln      net.Listener
	addr    atomic.Value
	globalQ chan struct{}
	partQ   []chan queuedRequest
	stop    chan struct{}
	closed  atomic.Bool
	wg      sync.WaitGroup

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

type queuedRequest struct {
	ctx     context.Context
	req     *SocketRequest
	conn    *connection
	release func()
}

type connection struct {
	c        net.Conn
	writerQ  chan *SocketResponse
	inflight chan struct{}
	done     chan struct{}
}

func NewServer(cfg Config, invoker ingest.Invoker) *Server {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 64
	}
	if cfg.GlobalQueueLimit <= 0 {
		cfg.GlobalQueueLimit = 4096
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		invoker: invoker,
		logger:  logger.With("component", "socket"),
		globalQ: make(chan struct{}, cfg.GlobalQueueLimit),
		partQ:   make([]chan queuedRequest, hashroute.PartitionCount),
		stop:    make(chan struct{}),
		conns:   make(map[net.Conn]struct{}),
	}
	for i := range s.partQ {
		s.partQ[i] = make(chan queuedRequest, 128)
	}
	return s
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Address
	if s.cfg.Network == "unix" {
		addr = s.cfg.UnixSocketPath
	}
	ln, err := net.Listen(s.cfg.Network, addr)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())
	s.logger.Info("socket listening", "network", s.cfg.Network, "addr", ln.Addr().String())

	for i := range s.partQ {
		s.wg.Add(1)
		go s.runPartitionWorker(s.partQ[i])
	}
	go func() { <-ctx.Done(); _ = s.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.handleConn(ctx, conn)
	}
}

func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.connMu.Lock()
	close(s.stop)
	for c := range s.conns {
		_ = c.Close()
	}
	s.connMu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	conn := &connection{
		c:        raw,
		writerQ:  make(chan *SocketResponse, 256),
		inflight: make(chan struct{}, s.cfg.MaxInflight),
		done:     make(chan struct{}),
	}
	s.connMu.Lock()
	if s.closed.Load() {
		s.connMu.Unlock()
		_ = raw.Close()
		return
	}
	s.conns[raw] = struct{}{}
	s.wg.Add(2)
	s.connMu.Unlock()
	go func() { defer s.wg.Done(); s.writeLoop(conn) }()
	go func() {
		defer s.wg.Done()
		defer s.forget(raw)
		defer close(conn.done)
		s.readLoop(ctx, conn)
	}()
}

func (s *Server) forget(raw net.Conn) {
	s.connMu.Lock()
	delete(s.conns, raw)
	s.connMu.Unlock()
	_ = raw.Close()
}

func (s *Server) writeLoop(conn *connection) {
	w := bufio.NewWriter(conn.c)
	for {
		select {
		case <-conn.done:
			return
		case res := <-conn.writerQ:
			payload, err := MarshalMessage(res)
			if err != nil {
				s.logger.Error("encode response", "request_id", res.RequestId, "err", err)
				continue
			}
			if err := WriteFrame(w, payload); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *connection) {
	r := bufio.NewReader(conn.c)
	for {
		if s.closed.Load() {
			return
		}
		payload, err := ReadFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.closed.Load() {
				s.logger.Debug("closing connection", "err", err)
			}
			return
		}
		req, err := UnmarshalRequest(payload)
		if err != nil {
			s.send(conn, &SocketResponse{ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if err := ValidateRequest(req); err != nil {
			s.send(conn, badReq(req, err.Error()))
			continue
		}
		if s.cfg.AuthToken != "" && req.AuthToken != s.cfg.AuthToken {
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeUnauthenticated), ErrorMessage: "invalid auth token"})
			continue
		}

		select {
		case conn.inflight <- struct{}{}:
		default:
			s.send(conn, overloaded(req, "connection inflight limit exceeded"))
			continue
		}
		releaseInflight := func() { <-conn.inflight }
		select {
		case s.globalQ <- struct{}{}:
		default:
			releaseInflight()
			s.send(conn, overloaded(req, "adapter queue overloaded"))
			continue
		}

		qr := queuedRequest{ctx: ctx, req: req, conn: conn, release: func() { <-s.globalQ; releaseInflight() }}
		q := s.partQ[partitionFor(req)]
		select {
		case q <- qr:
		default:
			qr.release()
			s.send(conn, overloaded(req, "partition queue overloaded"))
		}
	}
}

func (s *Server) runPartitionWorker(q chan queuedRequest) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case req := <-q:
			res := s.handleRequest(req.ctx, req.req)
			req.release()
			s.send(req.conn, res)
		}
	}
}

func (s *Server) send(conn *connection, res *SocketResponse) {
	select {
	case conn.writerQ <- res:
	case <-conn.done:
	default:
		s.logger.Warn("response dropped, writer queue full", "request_id", res.RequestId)
	}
}

func partitionFor(req *SocketRequest) int {
	if req.Invoke == nil {
		return 0
	}
	key := req.Invoke.Key
	if key == "" {
		key = contract.RoutingKey(req.Invoke.Function, req.Invoke.Args)
	}
	if key == "" && len(req.Invoke.Args) > 0 {
		key = req.Invoke.Args[0]
	}
	return hashroute.PartitionForKey(key)
}

func (s *Server) handleRequest(ctx context.Context, req *SocketRequest) *SocketResponse {
	res := &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOK)}
	switch Operation(req.Operation) {
	case OperationPing:
		res.Pong = &PongResponse{UnixTimeNs: time.Now().UTC().UnixNano()}
	case OperationHealth:
		res.Health = &HealthResponse{Ok: true, Message: "ok"}
		if s.cfg.Health != nil {
			if err := s.cfg.Health(ctx); err != nil {
				res.Health = &HealthResponse{Ok: false, Message: err.Error()}
			}
		}
	case OperationInvoke:
		payload, err := s.invoker.Invoke(ctx, s.invocation(req.Invoke))
		if err != nil {
			res.ErrorCode, res.ErrorMessage = int32(ErrorCodeFor(err)), err.Error()
			return res
		}
		res.Payload = payload
	default:
		return badReq(req, "unknown operation")
	}
	return res
}

func (s *Server) invocation(in *InvokeRequest) contract.Invocation {
	target := s.cfg.Target
	if in.Channel != "" {
		target.Channel = in.Channel
	}
	if in.ContractId != "" {
		target.ContractID = in.ContractId
	}
	if in.Username != "" {
		target.Username = in.Username
	}
	return contract.Invocation{Target: target, TxID: in.TxId, Function: in.Function, Args: in.Args}
}

func badReq(req *SocketRequest, msg string) *SocketResponse {
	return &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: msg}
}

func overloaded(req *SocketRequest, msg string) *SocketResponse {
	return &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: msg}
}

func DialAndRequest(ctx context.Context, network, address string, req *SocketRequest) (*SocketResponse, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	payload, err := MarshalMessage(req)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return nil, err
	}
	frame, err := ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	return UnmarshalResponse(frame)
}

func Retryable(code int32) bool              { return ErrorCode(code) == ErrorCodeOverloaded }
func Error(code ErrorCode, msg string) error { return fmt.Errorf("%d:%s", code, msg) }
