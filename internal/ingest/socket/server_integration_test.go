package socket

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"worklog/internal/contract"
	"worklog/internal/ledger"
	"worklog/internal/query"
)

func startTestServer(t *testing.T, health HealthFunc) (*Server, string, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	store := ledger.NewMemoryStore()
	c := contract.New(contract.Config{ID: "worklog"}, store, query.NewEngine(store, query.Config{}))
	s := NewServer(Config{Network: "tcp", Address: "127.0.0.1:0", MaxInflight: 64, GlobalQueueLimit: 2048, AuthToken: "secret", Target: contract.Target{ContractID: "worklog"}, Health: health}, c)
	go func() { _ = s.Start(ctx) }()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := s.Addr(); addr != "" {
			return s, addr, cancel
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server not started")
	return nil, "", cancel
}

func invoke(t *testing.T, addr, id, fn, arg string) *SocketResponse {
	t.Helper()
	resp, err := DialAndRequest(context.Background(), "tcp", addr, &SocketRequest{RequestId: id, AuthToken: "secret", Operation: int32(OperationInvoke), Invoke: &InvokeRequest{Function: fn, Args: []string{arg}}})
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestInvokeCreateAndQuery(t *testing.T) {
	srv, addr, cancel := startTestServer(t, nil)
	defer cancel()
	defer srv.Close()

	for i, ev := range []string{"Daily_Check", "Weekly_Check", "Daily_Check"} {
		resp := invoke(t, addr, fmt.Sprint("c", i), "createSWWorklog", `{"profileId":"568c28","eventType":"`+ev+`"}`)
		if resp.ErrorCode != int32(ErrorCodeOK) {
			t.Fatalf("create failed: %+v", resp)
		}
	}
	resp := invoke(t, addr, "q1", "queryWorklogByString", `{"selector":{"docType":"SW568c28","eventType":"Daily_Check"}}`)
	if resp.ErrorCode != int32(ErrorCodeOK) || resp.RequestId != "q1" {
		t.Fatalf("query failed: %+v", resp)
	}
	if n := strings.Count(string(resp.Payload), `"Key":"SW568c28"`); n != 2 {
		t.Fatalf("expected 2 matches, got %d in %s", n, resp.Payload)
	}
	latest := invoke(t, addr, "q2", "queryWorklog", `{"profileId":"568c28"}`)
	if latest.ErrorCode != int32(ErrorCodeOK) || !strings.Contains(string(latest.Payload), "Daily_Check") {
		t.Fatalf("point lookup failed: %+v", latest)
	}
}

func TestInvokeErrorCodes(t *testing.T) {
	srv, addr, cancel := startTestServer(t, nil)
	defer cancel()
	defer srv.Close()

	cases := []struct {
		fn, arg string
		want    ErrorCode
	}{
		{"queryWorklogByString", `{"selector":{"eventType":"x"}}`, ErrorCodeBadRequest},
		{"queryWorklog", `{"profileId":"missing"}`, ErrorCodeNotFound},
		{"deleteEverything", `{}`, ErrorCodeBadRequest},
	}
	for _, c := range cases {
		resp := invoke(t, addr, c.fn, c.fn, c.arg)
		if resp.ErrorCode != int32(c.want) || resp.ErrorMessage == "" {
			t.Fatalf("%s: got code=%d msg=%q, want %d", c.fn, resp.ErrorCode, resp.ErrorMessage, c.want)
		}
	}
}

func TestAuthPingAndHealth(t *testing.T) {
	srv, addr, cancel := startTestServer(t, func(context.Context) error { return errors.New("ledger closed") })
	defer cancel()
	defer srv.Close()

	resp, err := DialAndRequest(context.Background(), "tcp", addr, &SocketRequest{RequestId: "a", AuthToken: "wrong", Operation: int32(OperationPing)})
	if err != nil {
		t.Fatal(err)
	}
	if resp.ErrorCode != int32(ErrorCodeUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %+v", resp)
	}
	resp, err = DialAndRequest(context.Background(), "tcp", addr, &SocketRequest{RequestId: "p", AuthToken: "secret", Operation: int32(OperationPing)})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Pong == nil || resp.Pong.UnixTimeNs == 0 {
		t.Fatalf("expected pong, got %+v", resp)
	}
	resp, err = DialAndRequest(context.Background(), "tcp", addr, &SocketRequest{RequestId: "h", AuthToken: "secret", Operation: int32(OperationHealth)})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Health == nil || resp.Health.Ok || resp.Health.Message != "ledger closed" {
		t.Fatalf("expected unhealthy report, got %+v", resp.Health)
	}
}

func TestConcurrentLoad(t *testing.T) {
	srv, addr, cancel := startTestServer(t, nil)
	defer cancel()
	defer srv.Close()

	const clients = 20
	const perClient = 40
	var wg sync.WaitGroup
	errCh := make(chan error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			for j := 0; j < perClient; j++ {
				id := fmt.Sprintf("%d-%d", c, j)
				profile := fmt.Sprintf("p%d", c%4)
				resp, err := DialAndRequest(context.Background(), "tcp", addr, &SocketRequest{RequestId: id, AuthToken: "secret", Operation: int32(OperationInvoke), Invoke: &InvokeRequest{Function: "createSWWorklog", Key: "SW" + profile, Args: []string{`{"profileId":"` + profile + `","eventValue":` + fmt.Sprint(j) + `}`}}})
				if err != nil {
					errCh <- err
					return
				}
				if resp.ErrorCode != int32(ErrorCodeOK) {
					errCh <- fmt.Errorf("code=%d msg=%s", resp.ErrorCode, resp.ErrorMessage)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
}

func TestReplayedTxIDIsWrittenOnce(t *testing.T) {
	srv, addr, cancel := startTestServer(t, nil)
	defer cancel()
	defer srv.Close()
	req := &SocketRequest{RequestId: "r1", AuthToken: "secret", Operation: int32(OperationInvoke), Invoke: &InvokeRequest{Function: "createSWWorklog", TxId: "tx-1", Key: "SWs", Args: []string{`{"profileId":"s"}`}}}
	for _, id := range []string{"r1", "r2"} {
		req.RequestId = id
		resp, err := DialAndRequest(context.Background(), "tcp", addr, req)
		if err != nil {
			t.Fatal(err)
		}
		if resp.ErrorCode != int32(ErrorCodeOK) {
			t.Fatalf("create failed: %+v", resp)
		}
	}
	resp := invoke(t, addr, "h", "queryAllWorklogHist", `{"profileId":"s"}`)
	if n := strings.Count(string(resp.Payload), `"Key":"SWs"`); n != 1 {
		t.Fatalf("expected a single history entry, got %d in %s", n, resp.Payload)
	}
}
