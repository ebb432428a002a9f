package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"strings"
	"testing"

	"worklog/internal/hashroute"
	"worklog/internal/ledger"
)

func readHistory(t *testing.T, s *Store, key string) []ledger.KeyModification {
	t.Helper()
	it, err := s.GetHistoryForKey(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()
	var out []ledger.KeyModification
	for {
		e, err := it.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, e)
	}
}

func TestSchemaInitializationCreatesHistoryTable(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	db, err := s.partitionDB(0)
	if err != nil {
		t.Fatalf("partition init: %v", err)
	}
	var cnt int
	if err := db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='history'`).Scan(&cnt); err != nil {
		t.Fatal(err)
	}
	if cnt != 1 {
		t.Fatalf("history table missing")
	}
}

func TestHistoryIsAppendOnlyViaTriggers(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.PutState(ctx, "SWabc123", []byte(`{"profileId":"abc123"}`)); err != nil {
		t.Fatal(err)
	}
	db, err := s.partitionDB(hashroute.PartitionForKey("SWabc123"))
	if err != nil {
		t.Fatal(err)
	}

	_, err = db.Exec(`UPDATE history SET value='x' WHERE key='SWabc123'`)
	if err == nil || !strings.Contains(err.Error(), "append-only") {
		t.Fatalf("expected append-only update error, got %v", err)
	}
	_, err = db.Exec(`DELETE FROM history WHERE key='SWabc123'`)
	if err == nil || !strings.Contains(err.Error(), "append-only") {
		t.Fatalf("expected append-only delete error, got %v", err)
	}
}

func TestPutStateAccumulatesHistoryInCommitOrder(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for _, v := range []string{`{"v":1}`, `{"v":2}`, `{"v":3}`} {
		if err := s.PutState(ctx, "SWabc123", []byte(v)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.PutState(ctx, "SWabc1234", []byte(`{"v":"other"}`)); err != nil {
		t.Fatal(err)
	}

	h := readHistory(t, s, "SWabc123")
	if len(h) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(h))
	}
	for i, want := range []string{`{"v":1}`, `{"v":2}`, `{"v":3}`} {
		if string(h[i].Value) != want {
			t.Fatalf("entry %d = %s, want %s", i, h[i].Value, want)
		}
		if h[i].Key != "SWabc123" || h[i].TxID == "" || h[i].CommittedAt.IsZero() {
			t.Fatalf("entry %d incomplete: %+v", i, h[i])
		}
	}

	cur, err := s.GetState(ctx, "SWabc123")
	if err != nil {
		t.Fatal(err)
	}
	if string(cur) != `{"v":3}` {
		t.Fatalf("latest = %s", cur)
	}
}

func TestGetStateMissingKey(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	v, err := s.GetState(context.Background(), "SWnever")
	if err != nil {
		t.Fatal(err)
	}
	if v != nil {
		t.Fatalf("expected nil, got %q", v)
	}
	if h := readHistory(t, s, "SWnever"); len(h) != 0 {
		t.Fatalf("expected empty history, got %d", len(h))
	}
}

func TestReplayedTxIDIsDeduplicated(t *testing.T) {
	ctx := ledger.ContextWithTxID(context.Background(), "tx-42")
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.PutState(ctx, "SWabc", []byte(`{"a":1}`)); err != nil {
		t.Fatal(err)
	}
	if err := s.PutState(ctx, "SWabc", []byte(`{"a":1}`)); err != nil {
		t.Fatal(err)
	}
	if h := readHistory(t, s, "SWabc"); len(h) != 1 || h[0].TxID != "tx-42" {
		t.Fatalf("expected one deduplicated entry, got %+v", h)
	}
}

func TestReplayAfterLaterWriteIsDeduplicated(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	for _, tx := range []string{"tx-1", "tx-2", "tx-1"} {
		if err := s.PutState(ledger.ContextWithTxID(context.Background(), tx), "SWabc", []byte(`{"tx":"`+tx+`"}`)); err != nil {
			t.Fatal(err)
		}
	}
	if h := readHistory(t, s, "SWabc"); len(h) != 2 || h[0].TxID != "tx-1" || h[1].TxID != "tx-2" {
		t.Fatalf("expected tx-1 then tx-2, got %+v", h)
	}
}

func TestRecoveryReopenWALDatabases(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	{
		s, err := NewStore(dir)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.PutState(ctx, "SWrecover", []byte(`{"eventType":"Daily_Check"}`)); err != nil {
			t.Fatal(err)
		}
		_ = s.Close()
	}

	s2, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	items := readHistory(t, s2, "SWrecover")
	if len(items) != 1 || string(items[0].Value) != `{"eventType":"Daily_Check"}` {
		t.Fatalf("unexpected recovered data: %+v", items)
	}
}

func TestIteratorCloseReleasesCursor(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	for i := 0; i < 3; i++ {
		if err := s.PutState(ctx, "SWc", []byte(`{}`)); err != nil {
			t.Fatal(err)
		}
	}
	it, err := s.GetHistoryForKey(ctx, "SWc")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := it.Next(); err != nil {
		t.Fatal(err)
	}
	if err := it.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := it.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after close, got %v", err)
	}
	if err := it.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestSQLiteWALModeEnabled(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	db, err := s.partitionDB(1)
	if err != nil {
		t.Fatal(err)
	}
	var mode string
	if err := db.QueryRow(`PRAGMA journal_mode;`).Scan(&mode); err != nil && err != sql.ErrNoRows {
		t.Fatal(err)
	}
	if strings.ToLower(mode) != "wal" {
		t.Fatalf("journal mode must be WAL, got %q", mode)
	}
}

func TestRejectsEmptyWrites(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.PutState(context.Background(), "SWx", nil); !errors.Is(err, ledger.ErrEmptyValue) {
		t.Fatalf("expected ErrEmptyValue, got %v", err)
	}
}
