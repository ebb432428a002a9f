// Package query answers selector queries against per-key ledger history and
// serves exact-key point lookups.
package query

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"worklog/internal/ledger"
)

type Config struct {
	// KeyPrefix is prepended to a selector docType to form the scanned key.
	KeyPrefix string
	Logger    *slog.Logger
}

// Engine is stateless apart from its configuration and is safe for
// concurrent use.
type Engine struct {
	reader   ledger.Reader
	resolver KeyResolver
	logger   *slog.Logger
}

func NewEngine(reader ledger.Reader, cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		reader:   reader,
		resolver: KeyResolver{Prefix: cfg.KeyPrefix},
		logger:   logger.With("component", "query"),
	}
}

// FilteredHistoryQuery parses selectorText, scans the resolved key's history
// and returns the matches as a JSON array. No matches encode as [].
func (e *Engine) FilteredHistoryQuery(ctx context.Context, selectorText []byte) ([]byte, error) {
	sel, err := ParseSelector(selectorText)
	if err != nil {
		queryRequests.WithLabelValues(opFilteredHistory, resultLabel(err)).Inc()
		return nil, err
	}
	results, err := e.Query(ctx, sel)
	if err != nil {
		return nil, err
	}
	return Marshal(results)
}

// Query runs an already-parsed selector.
func (e *Engine) Query(ctx context.Context, sel Selector) (results []Result, err error) {
	start := time.Now()
	defer func() {
		queryDuration.WithLabelValues(opFilteredHistory).Observe(time.Since(start).Seconds())
		queryRequests.WithLabelValues(opFilteredHistory, resultLabel(err)).Inc()
	}()
	if sel.DocType == "" {
		return nil, fmt.Errorf("%w: docType is required", ErrInvalidSelector)
	}

	key := e.resolver.Resolve(sel.DocType)
	results = make([]Result, 0)
	scanned := 0
	err = Scan(ctx, e.reader, key, func(entry ledger.KeyModification) error {
		scanned++
		res, ok, decodeErr := evaluate(sel, entry)
		if decodeErr != nil {
			decodeFailures.Inc()
			e.logger.Debug("history value is not JSON, keeping raw text", "key", key, "tx_id", entry.TxID, "err", decodeErr)
		}
		if ok {
			results = append(results, res)
		}
		return nil
	})
	entriesScanned.Add(float64(scanned))
	if err != nil {
		e.logger.Warn("history scan failed", "key", key, "scanned", scanned, "err", err)
		return nil, err
	}
	e.logger.Debug("history query done", "key", key, "scanned", scanned, "matched", len(results))
	return results, nil
}

// PointLookup returns the current value stored under key, unmodified.
func (e *Engine) PointLookup(ctx context.Context, key string) (value []byte, err error) {
	start := time.Now()
	defer func() {
		queryDuration.WithLabelValues(opPointLookup).Observe(time.Since(start).Seconds())
		queryRequests.WithLabelValues(opPointLookup, resultLabel(err)).Inc()
	}()
	value, err = e.reader.GetState(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get state %q: %w", key, err)
	}
	if len(value) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return value, nil
}

// Marshal encodes results as the query response payload.
func Marshal(results []Result) ([]byte, error) {
	if results == nil {
		results = []Result{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(results); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
