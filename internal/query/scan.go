package query

import (
	"context"
	"errors"
	"fmt"
	"io"

	"worklog/internal/ledger"
)

// Scan feeds every non-empty history entry of key to fn in the order the
// store yields them. The iterator is closed on every return path, including
// callback errors and cancellation.
func Scan(ctx context.Context, r ledger.Reader, key string, fn func(ledger.KeyModification) error) (err error) {
	it, err := r.GetHistoryForKey(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: open history %q: %w", ErrStoreIteration, key, err)
	}
	defer func() {
		if cerr := it.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("%w: close history %q: %w", ErrStoreIteration, key, cerr)
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry, err := it.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: read history %q: %w", ErrStoreIteration, key, err)
		}
		// zero-length values are deletion markers
		if len(entry.Value) == 0 {
			continue
		}
		if entry.Key == "" {
			entry.Key = key
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
}
