// Package ingest turns queue deliveries into worklog contract invocations.
// Transport adapters live in the subpackages; they share the mapping and the
// retry classification defined here.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"worklog/internal/contract"
	"worklog/internal/domain"
)

var (
	// ErrMalformedEvent marks deliveries that can never succeed. Adapters
	// drop them instead of redelivering.
	ErrMalformedEvent   = errors.New("malformed worklog event")
	ErrMissingProfileID = errors.New("selfProfileId is required")
)

// Invoker is the contract entry point adapters feed.
type Invoker interface {
	Invoke(ctx context.Context, inv contract.Invocation) ([]byte, error)
}

// workEvent is the producer-side shape of a worklog event.
type workEvent struct {
	SelfProfileID  string          `json:"selfProfileId"`
	AssetType      *string         `json:"assetType"`
	AssetSubType   *string         `json:"assetSubType"`
	EventType      *string         `json:"eventType"`
	EventValue     json.RawMessage `json:"eventValue"`
	AssetReference *string         `json:"assetReference"`
	Latitude       json.RawMessage `json:"latitude"`
	Longitude      json.RawMessage `json:"longitude"`
	RegulatoryZone *string         `json:"RegulatoryZone"`
	Timestamp      json.RawMessage `json:"timestamp"`
}

// MapWorklogEvent maps a queue body onto the ledger schema: selfProfileId
// becomes profileId and BCTimestamp is stamped with now in Unix millis.
// Fields outside the event schema are not carried over.
func MapWorklogEvent(body []byte, now time.Time) (domain.Worklog, error) {
	var ev workEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return domain.Worklog{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.SelfProfileID == "" {
		return domain.Worklog{}, fmt.Errorf("%w: %w", ErrMalformedEvent, ErrMissingProfileID)
	}
	bc := now.UnixMilli()
	return domain.Worklog{
		ProfileID:      ev.SelfProfileID,
		AssetType:      ev.AssetType,
		AssetSubType:   ev.AssetSubType,
		EventType:      ev.EventType,
		EventValue:     nonNull(ev.EventValue),
		AssetReference: ev.AssetReference,
		Latitude:       nonNull(ev.Latitude),
		Longitude:      nonNull(ev.Longitude),
		RegulatoryZone: ev.RegulatoryZone,
		Timestamp:      nonNull(ev.Timestamp),
		BCTimestamp:    &bc,
	}, nil
}

// NewInvocation wraps w in a createSWWorklog call. An empty txID gets a fresh
// one; adapters pass DeliveryTxID so redeliveries reuse theirs.
func NewInvocation(target contract.Target, txID string, w domain.Worklog) (contract.Invocation, error) {
	arg, err := json.Marshal(w)
	if err != nil {
		return contract.Invocation{}, fmt.Errorf("encode worklog: %w", err)
	}
	if txID == "" {
		txID = uuid.NewString()
	}
	return contract.Invocation{
		Target:   target,
		TxID:     txID,
		Function: contract.OpCreateWorklog.String(),
		Args:     []string{string(arg)},
	}, nil
}

// Deliver maps one queue body and invokes the contract with it under txID.
func Deliver(ctx context.Context, inv Invoker, target contract.Target, txID string, body []byte) error {
	w, err := MapWorklogEvent(body, time.Now())
	if err != nil {
		return err
	}
	call, err := NewInvocation(target, txID, w)
	if err != nil {
		return err
	}
	_, err = inv.Invoke(ctx, call)
	return err
}

var deliveryNamespace = uuid.MustParse("5b0d7c3e-2a41-4f8e-9d6c-7e1f0a9b3c52")

// DeliveryTxID derives a transaction id from the identity of a queue
// delivery, such as topic, partition and offset. The same parts always give
// the same id, so the ledger drops an event that is delivered twice.
func DeliveryTxID(parts ...string) string {
	return uuid.NewSHA1(deliveryNamespace, []byte(strings.Join(parts, "\x00"))).String()
}

// Retryable reports whether a failed delivery is worth redelivering.
// Malformed events and rejected invocations are final; store faults are not.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrMalformedEvent) {
		return false
	}
	var te interface{ Temporary() bool }
	if errors.As(err, &te) {
		return te.Temporary()
	}
	return contract.StatusOf(err) == contract.StatusInternal
}

func nonNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}
