// Package contract dispatches worklog contract invocations to the ledger
// write path and the query engine.
package contract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"worklog/internal/domain"
	"worklog/internal/ledger"
	"worklog/internal/query"
)

// Target identifies where an invocation is addressed. It travels with each
// request instead of living in process-wide state.
type Target struct {
	Channel    string `mapstructure:"channel" json:"channel,omitempty"`
	ContractID string `mapstructure:"contract_id" json:"contractId,omitempty"`
	Username   string `mapstructure:"username" json:"username,omitempty"`
}

// Invocation is one call into the contract. Args follow the ledger calling
// convention of a list of strings; every worklog function reads Args[0].
type Invocation struct {
	Target   Target
	TxID     string
	Function string
	Args     []string
}

// Querier is the read side the contract delegates to.
type Querier interface {
	FilteredHistoryQuery(ctx context.Context, selectorText []byte) ([]byte, error)
	PointLookup(ctx context.Context, key string) ([]byte, error)
}

type Config struct {
	// ID is the contract id invocations must target. Empty accepts any.
	ID     string
	Logger *slog.Logger
}

type Contract struct {
	id      string
	writer  ledger.Writer
	queries Querier
	logger  *slog.Logger
}

func New(cfg Config, writer ledger.Writer, queries Querier) *Contract {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Contract{id: cfg.ID, writer: writer, queries: queries, logger: logger.With("component", "contract")}
}

// Invoke runs one invocation and returns its payload. Create and init return
// a nil payload.
func (c *Contract) Invoke(ctx context.Context, inv Invocation) ([]byte, error) {
	start := time.Now()
	log := c.logger.With("function", inv.Function, "tx_id", inv.TxID, "channel", inv.Target.Channel)

	if c.id != "" && inv.Target.ContractID != "" && inv.Target.ContractID != c.id {
		log.Warn("invocation rejected", "contract_id", inv.Target.ContractID)
		return nil, fmt.Errorf("%w: %s", ErrWrongContract, inv.Target.ContractID)
	}
	op, err := ParseOperation(inv.Function)
	if err != nil {
		log.Warn("invocation rejected", "err", err)
		return nil, err
	}
	if inv.TxID != "" {
		ctx = ledger.ContextWithTxID(ctx, inv.TxID)
	}

	log.Debug("invoke start", "user", inv.Target.Username)
	payload, err := c.dispatch(ctx, op, inv.Args)
	if err != nil {
		log.Info("invoke failed", "status", StatusOf(err).String(), "err", err, "duration", time.Since(start))
		return nil, err
	}
	log.Debug("invoke done", "payload_bytes", len(payload), "duration", time.Since(start))
	return payload, nil
}

func (c *Contract) dispatch(ctx context.Context, op Operation, args []string) ([]byte, error) {
	switch op {
	case OpInitLedger:
		return nil, nil
	case OpCreateWorklog:
		return nil, c.createWorklog(ctx, args)
	case OpQueryWorklog:
		id, err := profileIDArg(args)
		if err != nil {
			return nil, err
		}
		return c.queries.PointLookup(ctx, domain.WorklogKey(id))
	case OpQueryWorklogHistory:
		id, err := profileIDArg(args)
		if err != nil {
			return nil, err
		}
		sel, err := query.NewSelector(domain.WorklogKey(id), nil)
		if err != nil {
			return nil, err
		}
		text, err := json.Marshal(sel)
		if err != nil {
			return nil, err
		}
		return c.queries.FilteredHistoryQuery(ctx, text)
	case OpQueryWorklogByString:
		arg, err := firstArg(args)
		if err != nil {
			return nil, err
		}
		return c.queries.FilteredHistoryQuery(ctx, []byte(arg))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, op)
	}
}

func (c *Contract) createWorklog(ctx context.Context, args []string) error {
	arg, err := firstArg(args)
	if err != nil {
		return err
	}
	var w domain.Worklog
	if err := json.Unmarshal([]byte(arg), &w); err != nil {
		return fmt.Errorf("%w: worklog: %v", ErrInvalidArgs, err)
	}
	if w.ProfileID == "" {
		return fmt.Errorf("%w: profileId is required", ErrInvalidArgs)
	}
	value, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encode worklog: %w", err)
	}
	if err := c.writer.PutState(ctx, domain.WorklogKey(w.ProfileID), value); err != nil {
		return fmt.Errorf("put worklog %s: %w", w.ProfileID, err)
	}
	return nil
}

// RoutingKey returns the ledger key an invocation addresses, or "" when the
// arguments do not name one. Transports use it to keep one profile's calls on
// a single worker.
func RoutingKey(function string, args []string) string {
	op, err := ParseOperation(function)
	if err != nil || len(args) == 0 {
		return ""
	}
	switch op {
	case OpCreateWorklog, OpQueryWorklog, OpQueryWorklogHistory:
		var req struct {
			ProfileID string `json:"profileId"`
		}
		if json.Unmarshal([]byte(args[0]), &req) != nil || req.ProfileID == "" {
			return ""
		}
		return domain.WorklogKey(req.ProfileID)
	case OpQueryWorklogByString:
		sel, err := query.ParseSelector([]byte(args[0]))
		if err != nil {
			return ""
		}
		return sel.DocType
	default:
		return ""
	}
}

func firstArg(args []string) (string, error) {
	if len(args) == 0 || args[0] == "" {
		return "", fmt.Errorf("%w: expected one JSON argument", ErrInvalidArgs)
	}
	return args[0], nil
}

func profileIDArg(args []string) (string, error) {
	arg, err := firstArg(args)
	if err != nil {
		return "", err
	}
	var req struct {
		ProfileID string `json:"profileId"`
	}
	if err := json.Unmarshal([]byte(arg), &req); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	if req.ProfileID == "" {
		return "", fmt.Errorf("%w: profileId is required", ErrInvalidArgs)
	}
	return req.ProfileID, nil
}
