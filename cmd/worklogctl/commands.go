package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"worklog/internal/contract"
	"worklog/internal/domain"
	"worklog/internal/ingest/socket"
)

type clientOptions struct {
	network    string
	address    string
	token      string
	contractID string
	channel    string
	timeout    time.Duration
}

// requestFunc sends one request. Tests swap it for an in-process server.
type requestFunc func(ctx context.Context, network, address string, req *socket.SocketRequest) (*socket.SocketResponse, error)

type cli struct {
	opts clientOptions
	out  io.Writer
	do   requestFunc
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out, do: socket.DialAndRequest}

	root := &cobra.Command{
		Use:           "worklogctl",
		Short:         "Record and query worklog ledger entries",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	flags := root.PersistentFlags()
	flags.StringVar(&c.opts.network, "network", "tcp", "socket network (tcp or unix)")
	flags.StringVar(&c.opts.address, "addr", "127.0.0.1:7400", "worklogd socket address")
	flags.StringVar(&c.opts.token, "token", "", "socket auth token")
	flags.StringVar(&c.opts.contractID, "contract", "", "contract id to target")
	flags.StringVar(&c.opts.channel, "channel", "", "channel to target")
	flags.DurationVar(&c.opts.timeout, "timeout", 5*time.Second, "request timeout")

	root.AddCommand(
		c.newPingCmd(),
		c.newHealthCmd(),
		c.newCreateCmd(),
		c.newGetCmd(),
		c.newHistoryCmd(),
		c.newQueryCmd(),
		c.newInvokeCmd(),
	)
	return root
}

func (c *cli) newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the node answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := c.send(cmd.Context(), &socket.SocketRequest{Operation: int32(socket.OperationPing), Ping: &socket.PingRequest{}})
			if err != nil {
				return err
			}
			if res.Pong == nil {
				return fmt.Errorf("empty ping response")
			}
			fmt.Fprintf(c.out, "pong %s\n", time.Unix(0, res.Pong.UnixTimeNs).UTC().Format(time.RFC3339Nano))
			return nil
		},
	}
}

func (c *cli) newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Report node health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := c.send(cmd.Context(), &socket.SocketRequest{Operation: int32(socket.OperationHealth)})
			if err != nil {
				return err
			}
			if res.Health == nil {
				return fmt.Errorf("empty health response")
			}
			if !res.Health.Ok {
				return fmt.Errorf("unhealthy: %s", res.Health.Message)
			}
			fmt.Fprintln(c.out, "ok")
			return nil
		},
	}
}

func (c *cli) newCreateCmd() *cobra.Command {
	var txID string
	cmd := &cobra.Command{
		Use:   "create <worklog-json>",
		Short: "Append a worklog record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var w domain.Worklog
			if err := json.Unmarshal([]byte(args[0]), &w); err != nil {
				return fmt.Errorf("worklog: %w", err)
			}
			if txID == "" {
				txID = uuid.NewString()
			}
			_, err := c.invoke(cmd.Context(), contract.OpCreateWorklog, domain.WorklogKey(w.ProfileID), txID, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, txID)
			return nil
		},
	}
	cmd.Flags().StringVar(&txID, "tx-id", "", "transaction id (generated when empty)")
	return cmd
}

func (c *cli) newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <profile-id>",
		Short: "Print the latest worklog of a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.invokeAndPrint(cmd.Context(), contract.OpQueryWorklog, args[0])
		},
	}
}

func (c *cli) newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <profile-id>",
		Short: "Print every worklog recorded for a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.invokeAndPrint(cmd.Context(), contract.OpQueryWorklogHistory, args[0])
		},
	}
}

func (c *cli) newQueryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "query <selector-json>",
		Short: "Run a selector query over a profile's history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.print(c.invoke(cmd.Context(), contract.OpQueryWorklogByString, "", "", args[0]))
		},
	}
}

func (c *cli) newInvokeCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "invoke <function> [arg]",
		Short: "Invoke a contract function by name",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := contract.ParseOperation(args[0])
			if err != nil {
				return err
			}
			arg := ""
			if len(args) == 2 {
				arg = args[1]
			}
			return c.print(c.invoke(cmd.Context(), op, key, "", arg))
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "store key used to order the call")
	return cmd
}

func (c *cli) invokeAndPrint(ctx context.Context, op contract.Operation, profileID string) error {
	arg, err := json.Marshal(map[string]string{"profileId": profileID})
	if err != nil {
		return err
	}
	return c.print(c.invoke(ctx, op, domain.WorklogKey(profileID), "", string(arg)))
}

func (c *cli) invoke(ctx context.Context, op contract.Operation, key, txID, arg string) ([]byte, error) {
	inv := &socket.InvokeRequest{
		Function:   op.String(),
		Key:        key,
		TxId:       txID,
		Channel:    c.opts.channel,
		ContractId: c.opts.contractID,
	}
	if arg != "" {
		inv.Args = []string{arg}
	}
	res, err := c.send(ctx, &socket.SocketRequest{Operation: int32(socket.OperationInvoke), Invoke: inv})
	if err != nil {
		return nil, err
	}
	return res.Payload, nil
}

func (c *cli) send(ctx context.Context, req *socket.SocketRequest) (*socket.SocketResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.timeout)
	defer cancel()
	req.RequestId = uuid.NewString()
	req.AuthToken = c.opts.token
	res, err := c.do(ctx, c.opts.network, c.opts.address, req)
	if err != nil {
		return nil, err
	}
	if res.ErrorCode != int32(socket.ErrorCodeOK) {
		return nil, socket.Error(socket.ErrorCode(res.ErrorCode), res.ErrorMessage)
	}
	return res, nil
}

func (c *cli) print(payload []byte, err error) error {
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, string(payload))
	return err
}
