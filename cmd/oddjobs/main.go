// Command oddjobs is the thin CLI client over oddjobsd's RPC control
// surface: run a command, push a queue item, start/stop a worker, send
// text to a running agent, cancel a job, or print status. Grounded on
// `internal/cli/root.go`'s Cobra root-command shape and
// `internal/commands/run/command.go`'s per-subcommand flag layout,
// adapted from an HTTP/Unix-socket client to oddjobsd's websocket one
// (internal/rpcclient).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/groblegark/oddjobs/internal/daemon"
	"github.com/groblegark/oddjobs/internal/rpc"
	"github.com/groblegark/oddjobs/internal/rpcclient"
)

var (
	configPath string
	rpcAddr    string
	asJSON     bool
)

func main() {
	root := &cobra.Command{
		Use:           "oddjobs",
		Short:         "Control surface client for oddjobsd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to oddjobsd config YAML")
	root.PersistentFlags().StringVar(&rpcAddr, "rpc-addr", "", "Override the daemon's RPC host:port (default: read from state_dir/rpc.port)")
	root.PersistentFlags().BoolVar(&asJSON, "json", false, "Print raw JSON results")

	root.AddCommand(
		newRunCommand(),
		newQueuePushCommand(),
		newWorkerCommand(),
		newAgentSendCommand(),
		newCancelCommand(),
		newStatusCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "oddjobs:", err)
		os.Exit(1)
	}
}

// dial resolves the daemon's address from --rpc-addr or the config's
// rpc.port file, mints a bearer token when the config has an auth_token,
// and connects.
func dial(ctx context.Context) (*rpcclient.Client, error) {
	addr := rpcAddr
	var token string

	if addr == "" {
		cfg, err := daemon.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		portBytes, err := os.ReadFile(cfg.RPCPortFile())
		if err != nil {
			return nil, fmt.Errorf("oddjobsd not running (could not read %s): %w", cfg.RPCPortFile(), err)
		}
		port, err := strconv.Atoi(strings.TrimSpace(string(portBytes)))
		if err != nil {
			return nil, fmt.Errorf("malformed rpc.port file: %w", err)
		}
		addr = fmt.Sprintf("127.0.0.1:%d", port)

		if cfg.AuthToken != "" {
			validator := rpc.NewTokenValidator(cfg.AuthToken)
			token, err = validator.IssueToken("oddjobs-cli", time.Minute)
			if err != nil {
				return nil, fmt.Errorf("mint auth token: %w", err)
			}
		}
	}

	var opts []rpcclient.Option
	if token != "" {
		opts = append(opts, rpcclient.WithBearerToken(token))
	}
	return rpcclient.Dial(ctx, addr, opts...)
}

func printResult(v any) {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(v)
		return
	}
	fmt.Printf("%+v\n", v)
}

func newRunCommand() *cobra.Command {
	var args []string
	cmd := &cobra.Command{
		Use:   "run <command>",
		Short: "Start a runbook command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, cliArgs []string) error {
			vars, err := parseKV(args)
			if err != nil {
				return err
			}
			c, err := dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			var result rpc.RunResult
			if err := c.Do(cmd.Context(), "run", rpc.RunParams{Command: cliArgs[0], Args: vars}, &result); err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&args, "arg", nil, "key=value argument, repeatable")
	return cmd
}

func newQueuePushCommand() *cobra.Command {
	var vars []string
	cmd := &cobra.Command{
		Use:   "queue-push <queue>",
		Short: "Push an item onto a persisted queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, cliArgs []string) error {
			kv, err := parseKV(vars)
			if err != nil {
				return err
			}
			c, err := dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			var result rpc.QueuePushResult
			if err := c.Do(cmd.Context(), "queue_push", rpc.QueuePushParams{Queue: cliArgs[0], Vars: kv}, &result); err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&vars, "var", nil, "key=value item field, repeatable")
	return cmd
}

func newWorkerCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "worker", Short: "Start or stop a named worker"}
	cmd.AddCommand(
		&cobra.Command{
			Use:  "start <name>",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error { return callWorker(cmd, "worker_start", args[0]) },
		},
		&cobra.Command{
			Use:  "stop <name>",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error { return callWorker(cmd, "worker_stop", args[0]) },
		},
	)
	return cmd
}

func callWorker(cmd *cobra.Command, method, name string) error {
	c, err := dial(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.Do(cmd.Context(), method, rpc.WorkerParams{Name: name}, nil); err != nil {
		return err
	}
	fmt.Printf("%s: ok\n", method)
	return nil
}

func newAgentSendCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "agent-send <agent-id> <text>",
		Short: "Send text to a running agent's stdin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.Do(cmd.Context(), "agent_send", rpc.AgentSendParams{AgentID: args[0], Text: args[1]}, nil); err != nil {
				return err
			}
			fmt.Println("agent_send: ok")
			return nil
		},
	}
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.Do(cmd.Context(), "job_cancel", rpc.JobCancelParams{JobID: args[0]}, nil); err != nil {
				return err
			}
			fmt.Println("job_cancel: ok")
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show one job's status, or every job when job-id is omitted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var jobID string
			if len(args) == 1 {
				jobID = args[0]
			}
			c, err := dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			var result rpc.StatusResult
			if err := c.Do(cmd.Context(), "status", rpc.StatusParams{JobID: jobID}, &result); err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}
}

func parseKV(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("malformed key=value pair %q", p)
		}
		out[k] = v
	}
	return out, nil
}
