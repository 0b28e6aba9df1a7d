// ============================================================================
// pbs-jobcore CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for running the server and talking to it
//
// Command Structure:
//   pbs_server                     # Root command
//   ├── run                        # Start the server
//   ├── status                     # Ask a running server for its status
//   ├── history                    # Read the accounting journal
//   │   ├── --job                 # Only events of one job
//   │   ├── --type                # Only one event type (QUEUED, MOVED, ...)
//   │   └── --limit               # Keep the last N events
//   ├── move <dest> <job>          # qmove
//   ├── alter <job> -a k=v ...     # qalter
//   ├── --config, -c               # Config file (default configs/default.yaml)
//   └── --version
//
// Configuration Management:
//   YAML file, see config.go for the sections and their defaults.
//
// run Command:
//   1. Load config and install the slog handler
//   2. Create the controller, the gRPC server and the metrics server
//   3. Run all of them in one errgroup until SIGINT/SIGTERM
//   4. Shutdown order: gRPC GracefulStop → metrics Shutdown → controller Stop
//
//   Examples:
//     ./pbs_server run
//     ./pbs_server run -c /etc/pbs/server.yaml
//
// Client commands (status, move, alter):
//   Connect to --server, or localhost:<server.port> from the config file.
//
//   Examples:
//     ./pbs_server move work@svr2 12.svr1
//     ./pbs_server alter 12.svr1 -a Priority=10 -a Resource_List.walltime=01:00:00
//     ./pbs_server alter 40[].svr1 --array --extend ARRAY_RANGE=0-9 -a Hold_Types=u
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"os/user"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/pbs-jobcore/internal/attr"
	"github.com/ChuLiYu/pbs-jobcore/internal/batch"
	"github.com/ChuLiYu/pbs-jobcore/internal/controller"
	"github.com/ChuLiYu/pbs-jobcore/internal/metrics"
	"github.com/ChuLiYu/pbs-jobcore/internal/server"
	"github.com/ChuLiYu/pbs-jobcore/internal/storage/wal"
	"github.com/ChuLiYu/pbs-jobcore/internal/transport"
	"github.com/ChuLiYu/pbs-jobcore/pkg/types"
)

var (
	configFile string
	serverAddr string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pbs_server",
		Short: "pbs_server: batch job server core",
		Long: `pbs_server keeps the authoritative job records of a batch system:
- job state machine and crash-safe job images
- job migration between queues, servers and execution nodes
- atomic attribute modification (qalter) and qmove
- accounting journal and Prometheus metrics`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "server address for client commands (default localhost:<server.port>)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildHistoryCommand())
	rootCmd.AddCommand(buildMoveCommand())
	rootCmd.AddCommand(buildAlterCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the job server",
		Long:  "Recover jobs from disk, then serve migration and client requests until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			setupLogging(cfg.Log, os.Stderr)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
}

// runServer runs the controller, the gRPC listener and the metrics endpoint
// until ctx is cancelled or one of them fails.
func runServer(ctx context.Context, cfg *Config) error {
	tr := transport.NewTransport(cfg.Server.Name, cfg.Move.RPCTimeout)
	defer tr.Close()

	opts := controller.Options{
		Transport: tr,
		Relay:     transport.NewMomRelay(tr, cfg.Move.MomPort),
	}
	if cfg.Metrics.Enabled {
		opts.Recorder = metrics.NewCollector()
	}

	ctrl, err := controller.NewController(cfg.controllerConfig(), opts)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	defer ctrl.Stop()

	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	lis, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(cfg.Server.Port)))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Server.Port, err)
	}
	grpcServer := grpc.NewServer()
	transport.RegisterJobMoveServer(grpcServer, server.NewServer(ctrl, server.Config{
		Managers:     cfg.Server.Managers,
		DefaultQueue: cfg.Server.DefaultQueue,
	}))

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Port)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("gRPC server listening", "addr", lis.Addr().String(), "server", cfg.Server.Name)
		if err := grpcServer.Serve(lis); !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	if metricsServer != nil {
		g.Go(func() error {
			slog.Info("Starting metrics server", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Received shutdown signal, stopping gracefully...")
		grpcServer.GracefulStop()
		if metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				slog.Warn("Metrics server shutdown failed", "error", err)
			}
		}
		return nil
	})

	err = g.Wait()
	ctrl.Stop()
	slog.Info("Server stopped")
	return err
}

// ============================================================================
// Client commands
// ============================================================================

// dialServer connects to --server or to the configured local port.
func dialServer() (*transport.Client, *Config, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	addr := serverAddr
	if addr == "" {
		addr = net.JoinHostPort("localhost", strconv.Itoa(cfg.Server.Port))
	}
	client, err := transport.NewClient(addr, cfg.Move.RPCTimeout)
	if err != nil {
		return nil, nil, err
	}
	return client, cfg, nil
}

// requester returns the local user and host names sent with a request.
func requester() (string, string) {
	name := os.Getenv("USER")
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return name, host
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		Long:  "Display job counts, pending moves, recent dispatches and down nodes of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := dialServer()
			if err != nil {
				return err
			}
			defer client.Close()

			rep, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			if err := rep.Err(); err != nil {
				return err
			}
			return printStatus(cmd, rep.Data)
		},
	}
}

func printStatus(cmd *cobra.Command, data string) error {
	var status map[string]interface{}
	if err := json.Unmarshal([]byte(data), &status); err != nil {
		return fmt.Errorf("failed to decode status: %w", err)
	}
	out, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func buildHistoryCommand() *cobra.Command {
	var (
		jobID     string
		eventType string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show job events from the accounting journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			events, err := wal.History(cfg.Storage.JournalPath, wal.Filter{
				JobID: types.JobID(jobID),
				Type:  wal.EventType(strings.ToUpper(eventType)),
				Limit: limit,
			})
			for _, e := range events {
				fmt.Fprintln(cmd.OutOrStdout(), formatEvent(e))
			}
			if err != nil {
				return fmt.Errorf("failed to read journal: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "only events of this job")
	cmd.Flags().StringVar(&eventType, "type", "", "only events of this type")
	cmd.Flags().IntVar(&limit, "limit", 0, "keep only the last N events")
	return cmd
}

func formatEvent(e wal.Event) string {
	ts := time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339)
	line := fmt.Sprintf("%s %-8s %s queue=%s", ts, e.Type, e.JobID, e.Queue)
	if e.Requester != "" {
		line += " requester=" + e.Requester
	}
	if e.Detail != "" {
		line += " " + e.Detail
	}
	return line
}

func buildMoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "move <destination> <job_id>...",
		Short: "Move jobs to another queue or server",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := dialServer()
			if err != nil {
				return err
			}
			defer client.Close()

			usr, host := requester()
			var failed error
			for _, id := range args[1:] {
				rep, err := client.MoveJob(cmd.Context(), &transport.MoveRequest{
					JobID: id, Destination: args[0], User: usr, Host: host,
				})
				if err == nil {
					err = rep.Err()
				}
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "move %s: %v\n", id, err)
					failed = err
				}
			}
			return failed
		},
	}
}

func buildAlterCommand() *cobra.Command {
	var (
		sets   []string
		async  bool
		array  bool
		extend string
	)
	cmd := &cobra.Command{
		Use:   "alter <job_id>",
		Short: "Modify job attributes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := parseAttrs(sets)
			if err != nil {
				return err
			}
			client, _, err := dialServer()
			if err != nil {
				return err
			}
			defer client.Close()

			usr, host := requester()
			rep, err := client.ModifyJob(cmd.Context(), &transport.ModifyRequest{
				JobID: args[0], User: usr, Host: host, Attrs: ops,
				Extend: extend, Async: async, Array: array,
			})
			if err != nil {
				return err
			}
			return replyError(rep, ops)
		},
	}
	cmd.Flags().StringArrayVarP(&sets, "attr", "a", nil, "attribute to set, name=value or name.resource=value")
	cmd.Flags().BoolVar(&async, "async", false, "return before the change is applied")
	cmd.Flags().BoolVar(&array, "array", false, "job_id names an array")
	cmd.Flags().StringVar(&extend, "extend", "", "extension string, e.g. "+batch.ExtendArrayRange+"0-9")
	_ = cmd.MarkFlagRequired("attr")
	return cmd
}

// parseAttrs turns name[.resource]=value arguments into attribute ops.
func parseAttrs(sets []string) ([]attr.Op, error) {
	ops := make([]attr.Op, 0, len(sets))
	for _, s := range sets {
		key, value, ok := strings.Cut(s, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid attribute %q, want name=value", s)
		}
		name, resource, _ := strings.Cut(key, ".")
		ops = append(ops, attr.Op{Name: name, Resource: resource, Value: value})
	}
	return ops, nil
}

// replyError names the failing attribute when the server reports one.
func replyError(rep batch.Reply, ops []attr.Op) error {
	err := rep.Err()
	if err == nil {
		return nil
	}
	if len(rep.BadAttrs) > 1 {
		return fmt.Errorf("attributes %s: %w", strings.Join(rep.BadAttrs, ", "), err)
	}
	if rep.BadIndex > 0 && rep.BadIndex <= len(ops) {
		return fmt.Errorf("attribute %s: %w", ops[rep.BadIndex-1], err)
	}
	return err
}
