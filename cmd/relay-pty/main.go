// Command relay-pty wraps an interactive CLI agent in a PTY and exposes a
// local control socket for message injection and status queries (spec §6).
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/term"

	"github.com/spf13/cobra"

	"github.com/harveyfullstack/relay-pty/internal/inject"
	"github.com/harveyfullstack/relay-pty/internal/logger"
	"github.com/harveyfullstack/relay-pty/internal/outbox"
	"github.com/harveyfullstack/relay-pty/internal/parser"
	"github.com/harveyfullstack/relay-pty/internal/ptyio"
	"github.com/harveyfullstack/relay-pty/internal/queue"
	"github.com/harveyfullstack/relay-pty/internal/relaypty"
	"github.com/harveyfullstack/relay-pty/internal/socket"
	"github.com/harveyfullstack/relay-pty/internal/supervisor"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "relay-pty:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cfg := relaypty.DefaultConfig()
	var seenTTLSec uint64
	var cleanupIntervalSec uint64

	cmd := &cobra.Command{
		Use:                   "relay-pty [flags] -- command [args...]",
		Short:                 "Supervise an interactive CLI agent inside a PTY with message injection",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dashIdx := cmd.ArgsLenAtDash()
			if dashIdx < 0 {
				return fmt.Errorf("expected a command after --, e.g. relay-pty --name agent -- claude")
			}
			cfg.Command = args[dashIdx:]
			if len(cfg.Command) == 0 {
				return fmt.Errorf("no command given after --")
			}
			cfg.SeenTTL = seenTTLSec
			cfg.CleanupInterval = cleanupIntervalSec
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.Name, "name", cfg.Name, "agent name, used in the default socket and outbox paths and as the sender of parsed relay commands")
	flags.StringVar(&cfg.SocketPath, "socket", "", "control socket path (default <tmp>/relay-pty-<name>.sock, or workspace-scoped if WORKSPACE_ID is set)")
	flags.StringVar(&cfg.PromptPattern, "prompt-pattern", cfg.PromptPattern, "regex matched against the last output line to detect an idle prompt")
	flags.Uint64Var(&cfg.IdleTimeoutMS, "idle-timeout", cfg.IdleTimeoutMS, "milliseconds of silence before the agent is considered idle")
	flags.IntVar(&cfg.QueueMax, "queue-max", cfg.QueueMax, "maximum pending injection queue length")
	flags.BoolVar(&cfg.JSONOutput, "json-output", cfg.JSONOutput, "emit parsed relay/continuity commands as JSON lines on stderr")
	flags.Uint32Var(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "injection retry attempts before a message is marked failed")
	flags.Uint64Var(&cfg.RetryDelayMS, "retry-delay", cfg.RetryDelayMS, "milliseconds to wait between injection retries")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	flags.Uint16Var(&cfg.Rows, "rows", cfg.Rows, "PTY rows (default: parent terminal size, else 24)")
	flags.Uint16Var(&cfg.Cols, "cols", cfg.Cols, "PTY cols (default: parent terminal size, else 80)")
	flags.StringVar(&cfg.LogFile, "log-file", "", "append a copy of raw child output to this file")
	flags.StringVar(&cfg.OutboxPath, "outbox", "", "directory for file-backed relay messages (default workspace-scoped path)")
	flags.Uint64Var(&cfg.StaleOutboxTimeout, "stale-outbox-timeout", cfg.StaleOutboxTimeout, "seconds before an unconsumed outbox file is reported stale (0 disables)")
	flags.Uint64Var(&seenTTLSec, "seen-ttl", cfg.SeenTTL, "seconds a message id is remembered for deduplication")
	flags.Uint64Var(&cleanupIntervalSec, "cleanup-interval", cfg.CleanupInterval, "seconds between dedup-map sweeps")
	flags.Uint64Var(&cfg.AutoEnterTimeout, "auto-enter-timeout", cfg.AutoEnterTimeout, "base seconds of post-injection silence before auto-Enter recovery fires (0 disables)")

	return cmd
}

func run(ctx context.Context, cfg relaypty.Config) error {
	// --log-file mirrors raw child PTY bytes (set on the supervisor below);
	// structured logs always go to stderr, so logger.Init never takes a file.
	if err := logger.Init(cfg.LogLevel, ""); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	workspaceID := os.Getenv("WORKSPACE_ID")
	if cfg.SocketPath == "" {
		cfg.SocketPath = defaultSocketPath(cfg.Name, workspaceID)
	}
	if cfg.OutboxPath == "" {
		cfg.OutboxPath = defaultOutboxPath(cfg.Name, workspaceID)
	}

	rows, cols := cfg.Rows, cfg.Cols
	if rows == 0 || cols == 0 {
		if tc, tr, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			if cols == 0 {
				cols = uint16(tc)
			}
			if rows == 0 {
				rows = uint16(tr)
			}
		}
	}

	pty, err := ptyio.Spawn(cfg.Command, rows, cols)
	if err != nil {
		return fmt.Errorf("spawn %v: %w", cfg.Command, err)
	}
	asyncPty := ptyio.NewAsyncPty(pty)

	q := queue.New(cfg.QueueMax, time.Duration(cfg.SeenTTL)*time.Second, time.Duration(cfg.CleanupInterval)*time.Second)
	inj := inject.New(asyncPty, q, cfg)
	p := parser.NewWithOutbox(cfg.Name, cfg.PromptPattern, cfg.OutboxPath)

	var ob *outbox.Monitor
	if cfg.StaleOutboxTimeout > 0 {
		ob = outbox.New(outbox.Config{
			AgentName:     cfg.Name,
			OutboxPath:    cfg.OutboxPath,
			StaleTimeout:  time.Duration(cfg.StaleOutboxTimeout) * time.Second,
			CheckInterval: 10 * time.Second,
		})
		if err := ob.Start(); err != nil {
			logger.Warn("outbox watcher disabled", "error", err)
			ob = nil
		}
	}

	sup := supervisor.New(cfg, asyncPty, q, inj, p)
	sup.Outbox = ob
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		sup.LogFile = f
	}
	sup.EnableRawMode()

	srv := &socket.Server{
		SocketPath: cfg.SocketPath,
		Queue:      q,
		Status: func() socket.StatusInfo {
			idle, qlen, lastOutputMS := sup.Status()
			return socket.StatusInfo{AgentIdle: idle, QueueLength: qlen, LastOutputMS: lastOutputMS}
		},
		Shutdown: sup.RequestShutdown,
	}
	go func() {
		if err := srv.Run(); err != nil {
			logger.Error("control socket exited", "error", err)
		}
	}()
	defer srv.Close()

	go func() {
		if err := inj.Run(ctx); err != nil {
			logger.Debug("injector stopped", "error", err)
		}
	}()

	logger.Info("relay-pty started", "name", cfg.Name, "socket", cfg.SocketPath, "command", cfg.Command)
	return sup.Run(ctx)
}

// defaultSocketPath implements §6's socket placement rule.
func defaultSocketPath(name, workspaceID string) string {
	if workspaceID != "" {
		return filepath.Join(os.TempDir(), "relay", workspaceID, "sockets", name+".sock")
	}
	return filepath.Join(os.TempDir(), "relay-pty-"+name+".sock")
}

// defaultOutboxPath mirrors the socket path substitution for the outbox
// directory.
func defaultOutboxPath(name, workspaceID string) string {
	if workspaceID != "" {
		return filepath.Join(os.TempDir(), "relay", workspaceID, "outbox", name)
	}
	return filepath.Join(os.TempDir(), "relay-outbox-"+name)
}
