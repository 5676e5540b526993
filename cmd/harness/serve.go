package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/holon-run/harness/pkg/agent"
	"github.com/holon-run/harness/pkg/approval"
	"github.com/holon-run/harness/pkg/bus"
	"github.com/holon-run/harness/pkg/config"
	"github.com/holon-run/harness/pkg/eventlog"
	harnesslog "github.com/holon-run/harness/pkg/log"
	"github.com/holon-run/harness/pkg/orchestrator"
	"github.com/holon-run/harness/pkg/permission"
	"github.com/holon-run/harness/pkg/registry"
	"github.com/holon-run/harness/pkg/server"
	"github.com/holon-run/harness/pkg/session"
	"github.com/holon-run/harness/pkg/transport"
)

const shutdownTimeout = 10 * time.Second

var (
	serveCwd           string
	serveConfigPath    string
	serveLogLevel      string
	serveLogFormat     string
	serveTraceFile     string
	serveAskPermission bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the JSON-RPC protocol on stdin/stdout",
	Long: `Serve the harness protocol on the process's standard streams.

Requests are read from stdin one JSON object per line. Responses and
notifications are written to stdout. Logs go to stderr. The command exits
after stdin closes and running turns have been cancelled.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cwd, err := filepath.Abs(serveCwd)
		if err != nil {
			return fmt.Errorf("failed to resolve working directory: %w", err)
		}
		cfg, err := loadConfig(cwd, serveConfigPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			cfg.Log.Level = serveLogLevel
		}
		if cmd.Flags().Changed("log-format") {
			cfg.Log.Format = serveLogFormat
		}
		if cmd.Flags().Changed("ask-permission") {
			cfg.Agent.AskPermission = serveAskPermission
		}
		level, err := harnesslog.ParseLevel(cfg.Log.Level)
		if err != nil {
			return err
		}
		if err := harnesslog.Init(harnesslog.Config{Level: level, Format: cfg.Log.Format, Output: os.Stderr}); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer harnesslog.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cwd, cfg)
	},
}

func loadConfig(cwd, path string) (config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.LoadDir(cwd)
}

func newRunner(cfg config.Config, b *bus.Bus, asker agent.Asker) (agent.Runner, error) {
	switch cfg.Agent.Driver {
	case config.DriverDocker:
		return agent.NewContainerRunner(cfg.Agent.Image, cfg.Agent.Env, b)
	default:
		return &agent.EchoRunner{Bus: b, Permissions: asker, AskPermission: cfg.Agent.AskPermission}, nil
	}
}

func serve(ctx context.Context, cwd string, cfg config.Config) error {
	b := bus.New()
	engine := permission.NewEngine(b)
	runner, err := newRunner(cfg, b, engine)
	if err != nil {
		return err
	}

	var connOpts []transport.Option
	if serveTraceFile != "" {
		connOpts = append(connOpts, transport.WithTraceFile(serveTraceFile))
	}
	conn := transport.Stdio(connOpts...)
	reg := registry.New()
	events := eventlog.New(cfg.StateDir)
	pub := orchestrator.NewPublisher(conn, events, nil)

	orch, err := orchestrator.New(orchestrator.Config{
		Registry:  reg,
		Bus:       b,
		Runner:    runner,
		Models:    cfg.Models(),
		Publisher: pub,
	})
	if err != nil {
		return err
	}
	srv, err := server.New(server.Config{
		Directory:    cwd,
		Version:      Version,
		Registry:     reg,
		Sessions:     session.NewFileStore(cfg.StateDirFor(cwd)),
		Orchestrator: orch,
		Gate:         approval.New(engine),
		EventLog:     events,
		Publisher:    pub,
	})
	if err != nil {
		return err
	}
	if err := srv.Attach(conn); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	harnesslog.Info("harness serving", "cwd", cwd, "driver", cfg.Agent.Driver, "version", Version)
	serveErr := conn.Serve(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		harnesslog.Warn("turns still running at shutdown", "error", err)
	}
	_ = conn.Close()
	harnesslog.Info("harness stopped")
	return serveErr
}

func init() {
	serveCmd.Flags().StringVar(&serveCwd, "cwd", ".", "Working directory for threads without an explicit directory")
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Config file (default: <cwd>/.harness/config.yaml)")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	serveCmd.Flags().StringVar(&serveLogFormat, "log-format", harnesslog.FormatConsole, "Log format: console or json")
	serveCmd.Flags().StringVar(&serveTraceFile, "trace-file", "", "Append every wire line to this file")
	serveCmd.Flags().BoolVar(&serveAskPermission, "ask-permission", false, "Ask for approval before the echo agent runs its tool")
	rootCmd.AddCommand(serveCmd)
}
