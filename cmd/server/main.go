package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"

	"pagepilot-mcp-server/internal/browser"
	"pagepilot-mcp-server/internal/config"
	"pagepilot-mcp-server/internal/logging"
	"pagepilot-mcp-server/internal/mangle"
	mcpserver "pagepilot-mcp-server/internal/mcp"
	"pagepilot-mcp-server/internal/recorder"
)

type cli struct {
	Serve serveCmd `cmd:"" default:"withargs" help:"Run the MCP server (stdio unless an SSE port is set)."`
	Init  initCmd  `cmd:"" help:"Create a .pagepilot workspace with a template config."`
}

type serveCmd struct {
	Config       string `help:"Path to a config file layered over the workspace config." type:"path"`
	SSEPort      int    `name:"sse-port" help:"Serve over SSE on this port instead of stdio."`
	NoWorkspace  bool   `name:"no-workspace" help:"Skip .pagepilot workspace discovery."`
	WorkspaceDir string `name:"workspace-dir" help:"Use this directory as the workspace root." type:"path"`
	LogLevel     string `name:"log-level" help:"debug, info, warn or error (overrides config)."`
}

type initCmd struct {
	Dir string `arg:"" optional:"" default:"." help:"Directory to initialise." type:"path"`
}

func (c *initCmd) Run() error {
	if err := config.InitWorkspace(c.Dir); err != nil {
		return err
	}
	fmt.Printf("initialised %s/%s\n", c.Dir, config.WorkspaceDirName)
	return nil
}

func (c *serveCmd) Run() error {
	cfg, wsDir, err := config.LoadWithWorkspace(c.Config, config.WorkspaceOptions{
		Disable:     c.NoWorkspace,
		ExplicitDir: c.WorkspaceDir,
	})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if c.SSEPort != 0 {
		cfg.MCP.SSEPort = c.SSEPort
	}
	if c.LogLevel != "" {
		cfg.Server.LogLevel = c.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, closeLog := newLogger(cfg)
	defer closeLog()
	if wsDir != "" {
		logger.Info("workspace loaded", "dir", wsDir)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := mangle.NewEngine(cfg.Mangle, logger)
	if err != nil {
		return fmt.Errorf("initialize mangle engine: %w", err)
	}

	opts := []browser.Option{
		browser.WithLogger(logger.WithPrefix("browser")),
		browser.WithPilotOptions(browser.PilotOptions(cfg.Pilot)),
	}
	if cfg.Recorder.Enable {
		rec, err := recorder.NewRecorder(cfg.Recorder.Dir, cfg.Recorder.MaxFiles)
		if err != nil {
			logger.Warn("trace recorder disabled", "err", err)
		} else {
			opts = append(opts, browser.WithRecorder(rec))
		}
	}

	sessions := browser.NewSessionManager(cfg.Browser, engine, opts...)
	defer func() { _ = sessions.Shutdown(context.Background()) }()
	if cfg.Browser.AutoStart {
		if err := sessions.Start(ctx); err != nil {
			return fmt.Errorf("start browser: %w", err)
		}
	} else {
		logger.Info("browser auto-start disabled; use launch-browser")
	}

	server, err := mcpserver.NewServer(cfg, sessions, engine, logger)
	if err != nil {
		return fmt.Errorf("initialize MCP server: %w", err)
	}

	if cfg.MCP.SSEPort > 0 {
		logger.Info("starting SSE server", "port", cfg.MCP.SSEPort)
		err = server.StartSSE(ctx, cfg.MCP.SSEPort)
	} else {
		logger.Info("starting stdio server")
		err = server.Start(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server exited: %w", err)
	}
	return nil
}

// newLogger writes to stderr in SSE mode. In stdio mode stderr is left to the
// client, so logs go to server.log_file or nowhere.
func newLogger(cfg config.Config) (*log.Logger, func()) {
	if cfg.MCP.SSEPort > 0 {
		return logging.New(logging.Options{Level: cfg.Server.LogLevel}), func() {}
	}
	if cfg.Server.LogFile == "" {
		return logging.Nop(), func() {}
	}
	f, err := logging.OpenFile(cfg.Server.LogFile)
	if err != nil {
		return logging.Nop(), func() {}
	}
	return logging.New(logging.Options{Level: cfg.Server.LogLevel, Output: f}), func() { _ = f.Close() }
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("pagepilot-mcp"),
		kong.Description("MCP server that lets an agent drive a browser through semantic manifests."),
		kong.UsageOnError(),
	)
	if err := kctx.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
