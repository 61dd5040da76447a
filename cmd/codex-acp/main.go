// Command codex-acp serves the Agent Client Protocol over stdin/stdout and
// runs each session on a Codex conversation engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/acp-go-sdk"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cola-io/codex-acp/internal/auth"
	"github.com/cola-io/codex-acp/internal/bridge"
	"github.com/cola-io/codex-acp/internal/common/config"
	"github.com/cola-io/codex-acp/internal/common/logger"
	"github.com/cola-io/codex-acp/internal/engine"
	"github.com/cola-io/codex-acp/internal/fsbridge"
	"github.com/cola-io/codex-acp/internal/session"
	"github.com/cola-io/codex-acp/internal/tracing"
)

// version is set at build time.
var version = "dev"

const shutdownTimeout = 10 * time.Second

var errClientGone = errors.New("client disconnected")

var (
	configDir     string
	logLevel      string
	engineCommand string
	fsBridgeAddr  string
	noFSBridge    bool
)

var rootCmd = &cobra.Command{
	Use:   "codex-acp",
	Short: "ACP agent backed by the Codex conversation engine",
	Long: `codex-acp speaks the Agent Client Protocol on stdin/stdout. Each ACP
session runs on its own Codex conversation; engine events are translated
into session updates and approval requests are forwarded to the client.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVar(&configDir, "config", "", "Directory containing codex-acp.yaml")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.Flags().StringVar(&engineCommand, "engine-command", "", "Codex executable to run for each conversation")
	rootCmd.Flags().StringVar(&fsBridgeAddr, "fs-bridge-addr", "", "Listen address of the filesystem bridge")
	rootCmd.Flags().BoolVar(&noFSBridge, "no-fs-bridge", false, "Do not start the filesystem bridge")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "codex-acp:", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadWithPath(configDir)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if flags.Changed("engine-command") {
		cfg.Engine.Command = engineCommand
	}
	if flags.Changed("fs-bridge-addr") {
		cfg.FSBridge.Addr = fsBridgeAddr
	}
	if noFSBridge {
		cfg.FSBridge.Enabled = false
	}
	return cfg, nil
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if enabled, err := tracing.Init(ctx, cfg.Tracing.ServiceName); err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	} else if enabled {
		log.Info("tracing enabled")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	codexCfg, err := config.NewCodexSource(cfg.CodexHome, log)
	if err != nil {
		return fmt.Errorf("load codex config: %w", err)
	}
	codexCfg.Watch()

	eng := engine.NewProcessEngine(cfg.Engine, log)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := eng.Close(shutdownCtx); err != nil {
			log.Warn("failed to stop conversations", zap.Error(err))
		}
	}()

	store := session.NewStore(eng, log)
	notifier := bridge.NewNotifier(store, cfg.Notify.Buffer, log)
	deps := bridge.Deps{
		Engine:   eng,
		Store:    store,
		Notifier: notifier,
		Codex:    codexCfg,
		Auth:     auth.NewStore(cfg.CodexHome, log),
		Version:  version,
	}

	var fsBridge *fsbridge.Server
	if cfg.FSBridge.Enabled {
		fsBridge, err = fsbridge.New(cfg.FSBridge, store, log)
		if err != nil {
			return fmt.Errorf("create fs bridge: %w", err)
		}
		if err := fsBridge.Listen(); err != nil {
			return err
		}
		deps.FSBridge = fsBridge
	}

	agent := bridge.New(deps, log)
	conn := acp.NewAgentSideConnection(agent, os.Stdout, os.Stdin)
	conn.SetLogger(slog.Default().With("component", "acp-conn"))
	agent.Connect(conn)
	if fsBridge != nil {
		fsBridge.Attach(agent)
	}

	log.Info("codex-acp started",
		zap.String("version", version),
		zap.String("codex_home", cfg.CodexHome),
		zap.String("engine", cfg.Engine.Command),
		zap.Bool("fs_bridge", fsBridge != nil))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return notifier.Run(gctx, conn)
	})
	if fsBridge != nil {
		g.Go(func() error {
			return fsBridge.Serve(gctx)
		})
	}
	g.Go(func() error {
		select {
		case <-conn.Done():
			return errClientGone
		case <-gctx.Done():
			return nil
		}
	})

	err = g.Wait()
	if errors.Is(err, errClientGone) || errors.Is(err, context.Canceled) {
		log.Info("codex-acp stopped", zap.NamedError("reason", err))
		return nil
	}
	return err
}
