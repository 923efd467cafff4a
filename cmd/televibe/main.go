// Package main is the Televibe entry point: it wires the store, the session
// manager, the job runner, the approval gate, the tracker, and the status
// API, then waits for a shutdown signal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/televibe/televibe/internal/approval"
	"github.com/televibe/televibe/internal/chat"
	"github.com/televibe/televibe/internal/common/config"
	"github.com/televibe/televibe/internal/common/logger"
	"github.com/televibe/televibe/internal/common/tracing"
	"github.com/televibe/televibe/internal/db"
	"github.com/televibe/televibe/internal/events"
	"github.com/televibe/televibe/internal/httpapi"
	"github.com/televibe/televibe/internal/runner"
	"github.com/televibe/televibe/internal/session"
	"github.com/televibe/televibe/internal/store"
	"github.com/televibe/televibe/internal/supervisor"
	"github.com/televibe/televibe/internal/taskfile"
	"github.com/televibe/televibe/internal/tracker"
	"github.com/televibe/televibe/internal/workspace"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "televibe: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting televibe")
	if len(cfg.Telegram.AllowedChatIDs) == 0 {
		log.Warn("no allowed chat ids configured, any chat is accepted")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		log.Warn("tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	stateDir, err := cfg.StateDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	dbPath, err := cfg.DatabasePath()
	if err != nil {
		return err
	}
	pool, err := db.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer pool.Close()

	st, err := store.New(ctx, pool, log)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}

	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer closeBus()

	workspacesDir, err := cfg.WorkspacesDir()
	if err != nil {
		return err
	}
	provisioner, err := workspace.NewProvisioner(workspacesDir, log)
	if err != nil {
		return fmt.Errorf("initialize workspace provisioner: %w", err)
	}

	sessions := session.NewManager(st, provisioner, session.Config{
		BranchPrefix:  cfg.Worktree.BranchPrefix,
		DefaultBranch: cfg.Worktree.DefaultBranch,
	}, log)

	// The chat transport runs as a separate collaborator process; until it
	// attaches, tracker and approval traffic is mirrored to the log.
	messenger := chat.NewLogMessenger(log)

	gate := approval.NewGate(st, sessions, messenger, eventBus, log)

	var executor runner.Executor
	switch cfg.Jobs.Executor() {
	case config.ExecutorSDK:
		executor = runner.NewSDKExecutor(cfg.Jobs.AssistantBin)
	default:
		executor = runner.NewSubprocessExecutor(cfg.Jobs.AssistantBin)
	}

	logsDir, err := cfg.LogsDir()
	if err != nil {
		return err
	}
	jobs, err := runner.New(st, sessions, gate, eventBus, executor, runner.Config{
		LogsDir:       logsDir,
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
	}, log)
	if err != nil {
		return fmt.Errorf("initialize job runner: %w", err)
	}

	trk := tracker.New(st, messenger, 0, log)
	jobs.SetSink(trk)
	if err := trk.SubscribeBus(eventBus); err != nil {
		return fmt.Errorf("subscribe tracker to event bus: %w", err)
	}

	if err := jobs.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile orphaned jobs: %w", err)
	}

	if err := taskfile.NewImporter(st, log).ImportAll(ctx); err != nil {
		log.Warn("task directory import failed", zap.Error(err))
	}

	restartPath, err := cfg.RestartStatePath()
	if err != nil {
		return err
	}
	if state, err := supervisor.ConsumeRestartState(restartPath); err != nil {
		log.Warn("unreadable restart state ignored", zap.Error(err))
	} else if state != nil {
		log.Info("restart notice consumed",
			zap.String("reason", state.Reason),
			zap.Int64s("notify_chats", state.NotifyChats))
		notifyRestart(ctx, messenger, state)
	}

	var statusAPI *httpapi.Server
	if cfg.Server.Enabled {
		statusAPI = httpapi.New(st, cfg.Server, log)
		go func() {
			if err := statusAPI.Start(); err != nil {
				log.Error("status API failed", zap.Error(err))
			}
		}()
	}

	healthPath, err := cfg.HealthFlagPath()
	if err != nil {
		return err
	}
	if err := supervisor.TouchHealthFlag(healthPath); err != nil {
		log.Warn("failed to touch health flag", zap.Error(err))
	}

	log.Info("televibe ready",
		zap.String("state_dir", stateDir),
		zap.String("executor", cfg.Jobs.ExecutorType))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", zap.String("signal", sig.String()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if statusAPI != nil {
		if err := statusAPI.Shutdown(shutdownCtx); err != nil {
			log.Warn("status API shutdown failed", zap.Error(err))
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("trace flush failed", zap.Error(err))
	}
	return nil
}

// notifyRestart tells affected chats the process came back.
func notifyRestart(ctx context.Context, messenger chat.Messenger, state *supervisor.RestartState) {
	text := "🔄 Televibe restarted"
	if state.Reason != "" {
		text += ": " + state.Reason
	}
	for _, chatID := range state.NotifyChats {
		if _, err := messenger.SendMessage(ctx, chatID, text, nil); err != nil {
			logger.Default().Warn("restart notice failed",
				zap.Int64("chat_id", chatID), zap.Error(err))
		}
	}
}
