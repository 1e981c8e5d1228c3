package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"healthsync/internal/adapter/backend"
	"healthsync/internal/adapter/platform"
	"healthsync/internal/adapter/store"
	"healthsync/internal/domain"
	"healthsync/internal/infra/config"
	"healthsync/internal/infra/logger"
	"healthsync/internal/infra/tracer"
	"healthsync/internal/security"
	"healthsync/internal/usecase"
	"healthsync/internal/usecase/scheduling"
)

const masterKeyEnv = "HEALTHSYNC_MASTER_KEY"

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "sync":
		if err := runOnce(); err != nil {
			fmt.Fprintf(os.Stderr, "sync: %v\n", err)
			os.Exit(1)
		}
	case "status":
		if err := runStatus(); err != nil {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			os.Exit(1)
		}
	case "rotate-keys":
		if err := runRotateKeys(); err != nil {
			fmt.Fprintf(os.Stderr, "rotate-keys: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'syncd --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`syncd - health metric synchronization engine

USAGE:
    syncd [COMMAND] [FLAGS]

COMMANDS:
    sync          Run one high-priority sync cycle and exit
    status        Print per-type sync state and exit
    rotate-keys   Force an encryption key rotation and exit

    (no command) - Run the sync daemon

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: HEALTHSYNC_* variables override config
    ` + masterKeyEnv + ` must hold the master passphrase.

SIGNALS:
    SIGUSR1   Trigger an immediate high-priority sync cycle
    SIGINT    Graceful shutdown (drains the running cycle)`)
}

func configPath() string {
	for i := 1; i < len(os.Args); i++ {
		switch {
		case os.Args[i] == "--config" && i+1 < len(os.Args):
			return os.Args[i+1]
		case strings.HasPrefix(os.Args[i], "--config="):
			return strings.TrimPrefix(os.Args[i], "--config=")
		}
	}
	return "./config.yaml"
}

// engine bundles everything run/runOnce need, with a teardown that releases
// resources in reverse construction order.
type engine struct {
	cfg          *config.Config
	logger       *slog.Logger
	orchestrator *usecase.Orchestrator
	rotator      *security.KeyRotator
	device       *usecase.DeviceMonitor
	store        *store.SQLiteStateStore

	shutdown []func()
}

func (e *engine) close() {
	for i := len(e.shutdown) - 1; i >= 0; i-- {
		e.shutdown[i]()
	}
}

func buildEngine(ctx context.Context) (*engine, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}

	e := &engine{cfg: cfg, logger: log}
	e.shutdown = append(e.shutdown, func() { closeLog() })

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		e.close()
		return nil, err
	}
	e.shutdown = append(e.shutdown, func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutCtx); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
	})

	passphrase := os.Getenv(masterKeyEnv)
	if passphrase == "" {
		e.close()
		return nil, fmt.Errorf("%s must be set", masterKeyEnv)
	}
	keyStore, err := security.NewFileKeyStore(cfg.Security.KeyDir, passphrase, cfg.Security.SecureDelete)
	if err != nil {
		e.close()
		return nil, fmt.Errorf("open key store: %w", err)
	}
	e.shutdown = append(e.shutdown, keyStore.Zeroize)

	gateway, err := security.NewGateway(keyStore)
	if err != nil {
		e.close()
		return nil, fmt.Errorf("open encryption gateway: %w", err)
	}
	e.shutdown = append(e.shutdown, gateway.Zeroize)

	stateStore, err := store.NewSQLiteStateStore(cfg.Store.Path)
	if err != nil {
		e.close()
		return nil, fmt.Errorf("open state store: %w", err)
	}
	e.store = stateStore
	e.shutdown = append(e.shutdown, func() {
		if err := stateStore.Close(); err != nil {
			log.Warn("state store close failed", "error", err)
		}
	})

	adapter, err := platform.New(cfg.Platform, logger.Named(log, "platform"))
	if err != nil {
		e.close()
		return nil, err
	}

	cache := usecase.NewQueryCache(cfg.Cache.TTL, cfg.Cache.Capacity)
	executor := usecase.NewExecutor(adapter,
		cache,
		usecase.NewRateBudget(cfg.Platform.RateLimitPerWindow, cfg.Platform.RateWindow),
		usecase.NewMetricSealer(gateway),
		usecase.ExecutorOptions{
			QueryTimeout:     cfg.Sync.QueryTimeout,
			MaxAttempts:      cfg.Sync.MaxRetryAttempts,
			BackoffBase:      cfg.Sync.RetryBackoffBase,
			BackoffCap:       cfg.Sync.RetryBackoffCap,
			StrictValidation: cfg.Sync.StrictValidation,
		},
		logger.Named(log, "executor"),
	)

	uploader := usecase.NewBatchUploader(
		backend.NewClient(cfg.Backend, logger.Named(log, "backend")),
		cfg.Sync.BatchSize, logger.Named(log, "uploader"))

	e.device = usecase.NewDeviceMonitor(cfg.Device, cfg.Sync.MinBatteryLevel, logger.Named(log, "device"))
	e.orchestrator = usecase.NewOrchestrator(executor, uploader, stateStore, e.device,
		usecase.OrchestratorOptions{MetricTypes: cfg.Sync.MetricTypes}, logger.Named(log, "orchestrator"))

	e.rotator = security.NewKeyRotator(gateway, stateStore,
		cfg.Security.RotationUsageThreshold, cfg.Security.RotationInterval, logger.Named(log, "rotator"))
	// Cached query results are sealed under the outgoing generation; drop
	// them before the old key is destroyed.
	e.rotator.OnRotated(cache.InvalidateAll)

	return e, nil
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	e.device.StartMonitor()
	defer e.device.StopMonitor()

	scheduler := scheduling.NewScheduler(logger.Named(e.logger, "scheduler"))
	scheduler.RegisterAction(scheduling.ActionSyncCycle, func(ctx context.Context) error {
		_, err := e.orchestrator.RunCycle(ctx, domain.PriorityNormal)
		if errors.Is(err, domain.ErrSyncInProgress) {
			return nil
		}
		return err
	})
	scheduler.RegisterAction(scheduling.ActionKeyRotation, func(ctx context.Context) error {
		return e.rotator.CheckAndRotate(ctx)
	})
	if err := scheduler.AddTask(scheduling.ScheduledTask{
		Name:     "periodic-sync",
		Schedule: e.cfg.Sync.Interval.String(),
		Action:   scheduling.ActionSyncCycle,
		Timeout:  e.cfg.Sync.Interval,
	}); err != nil {
		return err
	}
	if err := scheduler.AddTask(scheduling.ScheduledTask{
		Name:     "key-rotation-check",
		Schedule: "1h",
		Action:   scheduling.ActionKeyRotation,
	}); err != nil {
		return err
	}
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	e.logger.Info("sync daemon started",
		"platform", e.cfg.Platform.Kind,
		"interval", e.cfg.Sync.Interval,
		"types", len(e.cfg.Sync.MetricTypes),
	)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sigs)

	for sig := range sigs {
		if sig == syscall.SIGUSR1 {
			go func() {
				if _, err := e.orchestrator.RunCycle(ctx, domain.PriorityHigh); err != nil {
					e.logger.Warn("triggered sync failed", "error", err)
				}
			}()
			continue
		}
		e.logger.Info("shutting down", "signal", sig.String())
		break
	}

	// Let an in-flight cycle drain before teardown.
	for e.orchestrator.Phase() != domain.PhaseIdle {
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}

func runOnce() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	e, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	result, err := e.orchestrator.RunCycle(ctx, domain.PriorityHigh)
	if err != nil {
		return err
	}
	fmt.Printf("cycle %s: %s, %d metrics uploaded in %s\n",
		result.ID, result.Status, result.Uploaded(), result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond))
	if result.Status != domain.StatusCompleted {
		for _, out := range result.Failed() {
			fmt.Printf("  %s: %v\n", out.Type, out.Err)
		}
		return fmt.Errorf("cycle finished with status %s", result.Status)
	}
	return nil
}

func runStatus() error {
	ctx := context.Background()

	e, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	states, err := e.store.ListSyncStates(ctx)
	if err != nil {
		return err
	}
	if len(states) == 0 {
		fmt.Println("no sync state recorded yet")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tLAST SYNC\tFAILURES\tLAST ERROR")
	for _, st := range states {
		last := "never"
		if !st.LastSyncAt.IsZero() {
			last = st.LastSyncAt.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", st.Type, last, st.ConsecutiveFailures, st.LastError)
	}
	return w.Flush()
}

func runRotateKeys() error {
	ctx := context.Background()

	e, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	if err := e.rotator.RotateNow(ctx); err != nil {
		return err
	}
	fmt.Println("key rotation complete")
	return nil
}
