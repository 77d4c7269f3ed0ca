package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/actions/scaleset"
	"github.com/actions/scaleset/listener"
	"github.com/google/uuid"

	"github.com/terrpan/dispatch/internal/api"
	"github.com/terrpan/dispatch/internal/balancer"
	"github.com/terrpan/dispatch/internal/buildinfo"
	"github.com/terrpan/dispatch/internal/config"
	"github.com/terrpan/dispatch/internal/dependency"
	"github.com/terrpan/dispatch/internal/events"
	"github.com/terrpan/dispatch/internal/executor"
	"github.com/terrpan/dispatch/internal/health"
	"github.com/terrpan/dispatch/internal/otel"
	"github.com/terrpan/dispatch/internal/router"
	"github.com/terrpan/dispatch/internal/scaler"
	"github.com/terrpan/dispatch/internal/scheduler"
)

const stopTimeout = 30 * time.Second

func serve(ctx context.Context, cfg *config.Config) error {
	// ---------------------------------------------------------------
	// 1. Logger and telemetry
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("version", buildinfo.Version),
		slog.String("engine", cfg.Engine.Type),
		slog.String("registry", cfg.Registry.Type),
		slog.String("history", cfg.History.Type),
		slog.String("strategy", cfg.LoadBalancer.Strategy),
	)

	shutdownOTel, err := otel.Setup(ctx, "dispatch", cfg.OTel)
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := shutdownOTel(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 2. Worker registry
	// ---------------------------------------------------------------
	reg, err := cfg.NewRegistry(logger)
	if err != nil {
		return fmt.Errorf("creating worker registry: %w", err)
	}
	defer reg.Close()
	if err := reg.Start(ctx); err != nil {
		return fmt.Errorf("starting worker registry: %w", err)
	}
	logger.Info("worker registry ready", slog.Int("workers", len(reg.Workers())))

	// ---------------------------------------------------------------
	// 3. Compute engine and history
	// ---------------------------------------------------------------
	eng, err := cfg.NewEngine(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}
	defer func() {
		if err := eng.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("engine shutdown", slog.String("error", err.Error()))
		}
	}()

	hist, err := cfg.NewHistory()
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	defer hist.Close()

	// ---------------------------------------------------------------
	// 4. Placement pipeline and executor
	// ---------------------------------------------------------------
	bus := events.NewBus()
	defer bus.Close()

	bal := balancer.New(cfg.BalancerConfig(reg, logger))
	go bal.Run(ctx)

	opts := cfg.ExecutorOptions()
	exec := executor.New(executor.Config{
		Router:    router.New(cfg.RouterConfig(reg, logger)),
		Balancer:  bal,
		Scheduler: scheduler.New(cfg.SchedulerConfig(reg, logger)),
		Dependencies: dependency.NewManager(dependency.Config{
			DefaultJobDuration: opts.DefaultJobDuration,
			Logger:             logger,
		}),
		Engine:   eng,
		Registry: reg,
		Bus:      bus,
		History:  hist,
		Options:  opts,
		Logger:   logger,
	})
	if err := exec.Start(ctx); err != nil {
		return fmt.Errorf("starting executor: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
		defer cancel()
		if err := exec.Stop(stopCtx); err != nil {
			logger.Error("failed to stop executor", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 5. Optional scale set source
	// ---------------------------------------------------------------
	srvCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	if cfg.ScaleSet.Enabled {
		go func() {
			if err := runScaleSet(ctx, cfg, exec, bus, logger); err != nil {
				logger.Error("scale set source stopped", slog.String("error", err.Error()))
				stopServer()
			}
		}()
	}

	// ---------------------------------------------------------------
	// 6. HTTP API
	// ---------------------------------------------------------------
	srv := api.NewServer(api.Config{
		Addr:       cfg.Server.Addr,
		Executor:   exec,
		Bus:        bus,
		Registry:   reg,
		EngineName: cfg.Engine.Type,
		Checks: []health.Check{{
			Name: "history",
			Run: func(ctx context.Context) error {
				_, err := hist.List(ctx, 1)
				return err
			},
		}},
		Logger: logger.WithGroup("api"),
	})

	if err := srv.Run(srvCtx); err != nil {
		return fmt.Errorf("api server: %w", err)
	}

	logger.Info("shutting down gracefully")
	return nil
}

// runScaleSet registers the runner scale set and turns the listener's
// demand into runner job batches until ctx is done.  The scale set is
// deleted on return.
func runScaleSet(ctx context.Context, cfg *config.Config, exec *executor.Executor, bus *events.Bus, logger *slog.Logger) error {
	scalesetClient, err := cfg.NewScalesetClient()
	if err != nil {
		return fmt.Errorf("creating scaleset client: %w", err)
	}

	var runnerGroupID int
	switch cfg.ScaleSet.RunnerGroup {
	case scaleset.DefaultRunnerGroup:
		runnerGroupID = 1
	default:
		rg, err := scalesetClient.GetRunnerGroupByName(ctx, cfg.ScaleSet.RunnerGroup)
		if err != nil {
			return fmt.Errorf("looking up runner group %q: %w", cfg.ScaleSet.RunnerGroup, err)
		}
		runnerGroupID = rg.ID
	}

	scaleSet, err := scalesetClient.CreateRunnerScaleSet(ctx, &scaleset.RunnerScaleSet{
		Name:          cfg.ScaleSet.Name,
		RunnerGroupID: runnerGroupID,
		Labels:        cfg.BuildLabels(),
		RunnerSetting: scaleset.RunnerSetting{
			DisableUpdate: true,
		},
	})
	if err != nil {
		return fmt.Errorf("creating runner scale set: %w", err)
	}

	logger.Info("runner scale set created",
		slog.Int("scaleSetID", scaleSet.ID),
		slog.String("name", scaleSet.Name),
	)

	scalesetClient.SetSystemInfo(scaleset.SystemInfo{
		System:     "dispatch",
		Subsystem:  "scaler",
		Version:    buildinfo.Version,
		CommitSHA:  buildinfo.Commit,
		ScaleSetID: scaleSet.ID,
	})

	defer func() {
		logger.Info("deleting runner scale set", slog.Int("scaleSetID", scaleSet.ID))
		if err := scalesetClient.DeleteRunnerScaleSet(context.WithoutCancel(ctx), scaleSet.ID); err != nil {
			logger.Error("failed to delete runner scale set",
				slog.Int("scaleSetID", scaleSet.ID),
				slog.String("error", err.Error()),
			)
		}
	}()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = uuid.NewString()
		logger.Warn("could not get hostname, using uuid",
			slog.String("fallback", hostname),
			slog.String("error", err.Error()),
		)
	}

	sessionClient, err := scalesetClient.MessageSessionClient(ctx, scaleSet.ID, hostname)
	if err != nil {
		return fmt.Errorf("creating message session: %w", err)
	}
	defer sessionClient.Close(context.WithoutCancel(ctx))

	s := scaler.New(scaler.Config{
		ScaleSetID:     scaleSet.ID,
		MinRunners:     cfg.ScaleSet.MinRunners,
		MaxRunners:     cfg.ScaleSet.MaxRunners,
		ScalesetClient: scalesetClient,
		Executor:       exec,
		Template:       cfg.RunnerTemplate(),
		Logger:         logger,
	})
	defer s.Shutdown(context.WithoutCancel(ctx))

	ch, unsub := bus.Subscribe(events.DefaultBuffer)
	defer unsub()
	go s.Track(ctx, ch)

	l, err := listener.New(sessionClient, listener.Config{
		ScaleSetID: scaleSet.ID,
		MaxRunners: cfg.ScaleSet.MaxRunners,
		Logger:     logger.WithGroup("listener"),
	})
	if err != nil {
		return fmt.Errorf("creating listener: %w", err)
	}

	logger.Info("starting listener")
	if err := l.Run(ctx, s); !errors.Is(err, context.Canceled) {
		return fmt.Errorf("listener: %w", err)
	}
	return nil
}
