// Package serve wires the whole control plane together and runs it.
package serve

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"oneui/internal/application/collector"
	"oneui/internal/application/devices"
	"oneui/internal/application/lifecycle"
	"oneui/internal/application/online"
	"oneui/internal/application/reconcile"
	"oneui/internal/application/stream"
	"oneui/internal/infrastructure/config"
	"oneui/internal/infrastructure/database"
	"oneui/internal/infrastructure/pubsub"
	"oneui/internal/infrastructure/repository"
	"oneui/internal/infrastructure/scheduler"
	httpserver "oneui/internal/interfaces/http"
	"oneui/internal/shared/goroutine"
	"oneui/internal/shared/logger"
	"oneui/internal/xray/apply"
	"oneui/internal/xray/configgen"
	"oneui/internal/xray/runtime"
	"oneui/internal/xray/stats"
	xrayupdate "oneui/internal/xray/update"
)

var skipReconcileOnBoot bool

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane",
		Long:  `Start the API server, the stats collector, the lifecycle sweeper, and the config reconciler.`,
		RunE:  run,
	}
	cmd.Flags().BoolVar(&skipReconcileOnBoot, "skip-reconcile", false,
		"Do not apply the generated config on startup")
	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.Init(logger.Options{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		OutputPath: cfg.Logger.OutputPath,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := logger.NewLogger()
	log.Infow("starting control plane", "mode", cfg.Server.Mode)

	gin.SetMode(cfg.Server.Mode)
	gin.DefaultWriter = io.Discard

	db, err := database.Open(&cfg.Database, log)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := database.Close(db); err != nil {
			log.Errorw("failed to close database", "error", err)
		}
	}()
	if err := database.AutoMigrate(db); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	userRepo := repository.NewUserRepository(db, log)
	inboundRepo := repository.NewInboundRepository(db, log)
	connLogRepo := repository.NewConnectionLogRepository(db, log)
	trafficLogRepo := repository.NewTrafficLogRepository(db, log)
	lockRepo := repository.NewUpdateLockRepository(db, log)
	historyRepo := repository.NewUpdateHistoryRepository(db, log)

	runner := runtime.ExecRunner{}
	runtimeOpts := runtime.Options{
		ContainerName:  cfg.Xray.ContainerName,
		ServiceName:    cfg.Xray.ServiceName,
		PIDFile:        cfg.Xray.PIDFile,
		DeploymentHint: cfg.Xray.DeploymentHint,
	}
	inspector := runtime.NewInspector(runtimeOpts, runner, log)
	factory := runtime.NewControllerFactory(runtimeOpts, cfg.Xray.BinaryPath, runner)

	transports := make([]stats.Transport, 0, 2)
	if cfg.Xray.StatsHTTPBaseURL != "" {
		transports = append(transports, stats.NewHTTPTransport(
			cfg.Xray.StatsHTTPBaseURL,
			time.Duration(cfg.Xray.StatsHTTPTimeoutSec)*time.Second))
	}
	transports = append(transports, stats.NewCLITransport(
		cfg.Xray.BinaryPath, cfg.Xray.APIAddr(),
		time.Duration(cfg.Xray.StatsCLITimeoutSec)*time.Second))
	statsClient := stats.NewClient(log, transports...)

	store := apply.NewSnapshotStore(cfg.Xray.SnapshotDir, cfg.Xray.SnapshotRetention, log)
	engine := apply.NewEngine(cfg.Xray, store, inspector, factory, log)
	generator := configgen.NewGenerator(log)

	broadcaster := stream.NewBroadcaster(0, log)
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.GetAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}
	bus := pubsub.NewBus(redisClient, "", broadcaster, log)

	deviceTracker := devices.NewTracker(cfg.Online.DeviceTrackingTTLSec)
	onlineTracker := online.NewTracker(userRepo, trafficLogRepo, connLogRepo, deviceTracker,
		statsClient, online.Options{
			TTL:             time.Duration(cfg.Online.TTLSec) * time.Second,
			IdleTTL:         time.Duration(cfg.Online.IdleTTLSec) * time.Second,
			DeviceTTL:       time.Duration(cfg.Online.DeviceTTLSec) * time.Second,
			RefreshInterval: time.Duration(cfg.Online.RefreshIntervalSec) * time.Second,
		}, log)

	statsCollector := collector.New(userRepo, statsClient, onlineTracker, cfg.Stats.IntervalSec, log)
	reconciler := reconcile.NewReconciler(inboundRepo, generator, engine, statsCollector,
		cfg.Xray, cfg.Routing, log)
	queue := reconcile.NewQueue(reconciler.Reconcile,
		time.Duration(cfg.Reconcile.DebounceMs)*time.Millisecond, log)

	enforcer := devices.NewEnforcer(deviceTracker, userRepo, connLogRepo, bus,
		time.Duration(cfg.Online.DeviceTTLSec)*time.Second, log)
	sweeper := lifecycle.NewSweeper(userRepo, enforcer, queue, log)

	coordinator := xrayupdate.NewCoordinator(cfg.Update, cfg.Xray, lockRepo, historyRepo,
		runner, inspector, log)

	jobs, err := scheduler.NewManager(log)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := jobs.RegisterCollectorJob(statsCollector, statsCollector.Interval()); err != nil {
		return fmt.Errorf("failed to register collector job: %w", err)
	}
	presence := scheduler.TickFunc(func(ctx context.Context) error {
		_, err := onlineTracker.Snapshot(ctx)
		return err
	})
	if err := jobs.RegisterPresenceJob(presence, time.Duration(cfg.Online.RefreshIntervalSec)*time.Second); err != nil {
		return fmt.Errorf("failed to register presence job: %w", err)
	}
	if err := jobs.RegisterLifecycleJob(scheduler.TickFunc(sweeper.Sweep),
		time.Duration(cfg.Lifecycle.IntervalSec)*time.Second); err != nil {
		return fmt.Errorf("failed to register lifecycle job: %w", err)
	}
	fullReconcile := scheduler.TickFunc(func(ctx context.Context) error {
		_, err := reconciler.Reconcile(ctx)
		return err
	})
	if err := jobs.RegisterReconcileJob(fullReconcile,
		time.Duration(cfg.Reconcile.FullIntervalMin)*time.Minute); err != nil {
		return fmt.Errorf("failed to register reconcile job: %w", err)
	}

	server := httpserver.NewServer(cfg.Server, httpserver.Dependencies{
		Collector:     statsCollector,
		Online:        onlineTracker,
		Enforcer:      enforcer,
		DeviceTracker: deviceTracker,
		Broadcaster:   broadcaster,
		StreamCfg:     cfg.Stream,
		Queue:         queue,
		Reconciler:    reconciler,
		ApplyEngine:   engine,
		Inspector:     inspector,
		Updates:       coordinator,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus.Start(ctx)
	queue.Start(ctx)
	jobs.Start()
	if !skipReconcileOnBoot {
		// Converge the data plane onto current database state before serving.
		queue.MarkDirty()
	}

	goroutine.SafeGo(log, "http-server", func() {
		if err := server.Start(); err != nil {
			log.Errorw("http server stopped", "error", err)
			cancel()
		}
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Infow("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("http server forced to shut down", "error", err)
	}
	if err := jobs.Shutdown(); err != nil {
		log.Errorw("scheduler shutdown failed", "error", err)
	}
	statsCollector.Stop()
	log.Infow("control plane exited")
	return nil
}
