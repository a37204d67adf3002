package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heimdex/heimdex-scenegen/internal/api"
	"github.com/heimdex/heimdex-scenegen/internal/cloud"
	"github.com/heimdex/heimdex-scenegen/internal/config"
	"github.com/heimdex/heimdex-scenegen/internal/db"
	"github.com/heimdex/heimdex-scenegen/internal/generation"
	"github.com/heimdex/heimdex-scenegen/internal/logging"
	"github.com/heimdex/heimdex-scenegen/internal/media"
	"github.com/heimdex/heimdex-scenegen/internal/orchestrator"
	"github.com/heimdex/heimdex-scenegen/internal/pipelines"
	"github.com/heimdex/heimdex-scenegen/internal/playback"
	"github.com/heimdex/heimdex-scenegen/internal/ui"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.ArtifactsDir(), 0755); err != nil {
		return fmt.Errorf("failed to create artifacts dir: %w", err)
	}

	logger, logCloser := newLogger(cfg)
	defer logCloser.Close()
	logger.Info("starting heimdex scenegen", "version", config.Version, "commit", config.GitCommit, "data_dir", cfg.DataDir())

	database, err := openDatabase(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := generation.NewRepository(database.Conn(), database.Dialect())

	deviceID, err := ensureConfigSecret(repo, "device_id", 16)
	if err != nil {
		return fmt.Errorf("failed to ensure device ID: %w", err)
	}

	authToken, err := ensureConfigSecret(repo, api.AuthTokenKey, 32)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}

	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Printf("║                HEIMDEX SCENEGEN v%-25s║\n", config.Version)
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  API URL:    http://127.0.0.1:%-27d ║\n", cfg.Port())
	fmt.Printf("║  Auth Token: %-45s ║\n", authToken)
	fmt.Printf("║  Device ID:  %-45s ║\n", deviceID[:16]+"...")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	runner, doctor := newRunner(cfg, logger)
	probeCtx, stopProbes := context.WithCancel(context.Background())
	defer stopProbes()
	go doctor.Watch(probeCtx, 0)

	var sourceProber media.Prober
	if ff, err := media.NewFFprobe(cfg.FFprobePath(), logger); err != nil {
		logger.Warn("ffprobe unavailable, source videos will not be probed", "error", err)
		sourceProber = media.NewStubProber(logger)
	} else {
		sourceProber = ff
	}

	var reporter cloud.Client
	if cfg.CallbackURL() != "" {
		reporter = cloud.NewHTTPClient(cfg.CallbackURL(), cfg.CallbackToken(), logging.WithComponent(logger, "cloud"))
		logger.Info("generation callbacks enabled", "callback_url", cfg.CallbackURL())
	} else {
		reporter = cloud.NewStubClient(logger)
	}

	opts, err := orchestratorOptions(cfg)
	if err != nil {
		return err
	}
	svc := orchestrator.New(orchestrator.Deps{
		Repo:     repo,
		Runner:   runner,
		Prober:   sourceProber,
		Reporter: reporter,
		Logger:   logging.WithComponent(logger, "orchestrator"),
	}, opts)

	apiServer := api.NewServer(api.ServerConfig{
		Port:           cfg.Port(),
		Service:        svc,
		TokenStore:     repo,
		PlaybackServer: playback.NewServer(cfg.ArtifactsDir(), logger),
		Doctor:         doctor,
		Logger:         logging.WithComponent(logger, "api"),
		StartTime:      startTime,
		DeviceID:       deviceID,
		Version:        config.Version,
		CORSOrigins:    cfg.CORSOrigins(),
		ExportRoots:    cfg.ExportRoots(),
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	quitCh := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			close(quitCh)
		case <-quitCh:
		}
	}()

	if cfg.Headless() {
		logger.Info("running in headless mode (no system tray)")
	} else {
		tray := ui.NewTray(ui.TrayConfig{
			Service: svc,
			Logger:  logger,
			OnQuit: func() {
				close(quitCh)
			},
		})
		go tray.Run()
	}

	<-quitCh

	logger.Info("initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), opts.CancelGrace+10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Error("generations did not stop in time", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func newLogger(cfg config.Config) (*slog.Logger, io.Closer) {
	size, backups, age := cfg.LogRotation()
	return logging.NewWithFile(cfg.LogLevel(), logging.FileOptions{
		Path:       cfg.LogFile(),
		MaxSizeMB:  size,
		MaxBackups: backups,
		MaxAgeDays: age,
	})
}

func openDatabase(cfg config.Config, logger *slog.Logger) (*db.DB, error) {
	if db.Dialect(cfg.DBDriver()) == db.DialectPostgres {
		return db.Open(db.DialectPostgres, cfg.DatabaseURL(), logger)
	}
	return db.New(cfg.DBPath(), logger)
}

// newRunner prefers the python pipelines and falls back to the in-process stub
// when they are disabled or python cannot be found.
func newRunner(cfg config.Config, logger *slog.Logger) (pipelines.Runner, *pipelines.CachedDoctor) {
	stub := func() (pipelines.Runner, *pipelines.CachedDoctor) {
		r := pipelines.NewStubRunner(cfg.ArtifactsDir(), logger)
		return r, pipelines.NewCachedDoctor(r, logger)
	}
	if cfg.PipelinesStub() {
		logger.Info("using stub pipelines")
		return stub()
	}

	pipeCfg := pipelines.DefaultConfig(cfg.DataDir(), logging.WithComponent(logger, "pipelines"))
	pipeCfg.PythonPath = cfg.PipelinesPython()
	pipeCfg.ModuleName = cfg.PipelinesModule()
	pipeCfg.ArtifactsBase = cfg.ArtifactsDir()
	pipeCfg.DoctorTimeout = cfg.PipelinesTimeoutDoctor()

	pr, err := pipelines.NewRunner(pipeCfg)
	if err != nil {
		logger.Warn("pipeline runner unavailable, falling back to stub pipelines", "error", err)
		return stub()
	}
	doctor := pipelines.NewCachedDoctor(pr, logger)

	initCtx, initCancel := context.WithTimeout(context.Background(), pipeCfg.DoctorTimeout)
	defer initCancel()
	if _, err := doctor.Refresh(initCtx); err != nil {
		logger.Warn("initial doctor probe failed", "error", err)
	}
	return pr, doctor
}

func orchestratorOptions(cfg config.Config) (orchestrator.Options, error) {
	o := cfg.Orchestration()
	policy, err := orchestrator.ParseFailurePolicy(o.FailurePolicy)
	if err != nil {
		return orchestrator.Options{}, err
	}
	weighting, err := orchestrator.ParseWeighting(o.ProgressWeighting)
	if err != nil {
		return orchestrator.Options{}, err
	}
	return orchestrator.Options{
		MaxConcurrentGenerations: o.MaxConcurrentGenerations,
		SceneWorkers:             o.SceneWorkers,
		PhaseTimeout:             o.PhaseTimeout,
		SceneTimeout:             o.SceneTimeout,
		CancelGrace:              o.CancelGrace,
		Policy:                   policy,
		Weighting:                weighting,
		PublicBaseURL:            cfg.PublicBaseURL(),
	}, nil
}

// ensureConfigSecret returns the stored value for key, creating a random hex
// value of n bytes on first start.
func ensureConfigSecret(repo generation.Repository, key string, n int) (string, error) {
	ctx := context.Background()

	existing, err := repo.GetConfig(ctx, key)
	if err == nil && existing != "" {
		return existing, nil
	}

	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	value := hex.EncodeToString(b)

	if err := repo.SetConfig(ctx, key, value); err != nil {
		return "", err
	}
	return value, nil
}
