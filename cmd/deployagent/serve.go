package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"deployagent/internal/agent"
	"deployagent/internal/config"
	"deployagent/internal/history"
	"deployagent/internal/logger"
	"deployagent/internal/metrics"
	"deployagent/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agent",
	Long: `Start the HTTP server and every configured site.

The server receives GitHub push webhooks and serves the management API. Each
site's scheduled and continuous jobs run until the agent is stopped with
SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.String("host", "127.0.0.1", "host to bind to")
	flags.IntP("port", "p", 5050, "port to listen on")
	flags.String("log", "", "also write logs to this file")
	flags.Bool("test-mode", false, "disable rate limiting")
	flags.Bool("expose-output", false, "include job output in API responses")

	_ = viper.BindPFlag("server.host", flags.Lookup("host"))
	_ = viper.BindPFlag("server.port", flags.Lookup("port"))
	_ = viper.BindPFlag("log.file", flags.Lookup("log"))
	_ = viper.BindPFlag("server.test_mode", flags.Lookup("test-mode"))
	_ = viper.BindPFlag("server.expose_output", flags.Lookup("expose-output"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	outputs := []string{"stdout"}
	if cfg.LogFile != "" {
		outputs = append(outputs, cfg.LogFile)
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat, outputs...)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting deployagent", zap.String("version", version))

	reg, path, err := loadProjects(cfg)
	if err != nil {
		log.Error("failed to load projects", zap.Error(err))
		return err
	}
	log.Info("projects loaded", zap.String("file", path), zap.Int("count", reg.Count()))
	if reg.Count() == 0 {
		log.Warn("no projects configured, webhooks will be rejected until projects are added", zap.String("file", path))
	}

	log.Info("opening history database", zap.String("db", cfg.HistoryDB))
	hist, err := history.NewHistory(cfg.HistoryDB)
	if err != nil {
		log.Error("failed to open history database", zap.Error(err))
		return fmt.Errorf("failed to open history database: %w", err)
	}
	defer hist.Close()

	m := metrics.NewMetrics(buildInfo())

	pool, err := agent.NewPool(reg, agentOptions(cfg, hist, m, log))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := pool.Start(ctx); err != nil {
		return err
	}

	srv, err := server.New(server.Options{
		Pool:         pool,
		Metrics:      m,
		Logger:       log,
		Version:      version,
		RateLimit:    cfg.RateLimit,
		RateBurst:    cfg.RateBurst,
		TestMode:     cfg.TestMode,
		ExposeOutput: cfg.ExposeOutput,
	})
	if err != nil {
		return err
	}

	runErr := srv.Run(ctx, cfg.Host, cfg.Port, cfg.ShutdownTimeout)
	if runErr != nil {
		log.Error("server failed", zap.Error(runErr))
	}

	log.Info("stopping sites")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := pool.Stop(shutdownCtx); err != nil {
		log.Error("sites did not stop cleanly", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}

	log.Info("deployagent stopped")
	return runErr
}
