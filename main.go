package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"proximity-server/api"
	"proximity-server/config"
	"proximity-server/logging"
	"proximity-server/media"
	"proximity-server/relay/local"
	"proximity-server/server"
)

const shutdownTimeout = 10 * time.Second

// Global variables for command-line flags.
var (
	envFile  string
	addr     string
	grpcAddr string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "proximity-server",
	Short: "Proximity-aware chat and media session server",
	Long: `Runs the websocket session server: players move in a shared 2D space, chat with
whoever is nearby and exchange audio/video with players in media range.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFile)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if cmd.Flags().Changed("addr") {
			cfg.ListenAddr = addr
		}
		if cmd.Flags().Changed("grpc-addr") {
			cfg.GRPCAddr = grpcAddr
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}

		logger, err := logging.New(logging.Options{
			FilePath: cfg.LogFile,
			Level:    cfg.LogLevel,
			Console:  true,
		})
		if err != nil {
			return fmt.Errorf("logger: %w", err)
		}
		defer logging.Sync(logger)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg, logger)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to an env file with configuration overrides.")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", config.DefaultListenAddr, "HTTP and websocket listen address.")
	rootCmd.PersistentFlags().StringVar(&grpcAddr, "grpc-addr", config.DefaultGRPCAddr, "gRPC health listen address; empty disables it.")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", config.DefaultLogLevel, "Log level: debug, info, warn or error.")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	engine := local.New(local.Options{
		MinPort: cfg.RTCMinPort,
		MaxPort: cfg.RTCMaxPort,
		Logger:  logger,
	})
	defer engine.Close()

	pool, err := media.NewWorkerPool(ctx, engine, cfg.RelayWorkers)
	if err != nil {
		return fmt.Errorf("relay workers: %w", err)
	}
	defer pool.Close()

	channels := server.NewChannelManager(cfg, pool, logger)
	defer channels.CloseAllChannels()

	wsServer := server.NewServer(cfg, channels, logger)
	metrics := api.NewMetricsHandler(cfg, wsServer)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.NewRouter(cfg, wsServer, metrics, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("server started", zap.String("addr", cfg.ListenAddr), zap.Strings("channels", cfg.Channels))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			metrics.RecordWebSocketError(err.Error())
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	var health *api.HealthService
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		health = api.NewHealthService(channels, logger)
		go func() {
			if err := health.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
		return err
	}

	metrics.SetWebSocketStatus(api.WebSocketStopping)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if health != nil {
		health.SetServing(false)
		health.Stop(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
