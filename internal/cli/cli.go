// ============================================================================
// Beaver-Timer CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands that wire configuration, the job store, the HTTP
//          and gRPC surfaces and the worker controller into a process.
//
// Command Structure:
//   beaver-timer                   # Root command
//   ├── --config, -c               # YAML config file (default configs/default.yaml)
//   ├── --env-file                 # dotenv file (default .env)
//   ├── serve                      # HTTP API (+ gRPC), optionally with workers
//   │   └── --with-worker
//   ├── worker                     # Standalone worker process
//   │   └── --metrics-addr
//   ├── schedule                   # Submit a timer over gRPC
//   │   └── --hours --minutes --seconds --url --addr
//   ├── status <id>                # Query a timer over gRPC
//   └── config                     # Print the effective configuration
//
// Signal Handling:
//   The process context is cancelled on SIGINT or SIGTERM (see cmd/timer).
//   serve shuts down in order: HTTP, gRPC, controller, snapshot loop, store.
//
// Deployment:
//   With the memory backend the API and the workers must share a process,
//   so worker refuses it and serve needs --with-worker to execute anything.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-timer/internal/api"
	"github.com/ChuLiYu/beaver-timer/internal/config"
	"github.com/ChuLiYu/beaver-timer/internal/controller"
	"github.com/ChuLiYu/beaver-timer/internal/logging"
	"github.com/ChuLiYu/beaver-timer/internal/metrics"
	"github.com/ChuLiYu/beaver-timer/internal/server"
	"github.com/ChuLiYu/beaver-timer/internal/timer"
	"github.com/ChuLiYu/beaver-timer/internal/validation"
	"github.com/ChuLiYu/beaver-timer/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

// Version is reported by --version.
var Version = "0.1.0"

const clientTimeout = 10 * time.Second

// ErrMemoryWorker is returned by worker for the in-process backend.
var ErrMemoryWorker = errors.New("the memory backend cannot be shared with a separate worker process; use serve --with-worker")

// runtimeEnv is what every command gets after the root pre-run.
type runtimeEnv struct {
	configPath string
	envFile    string

	cfg       config.Config
	log       *slog.Logger
	logCloser io.Closer
}

func BuildCLI() *cobra.Command {
	env := &runtimeEnv{}

	rootCmd := &cobra.Command{
		Use:   "beaver-timer",
		Short: "Beaver-Timer: schedule delayed URL fetches",
		Long: `Beaver-Timer accepts "fetch this URL after H:M:S" requests, reports the
time left for each one and executes them with a pool of workers:
- Redis, SQL or in-memory job store
- HTTP and gRPC APIs
- Prometheus metrics`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return env.load()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if env.logCloser != nil {
				return env.logCloser.Close()
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&env.configPath, "config", "c", config.DefaultPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&env.envFile, "env-file", ".env", "dotenv file applied before the environment")

	rootCmd.AddCommand(buildServeCommand(env))
	rootCmd.AddCommand(buildWorkerCommand(env))
	rootCmd.AddCommand(buildScheduleCommand(env))
	rootCmd.AddCommand(buildStatusCommand(env))
	rootCmd.AddCommand(buildConfigCommand(env))

	return rootCmd
}

func (e *runtimeEnv) load() error {
	cfg, err := config.Load(e.configPath, e.envFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, closer, err := logging.Setup(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	e.cfg = cfg
	e.log = logger.With("app", cfg.App.Name, "env", cfg.App.Environment)
	e.logCloser = closer
	return nil
}

// ============================================================================
// serve
// ============================================================================

type serveOptions struct {
	withWorker bool
	// onListen is called once both listeners are bound. grpcAddr is empty
	// when gRPC is disabled.
	onListen func(httpAddr, grpcAddr string)
}

func buildServeCommand(env *runtimeEnv) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and gRPC APIs",
		Long:  "Serve the scheduling and status APIs. --with-worker also runs the worker controller in this process.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), env.cfg, env.log, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.withWorker, "with-worker", false, "also execute due jobs in this process")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger, opts serveOptions) error {
	be, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Store.Backend, err)
	}
	defer closeStore(be, logger)

	collector, gatherer := newMetrics(cfg.Metrics)
	svc := timer.NewService(be, timer.Options{Metrics: collector, Logger: logger})

	httpLis, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.HTTP.Addr, err)
	}
	httpSrv := &http.Server{
		Handler:      api.NewHandler(svc, api.Options{Logger: logger, Gatherer: gatherer}),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	var (
		grpcLis net.Listener
		grpcSrv *grpc.Server
	)
	if cfg.GRPC.Enabled {
		grpcLis, err = net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			_ = httpLis.Close()
			return fmt.Errorf("failed to listen on %s: %w", cfg.GRPC.Addr, err)
		}
		grpcSrv = server.NewGRPCServer(svc, logger)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("HTTP server listening", "addr", httpLis.Addr().String())
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	grpcAddr := ""
	if grpcSrv != nil {
		grpcAddr = grpcLis.Addr().String()
		go func() {
			logger.Info("gRPC server listening", "addr", grpcAddr)
			if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	var ctrl *controller.Controller
	if opts.withWorker {
		ctrl, err = controller.NewController(controllerConfig(cfg.Worker), be, newExecutor(cfg.Action, logger),
			controller.Options{Metrics: collector, Logger: logger})
		if err == nil {
			err = ctrl.Start(ctx)
		}
		if err != nil {
			_ = httpSrv.Close()
			if grpcSrv != nil {
				grpcSrv.Stop()
			}
			return fmt.Errorf("failed to start controller: %w", err)
		}
	} else if cfg.Store.Backend == config.BackendMemory {
		logger.Warn("memory store without --with-worker: jobs will never run")
	}

	maintCtx, stopMaint := context.WithCancel(context.WithoutCancel(ctx))
	var maintWg sync.WaitGroup
	if be.maintain != nil {
		maintWg.Add(1)
		go func() {
			defer maintWg.Done()
			if err := be.maintain(maintCtx); err != nil {
				logger.Error("store maintenance stopped", "error", err)
			}
		}()
	}

	if opts.onListen != nil {
		opts.onListen(httpLis.Addr().String(), grpcAddr)
	}
	logger.Info("System started successfully", "backend", cfg.Store.Backend, "with_worker", opts.withWorker)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal, stopping gracefully...")
	case runErr = <-errCh:
		logger.Error("server failed, stopping", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if ctrl != nil {
		ctrl.Stop()
	}
	stopMaint()
	maintWg.Wait()

	logger.Info("System stopped. Goodbye!")
	return runErr
}

// ============================================================================
// worker
// ============================================================================

func buildWorkerCommand(env *runtimeEnv) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start a standalone worker",
		Long:  "Claim due jobs from the shared store and execute them. Requires the redis or sql backend.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), env.cfg, env.log, metricsAddr)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics on this address (empty disables)")
	return cmd
}

func runWorker(ctx context.Context, cfg config.Config, logger *slog.Logger, metricsAddr string) error {
	if cfg.Store.Backend == config.BackendMemory {
		return ErrMemoryWorker
	}

	be, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Store.Backend, err)
	}
	defer closeStore(be, logger)

	collector, gatherer := newMetrics(cfg.Metrics)
	if metricsAddr != "" && gatherer != nil {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", metrics.Handler(gatherer))
		metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux, ReadTimeout: cfg.HTTP.ReadTimeout}
		go func() {
			logger.Info("metrics server listening", "addr", metricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
		defer metricsSrv.Close()
	}

	ctrl, err := controller.NewController(controllerConfig(cfg.Worker), be, newExecutor(cfg.Action, logger),
		controller.Options{Metrics: collector, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	return ctrl.Run(ctx)
}

// ============================================================================
// schedule / status
// ============================================================================

func buildScheduleCommand(env *runtimeEnv) *cobra.Command {
	var (
		req  timer.ScheduleRequest
		addr string
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Schedule a URL fetch after a delay",
		Example: `  beaver-timer schedule --hours 0 --minutes 1 --seconds 30 --url https://example.com
  beaver-timer schedule --seconds 5 --url https://example.com --addr timer.internal:9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			defer cancel()

			client, conn, err := server.Dial(clientAddr(addr, env.cfg.GRPC.Addr))
			if err != nil {
				return err
			}
			defer conn.Close()

			res, err := client.Schedule(ctx, req)
			if err != nil {
				return describeError(err)
			}
			return writeJSON(cmd.OutOrStdout(), api.ScheduleResponse{ID: string(res.ID), TimeLeft: res.TimeLeft})
		},
	}

	cmd.Flags().IntVar(&req.Hours, "hours", 0, "hours to wait")
	cmd.Flags().IntVar(&req.Minutes, "minutes", 0, "minutes to wait")
	cmd.Flags().IntVar(&req.Seconds, "seconds", 0, "seconds to wait")
	cmd.Flags().StringVar(&req.URL, "url", "", "URL to fetch when the timer fires")
	cmd.Flags().StringVar(&addr, "addr", "", "gRPC address (default from grpc.addr)")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func buildStatusCommand(env *runtimeEnv) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show the status of a timer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			defer cancel()

			client, conn, err := server.Dial(clientAddr(addr, env.cfg.GRPC.Addr))
			if err != nil {
				return err
			}
			defer conn.Close()

			res, err := client.GetStatus(ctx, types.JobID(args[0]))
			if err != nil {
				return describeError(err)
			}
			return writeJSON(cmd.OutOrStdout(), api.NewStatusResponse(res))
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "gRPC address (default from grpc.addr)")
	return cmd
}

// ============================================================================
// config
// ============================================================================

func buildConfigCommand(env *runtimeEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Print the configuration after applying the file, the dotenv file and the environment.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := env.cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

// ============================================================================
// helpers
// ============================================================================

func newMetrics(cfg config.Metrics) (*metrics.Collector, prometheus.Gatherer) {
	if !cfg.Enabled {
		return nil, nil
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.NewCollector(reg), reg
}

func closeStore(be *backend, logger *slog.Logger) {
	if err := be.Close(); err != nil {
		logger.Warn("store close failed", "error", err)
	}
}

// clientAddr picks the flag value, else the configured listen address with
// an empty host replaced by localhost.
func clientAddr(flag, listen string) string {
	if flag != "" {
		return flag
	}
	if strings.HasPrefix(listen, ":") {
		return "localhost" + listen
	}
	return listen
}

// describeError flattens a validation error into one line per field.
func describeError(err error) error {
	var verr *validation.Error
	if !errors.As(err, &verr) {
		return err
	}
	lines := make([]string, 0, len(verr.Fields))
	for _, f := range verr.Fields {
		lines = append(lines, fmt.Sprintf("%s: %s", f.Field(), f.Msg))
	}
	return fmt.Errorf("invalid request:\n  %s", strings.Join(lines, "\n  "))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
