// Package main provides the flowmium binary entry point.
// Flowmium runs workflow DAGs as Kubernetes jobs, moving artefacts
// between tasks through an S3 compatible store.
//
// The same binary serves three roles: the orchestrator server, the
// sidecar that wraps a task's command inside its pod, and the init
// container helper that copies the binary into the task pod.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/flowmium/flowmium/artefacts"
	"github.com/flowmium/flowmium/config"
	"github.com/flowmium/flowmium/executor"
	"github.com/flowmium/flowmium/flow"
	"github.com/flowmium/flowmium/scheduler"
	"github.com/flowmium/flowmium/secrets"
	"github.com/flowmium/flowmium/server"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "flowmium"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "flowmium",
		Short: "Kubernetes workflow orchestrator",
		Long: `Flowmium runs workflow DAGs as Kubernetes jobs.

Tasks declare inputs consumed from other tasks' outputs; outputs move
through an S3 compatible artefact store. Flow state lives in Postgres
and scheduler events stream over a websocket.`,
	}

	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(serverCmd(&logLevel))
	cmd.AddCommand(taskCmd(&logLevel))
	cmd.AddCommand(initCmd())
	cmd.AddCommand(executeCmd(&logLevel))

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func newLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func serverCmd(logLevel *string) *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the orchestrator server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configPath, port, *logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().IntVar(&port, "port", 0, "Override the configured listen port")

	return cmd
}

func runServer(configPath string, port int, logLevel string) error {
	logger := newLogger(logLevel)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := scheduler.OpenDB(ctx, cfg.Postgres.URL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	sched := scheduler.New(db, logger)
	defer sched.Close()

	secretStore := secrets.NewStore(db, logger)

	bucket, err := artefacts.NewBucket(ctx, cfg.BucketConfig(), logger)
	if err != nil {
		return fmt.Errorf("connect artefact store: %w", err)
	}

	client, err := newKubernetesClient()
	if err != nil {
		return fmt.Errorf("create kubernetes client: %w", err)
	}

	exec := executor.New(sched, secretStore, client, cfg.ExecutorConfig(), logger)
	go exec.Run(ctx, time.Second)

	api := server.New(exec, sched, secretStore, bucket, logger)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", "error", err)
		}
	}()

	logger.Info("flowmium ready", "version", Version, "port", cfg.Server.Port)

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func loadConfig(configPath string) (*config.Config, error) {
	var cfg *config.Config
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	} else {
		cfg = config.DefaultConfig()
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// newKubernetesClient prefers in-cluster credentials and falls back to the
// local kubeconfig for development.
func newKubernetesClient() (kubernetes.Interface, error) {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			home, homeErr := os.UserHomeDir()
			if homeErr != nil {
				return nil, fmt.Errorf("resolve kubeconfig: %w", homeErr)
			}
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("load kubeconfig: %w", err)
		}
	}
	return kubernetes.NewForConfig(restConfig)
}

func taskCmd(logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:                "task -- CMD [ARGS...]",
		Short:              "Run a task command inside its pod",
		Long:               "Downloads declared inputs, runs the command and uploads declared outputs. Configured entirely from FLOWMIUM_ environment variables set by the orchestrator.",
		Args:               cobra.MinimumNArgs(1),
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(*logLevel)

			if len(args) > 0 && args[0] == "--" {
				args = args[1:]
			}

			cfg, err := artefacts.SidecarConfigFromEnv()
			if err != nil {
				return err
			}

			os.Exit(artefacts.RunTask(cmd.Context(), cfg, args, logger))
			return nil
		},
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init SRC DEST",
		Short: "Copy the flowmium binary into a shared volume",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return artefacts.InitCopy(args[0], args[1])
		},
	}
}

func executeCmd(logLevel *string) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "execute FLOW.yaml [FLOW.yaml...]",
		Short: "Run YAML flow definitions with a local executor, without the API server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExecute(configPath, args, *logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")

	return cmd
}

func runExecute(configPath string, paths []string, logLevel string) error {
	logger := newLogger(logLevel)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := scheduler.OpenDB(ctx, cfg.Postgres.URL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	sched := scheduler.New(db, logger)
	defer sched.Close()

	client, err := newKubernetesClient()
	if err != nil {
		return fmt.Errorf("create kubernetes client: %w", err)
	}

	exec := executor.New(sched, secrets.NewStore(db, logger), client, cfg.ExecutorConfig(), logger)

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read flow definition %s: %w", path, err)
		}

		var f flow.Flow
		if err := yaml.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("parse flow definition %s: %w", path, err)
		}

		flowID, err := exec.InstantiateFlow(ctx, f)
		if err != nil {
			logger.Error("failed to instantiate flow", "path", path, "error", err)
			continue
		}
		logger.Info("instantiated flow", "path", path, "flow_id", flowID)
	}

	exec.Run(ctx, time.Second)
	return nil
}
