// Package main provides the choreboard binary entry point.
// Choreboard is a shared task board: an administrator assigns dated chores,
// assignees complete them or ask for an extension, and every change is kept
// in NATS JetStream.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/choreboard/config"
	"github.com/c360studio/choreboard/storage"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "choreboard"
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

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	var flags globalFlags

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Shared chore board",
		Long: `Choreboard is a shared task board.

The administrator assigns dated tasks to a fixed set of assignees. Assignees
mark tasks completed, ask for an extension, or flag them as impossible; the
administrator reviews extension and impossibility requests.

Tasks and users are stored in NATS JetStream key-value buckets. Without a
NATS URL an embedded server is started.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(serveCmd(&flags))
	cmd.AddCommand(userCmd(&flags))
	cmd.AddCommand(configCmd(&flags))

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func serveCmd(flags *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), flags, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	return cmd
}

func userCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
	}

	var (
		password string
		update   bool
	)
	add := &cobra.Command{
		Use:   "add <username>",
		Short: "Create a user, or reset its password with --update",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				return fmt.Errorf("--password is required")
			}
			return addUser(cmd.Context(), cmd.OutOrStdout(), flags, args[0], password, update)
		},
	}
	add.Flags().StringVarP(&password, "password", "p", "", "Password for the user")
	add.Flags().BoolVar(&update, "update", false, "Reset the password if the user exists")

	cmd.AddCommand(add)
	return cmd
}

func configCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration files",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default user config (~/.config/choreboard/config.yaml)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewLoader(newLogger(flags.logLevel))
			path, written, err := loader.InitUserConfig(force)
			if err != nil {
				return fmt.Errorf("init user config: %w", err)
			}
			if !written {
				fmt.Fprintf(cmd.OutOrStdout(), "User config already exists at %s (use --force to overwrite)\n", path)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default config to %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing user config")

	cmd.AddCommand(initCmd)
	return cmd
}

func serve(ctx context.Context, flags *globalFlags, addr string) error {
	logger := newLogger(flags.logLevel)

	cfg, watchPath, err := loadConfig(flags.configPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if addr != "" {
		cfg.HTTP.Addr = addr
	}

	app, err := NewApp(cfg, watchPath, logger)
	if err != nil {
		return err
	}

	// Setup signal handling
	if ctx == nil {
		ctx = context.Background()
	}
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		app.Shutdown(stopCtx)
	}()

	if err := app.Start(signalCtx); err != nil {
		return err
	}

	logger.Info("Choreboard ready",
		"version", Version,
		"addr", app.Addr(),
		"admin", cfg.Policy.AdminUsername)

	if err := app.Serve(signalCtx); err != nil {
		return err
	}
	logger.Info("Choreboard shutdown complete")
	return nil
}

func addUser(ctx context.Context, out io.Writer, flags *globalFlags, username, password string, update bool) error {
	logger := newLogger(flags.logLevel)

	cfg, _, err := loadConfig(flags.configPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	app, err := NewApp(cfg, "", logger)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	defer app.Shutdown(ctx)

	if err := app.connect(ctx); err != nil {
		return err
	}
	users, err := app.openUsers(ctx)
	if err != nil {
		return err
	}

	err = users.Create(ctx, username, password)
	switch {
	case err == nil:
		fmt.Fprintf(out, "Created user %s\n", username)
	case errors.Is(err, storage.ErrUserExists) && update:
		if err := users.SetPassword(ctx, username, password); err != nil {
			return fmt.Errorf("update password: %w", err)
		}
		fmt.Fprintf(out, "Updated password for %s\n", username)
	default:
		return err
	}
	return nil
}

// loadConfig loads the layered configuration and returns the file to watch
// for policy changes: the explicit file if given, else the project file.
func loadConfig(configPath string, logger *slog.Logger) (*config.Config, string, error) {
	loader := config.NewLoader(logger)
	cfg, err := loader.Load(configPath)
	if err != nil {
		return nil, "", err
	}
	watchPath := configPath
	if watchPath == "" {
		watchPath = loader.ProjectConfigPath()
	}
	return cfg, watchPath, nil
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

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	// Check for common connection errors
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

Start a server, set nats.url in choreboard.yaml, or set %s to point to
your NATS server. Leave nats.url empty to use the embedded server.`, err, url, config.EnvNATSURL)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}
