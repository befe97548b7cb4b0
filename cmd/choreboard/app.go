package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/choreboard/api"
	"github.com/c360studio/choreboard/auth"
	"github.com/c360studio/choreboard/config"
	"github.com/c360studio/choreboard/lifecycle"
	"github.com/c360studio/choreboard/query"
	"github.com/c360studio/choreboard/storage"
)

// App is the main application that wires together all components.
type App struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger

	// NATS
	embeddedServer *server.Server
	natsClient     *natsclient.Client
	js             jetstream.JetStream

	// Storage
	tasks *storage.TaskStore
	users *storage.UserStore

	// Services
	policy   *auth.Policy
	engine   *lifecycle.Engine
	queries  *query.Service
	registry *prometheus.Registry
	watcher  *config.Watcher

	// HTTP
	mux      *http.ServeMux
	server   *http.Server
	listener net.Listener
}

// NewApp creates a new application instance. configPath, when set, is
// watched for policy changes.
func NewApp(cfg *config.Config, configPath string, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
	}, nil
}

// Start initializes all components and binds the HTTP listener.
func (a *App) Start(ctx context.Context) error {
	if err := a.connect(ctx); err != nil {
		return err
	}
	if err := a.openStores(ctx); err != nil {
		return err
	}
	if err := a.buildServices(ctx); err != nil {
		return err
	}
	if err := a.startWatcher(ctx); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.HTTP.Addr, err)
	}
	a.listener = ln
	a.server = &http.Server{
		Handler:           a.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.logger.Info("Components initialized", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound HTTP address once started.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down
// within the configured timeout.
func (a *App) Serve(ctx context.Context) error {
	if a.server == nil {
		return fmt.Errorf("app not started")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Serve(a.listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

// connect starts the embedded server when configured and connects to NATS.
func (a *App) connect(ctx context.Context) error {
	url := a.cfg.NATS.URL
	if a.cfg.NATS.Embedded {
		ns, err := startEmbeddedServer(a.cfg.NATS.StoreDir)
		if err != nil {
			return err
		}
		a.embeddedServer = ns
		url = ns.ClientURL()
		a.logger.Info("Started embedded NATS server", "url", url, "store_dir", a.cfg.NATS.StoreDir)
	}

	client, err := connectToNATS(ctx, url, a.logger)
	if err != nil {
		return err
	}
	a.natsClient = client

	js, err := client.JetStream()
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js
	return nil
}

func startEmbeddedServer(storeDir string) (*server.Server, error) {
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1, // Random available port
		JetStream: true,
		StoreDir:  storeDir,
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	// Wait for server to be ready
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start")
	}
	return ns, nil
}

func connectToNATS(ctx context.Context, url string, logger *slog.Logger) (*natsclient.Client, error) {
	logger.Info("Connecting to NATS", "url", url)

	client, err := natsclient.NewClient(url,
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, wrapNATSError(err, url)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, wrapNATSError(err, url)
	}

	logger.Info("Connected to NATS", "url", url)
	return client, nil
}

func (a *App) openStores(ctx context.Context) error {
	tasks, err := storage.OpenTaskStore(ctx, a.js, a.cfg.Storage.TasksBucket,
		storage.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	a.tasks = tasks

	users, err := a.openUsers(ctx)
	if err != nil {
		return err
	}
	a.users = users
	return nil
}

func (a *App) openUsers(ctx context.Context) (*storage.UserStore, error) {
	users, err := storage.OpenUserStore(ctx, a.js, a.cfg.Storage.UsersBucket)
	if err != nil {
		return nil, fmt.Errorf("open user store: %w", err)
	}
	return users, nil
}

func (a *App) buildServices(ctx context.Context) error {
	loc, err := a.cfg.Schedule.Location()
	if err != nil {
		return err
	}

	if err := lifecycle.EnsureEventStream(ctx, a.js, a.cfg.Storage.EventsStream); err != nil {
		return fmt.Errorf("ensure event stream: %w", err)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.policy = auth.NewPolicy(a.cfg.Policy.AdminUsername, a.cfg.Policy.Assignees)

	a.engine, err = lifecycle.NewEngine(a.tasks,
		lifecycle.WithRoster(a.policy),
		lifecycle.WithPublisher(lifecycle.NewNATSPublisher(a.natsClient)),
		lifecycle.WithMetrics(lifecycle.NewMetrics(a.registry)),
		lifecycle.WithLogger(a.logger),
		lifecycle.WithLocation(loc))
	if err != nil {
		return fmt.Errorf("create lifecycle engine: %w", err)
	}

	a.queries, err = query.NewService(a.tasks,
		query.WithLocation(loc),
		query.WithDueSoonWindow(a.cfg.Schedule.DueSoonWindow))
	if err != nil {
		return fmt.Errorf("create query service: %w", err)
	}

	handler, err := api.NewHandler(api.Config{
		Engine:  a.engine,
		Queries: a.queries,
		Users:   a.users,
		Policy:  a.policy,
		Watcher: a.tasks,
		Logger:  a.logger,
	})
	if err != nil {
		return fmt.Errorf("create API handler: %w", err)
	}

	a.mux = http.NewServeMux()
	handler.RegisterHTTPHandlers("/api", a.mux)
	api.RegisterHealth(a.mux)
	a.mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	return nil
}

// startWatcher hot-reloads the policy section of the config file, if any.
func (a *App) startWatcher(ctx context.Context) error {
	if a.configPath == "" {
		a.logger.Debug("No config file to watch")
		return nil
	}

	// Loading the watched file as the explicit layer reproduces startup: a
	// project file merged twice yields the same result.
	loader := config.NewLoader(a.logger)
	w, err := config.NewWatcher(config.WatcherConfig{
		Path:   a.configPath,
		Logger: a.logger,
		Reload: func() (*config.Config, error) {
			return loader.Load(a.configPath)
		},
		OnPolicy: func(p config.PolicyConfig) {
			a.policy.Update(p.AdminUsername, p.Assignees)
		},
	})
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}
	a.watcher = w
	return nil
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown(ctx context.Context) {
	a.logger.Info("Shutting down")

	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			a.logger.Warn("Failed to stop config watcher", "error", err)
		}
	}

	// Serve closes the listener on shutdown; this covers a Start without Serve
	if a.listener != nil {
		_ = a.listener.Close()
	}

	// Close NATS connection
	if a.natsClient != nil {
		a.natsClient.Close(ctx)
	}

	// Shutdown embedded server
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
}
