package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/raaihank/pii-gateway/internal/access"
	"github.com/raaihank/pii-gateway/internal/cache"
	"github.com/raaihank/pii-gateway/internal/completion"
	"github.com/raaihank/pii-gateway/internal/config"
	"github.com/raaihank/pii-gateway/internal/history"
	"github.com/raaihank/pii-gateway/internal/logger"
	"github.com/raaihank/pii-gateway/internal/metrics"
	"github.com/raaihank/pii-gateway/internal/policy"
	"github.com/raaihank/pii-gateway/internal/privacy"
	"github.com/raaihank/pii-gateway/internal/provider"
	"github.com/raaihank/pii-gateway/internal/proxy"
	"github.com/raaihank/pii-gateway/internal/security"
	"github.com/raaihank/pii-gateway/internal/storage"
	"github.com/raaihank/pii-gateway/internal/websocket"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	// Parse command line flags
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.String("health-check", "", "Check the health endpoint at this address and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("pii-gateway %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if *healthCheck != "" {
		performHealthCheck(*healthCheck)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		}
	}

	log, err := logger.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	proxy.Version = version
	log.Info("Starting pii-gateway",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := build(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize gateway", zap.Error(err))
	}
	defer app.close()

	config.Watch(func(next *config.Config) {
		app.resolver.Apply(next.Privacy)
		if err := log.SetLevel(next.Logging.Level); err != nil {
			log.Warn("Ignoring invalid log level", zap.String("level", next.Logging.Level))
		}
		log.Info("Configuration reloaded",
			zap.Bool("privacy_enabled", next.Privacy.Enabled),
			zap.String("fail_mode", next.Privacy.FailMode))
	}, func(err error) {
		log.Error("Configuration reload rejected", zap.Error(err))
	})

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil {
			log.Error("Server error", zap.Error(err))
		}
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := app.server.Stop(shutdownCtx); err != nil {
			log.Error("Failed to shutdown server gracefully", zap.Error(err))
		}
		log.Info("Server shutdown complete")
	}
}

// gateway holds the wired components and the resources to release
type gateway struct {
	server   *proxy.Server
	resolver *policy.Resolver
	db       *sqlx.DB
	redis    *redis.Client
}

func (g *gateway) close() {
	if g.redis != nil {
		g.redis.Close()
	}
	if g.db != nil {
		g.db.Close()
	}
}

func build(ctx context.Context, cfg *config.Config, log *logger.Logger) (*gateway, error) {
	g := &gateway{}
	m := metrics.New()

	var (
		policies policy.Store = policy.NewMemoryStore()
		records  history.Store
	)
	if cfg.Database.DSN != "" {
		db, err := storage.Open(cfg.Database, log)
		if err != nil {
			return nil, err
		}
		g.db = db

		sqlPolicies, err := policy.NewSQLStore(ctx, db, log, cfg.Database.AutoMigrate)
		if err != nil {
			g.close()
			return nil, err
		}
		policies = sqlPolicies

		if cfg.Database.HistoryEnabled {
			sqlHistory, err := history.NewSQLStore(ctx, db, log, cfg.Database.AutoMigrate)
			if err != nil {
				g.close()
				return nil, err
			}
			records = sqlHistory
		}
	} else {
		log.Warn("No database configured, policies and history are kept in memory")
		if cfg.Database.HistoryEnabled {
			records = history.NewMemoryStore()
		}
	}

	if cfg.Redis.Enabled {
		client, err := cache.NewClient(cfg.Redis, log)
		if err != nil {
			// Serve from the inner store without caching
			log.Warn("Policy cache disabled", zap.Error(err))
		} else {
			g.redis = client
			policies = cache.NewPolicyStore(policies, client, cfg.Redis, log, m)
		}
	}

	engine, err := privacy.New(cfg.Privacy, log)
	if err != nil {
		g.close()
		return nil, err
	}

	providers := provider.NewRegistry(cfg.Upstream, log)

	g.resolver = policy.NewResolver(policies, cfg.Privacy, log, m)

	var (
		hub    *websocket.Hub
		events completion.EventSink
	)
	if cfg.WebSocket.Enabled {
		hub = websocket.NewHub(cfg.WebSocket, log, m)
		events = hub
		go hub.Run(ctx)
	}

	limiter := security.NewRateLimiter(cfg.Security.RateLimit)
	limiter.StartCleanupRoutine(ctx)

	service := completion.NewService(completion.Deps{
		Engine:   engine,
		Lookup:   g.resolver,
		Provider: providers,
		History:  records,
		Events:   events,
		Metrics:  m,
		Logger:   log,
	})

	g.server = proxy.New(cfg, proxy.Deps{
		Completion: service,
		Engine:     engine,
		Policies:   policies,
		Providers:  providers,
		Auth:       access.NewJWTAuthenticator(cfg.Access),
		Hub:        hub,
		Limiter:    limiter,
		Metrics:    m,
	}, log)

	return g, nil
}

// performHealthCheck checks a running gateway, for container health checks
func performHealthCheck(addr string) {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("Health check passed")
	os.Exit(0)
}
