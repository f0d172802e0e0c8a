package services

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/wayl-ai/wayl/blockchain"
	"github.com/wayl-ai/wayl/breaker"
	"github.com/wayl-ai/wayl/cache"
	"github.com/wayl-ai/wayl/health"
	"github.com/wayl-ai/wayl/inference"
	"github.com/wayl-ai/wayl/metrics"
	"github.com/wayl-ai/wayl/ratelimit"
	"github.com/wayl-ai/wayl/repository"
	"github.com/wayl-ai/wayl/tasks"
	ws "github.com/wayl-ai/wayl/websocket"
)

const (
	breakerThreshold    = 5
	breakerResetTimeout = 60 * time.Second
	healthCheckTimeout  = 5 * time.Second
)

// Server holds all server dependencies
type Server struct {
	config   *Config
	repo     *repository.GORMRepository
	convRepo *repository.ConversationRepository
	rawDB    *gorm.DB

	redis     *redis.Client
	cache     cache.Cache
	limiter   *ratelimit.Limiter
	ipLimiter *ratelimit.IPLimiter
	breaker   *breaker.Breaker
	tasks     *tasks.Manager
	models    *inference.Manager
	catalog   inference.Catalog
	chain     *blockchain.Client
	treasury  string

	authService    *AuthService
	auditService   *AuditService
	paymentService *PaymentService
	agentService   *AgentService

	authEndpoints    *AuthEndpoints
	agentEndpoints   *AgentEndpoints
	paymentEndpoints *PaymentEndpoints
	auditEndpoints   *AuditEndpoints
	modelEndpoints   *ModelEndpoints

	wsHub     *ws.Hub
	monitor   *health.Monitor
	scheduler *Scheduler
}

// NewServer creates a new server instance
func NewServer(config *Config) *Server {
	return &Server{
		config:    config,
		breaker:   breaker.New(breakerThreshold, breakerResetTimeout),
		tasks:     tasks.NewManager(),
		ipLimiter: ratelimit.NewIPLimiter(config.Security.AuthRequestsPerSec, config.Security.AuthRequestsBurst),
		wsHub:     ws.NewHub(),
		monitor:   health.NewMonitor(healthCheckTimeout),
		scheduler: NewScheduler(),
	}
}

// SetDatabase sets the database connection
func (s *Server) SetDatabase(repo *repository.GORMRepository, db *gorm.DB) {
	s.repo = repo
	s.rawDB = db
	if db != nil {
		s.convRepo = repository.NewConversationRepository(db)
	}
}

// InitializeServices initializes all server services
func (s *Server) InitializeServices(ctx context.Context) error {
	if s.config.Redis.Enabled() {
		opts, err := s.config.Redis.Options()
		if err != nil {
			return err
		}
		opts.Prefix = s.config.Server.AppName
		s.redis = cache.NewRedisClient(opts)
		s.cache = cache.NewRedisCache(s.redis, opts.Prefix)
		s.limiter = ratelimit.NewRedisLimiter(s.redis, "ratelimit")
		slog.Info("Redis cache initialized", "address", opts.Address)
	} else {
		s.cache = cache.NewMemoryCache()
		s.limiter = ratelimit.NewMemoryLimiter("ratelimit")
		slog.Warn("Redis not configured, using in-process cache and rate limiter")
	}

	loader, err := inference.NewLoader(ctx, s.config.InferenceConfig())
	if err != nil {
		return err
	}
	s.models = inference.NewManager(loader, s.config.Inference.Provider, s.config.Model.CacheSize)
	s.catalog = inference.Catalog{Dir: s.config.Model.Dir, Remote: []string{s.config.Model.Default}}
	slog.Info("Model manager initialized", "provider", s.config.Inference.Provider, "cache_size", s.config.Model.CacheSize)

	if s.config.Blockchain.RPCURL != "" {
		s.chain, err = blockchain.NewClient(blockchain.Config{
			RPCURL:    s.config.Blockchain.RPCURL,
			TokenMint: s.config.Blockchain.TokenAddress,
			Decimals:  s.config.Blockchain.Decimals,
		})
		if err != nil {
			return err
		}
		slog.Info("Blockchain client initialized", "rpc_url", s.config.Blockchain.RPCURL)
	} else {
		slog.Warn("SOLANA_RPC_URL not configured, token balances will read as zero")
	}
	if s.config.Blockchain.WalletPrivateKey != "" {
		kp, err := blockchain.KeypairFromSecret(s.config.Blockchain.WalletPrivateKey)
		if err != nil {
			return err
		}
		s.treasury = kp.Address()
	}

	if s.repo != nil {
		var ledger TokenLedger
		if s.chain != nil {
			ledger = s.chain
		}

		s.auditService = NewAuditService(s.repo, s.cache, s.redis, s.config.Monitoring.AuditRetentionDays)
		s.authService = NewAuthService(s.repo, s.cache, s.config)
		s.paymentService = NewPaymentService(s.repo, ledger, s.cache, s.breaker, s.treasury)
		s.agentService = NewAgentService(s.repo, s.convRepo, s.models, s.paymentService,
			s.cache, s.breaker, s.tasks, s.config.DefaultParams())

		chat := NewChatHandler(s.agentService, s.wsHub, s.config.WebSocket.AllowedOrigins)
		s.authEndpoints = NewAuthEndpoints(s.authService, s.auditService, s.ipLimiter.Handler)
		s.agentEndpoints = NewAgentEndpoints(s.agentService, s.auditService, chat)
		s.paymentEndpoints = NewPaymentEndpoints(s.paymentService, s.auditService)
		s.auditEndpoints = NewAuditEndpoints(s.auditService)
		s.modelEndpoints = NewModelEndpoints(s.catalog, s.models, s.paymentService, s.tasks)
		slog.Info("Domain services initialized")
	} else {
		slog.Warn("Database not configured, API routes disabled")
	}

	s.registerHealthChecks()

	var store MaintenanceStore
	if s.repo != nil {
		store = s.repo
	}
	mc, _ := s.cache.(*cache.MemoryCache)
	for _, job := range MaintenanceJobs(store, s.auditService, s.tasks, s.ipLimiter, mc) {
		if err := s.scheduler.Add(job); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) registerHealthChecks() {
	if s.repo != nil {
		s.monitor.Register("database", health.Ping(s.repo.Ping))
	}
	if s.redis != nil {
		s.monitor.Register("redis", health.Ping(s.cache.Ping))
	} else {
		s.monitor.Register("redis", func(context.Context) health.Result {
			return health.Result{Status: health.LevelOK, Message: "not_configured"}
		})
	}
	s.monitor.Register("model_service", func(context.Context) health.Result {
		loaded := s.models.Loaded()
		return health.Result{
			Status:  health.LevelOK,
			Details: map[string]any{"loaded_models": len(loaded), "max_models": s.config.Model.CacheSize},
		}
	})
	if s.chain != nil {
		s.monitor.Register("blockchain", health.Ping(s.chain.Health))
	}
	s.monitor.Register("system", health.SystemCheck("/", health.DefaultThresholds))
	s.monitor.Register("websocket", func(context.Context) health.Result {
		return health.Result{Status: health.LevelOK, Details: map[string]any{"connections": s.wsHub.Len()}}
	})
}

// SetupRoutes configures all HTTP routes
func (s *Server) SetupRoutes() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(tracing(s.cache))
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if s.config.Monitoring.SentryDSN != "" {
		r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	}
	r.Use(securityHeaders)
	r.Use(cors(s.config.WebSocket.AllowedOrigins))
	if s.config.Monitoring.EnableMetrics {
		r.Use(metrics.InstrumentHandler)
		r.Handle("/metrics", metrics.Handler())
	}

	r.Get("/health", s.healthHandler)
	r.Get("/health/detailed", s.detailedHealthHandler)

	r.Route(s.config.Server.APIPrefix, func(r chi.Router) {
		r.Get("/", s.apiV1Handler)

		if s.authEndpoints == nil {
			return
		}
		s.authEndpoints.RegisterRoutes(r)

		r.Group(func(r chi.Router) {
			r.Use(s.authService.Middleware)
			r.Use(s.limiter.Middleware(userRatePolicy(s.paymentService, s.config.RateLimit.Default, s.config.RateLimit.Window)))
			s.agentEndpoints.RegisterRoutes(r)
			s.paymentEndpoints.RegisterRoutes(r)
			s.auditEndpoints.RegisterRoutes(r)
			s.modelEndpoints.RegisterRoutes(r)
		})
	})

	return r
}

// Start starts the HTTP server
func (s *Server) Start() {
	port := s.config.Server.Port
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: s.SetupRoutes(),
	}

	bg, stop := context.WithCancel(context.Background())
	defer stop()
	go s.wsHub.Run(bg)
	interval := s.config.Monitoring.HealthCheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	go s.monitor.Start(bg, interval)
	s.scheduler.Start()

	// Graceful shutdown
	go func() {
		slog.Info("Starting server", "port", port, "app", s.config.Server.AppName)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	stop()
	s.shutdown(ctx)

	slog.Info("Server exited")
}

// shutdown releases background workers and connections, bounded by ctx.
func (s *Server) shutdown(ctx context.Context) {
	if err := s.scheduler.Stop(ctx); err != nil {
		slog.Warn("Scheduler did not stop in time", "error", err)
	}
	if err := s.tasks.Shutdown(ctx); err != nil {
		slog.Warn("Background tasks did not finish in time", "error", err)
	}
	if s.models != nil {
		if err := s.models.Close(); err != nil {
			slog.Error("Failed to unload models", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			slog.Error("Failed to close redis", "error", err)
		}
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	dbStatus := "not configured"
	redisStatus := "not configured"

	if s.repo != nil {
		if err := s.repo.Ping(r.Context()); err != nil {
			dbStatus = "down"
			status = "degraded"
		} else {
			dbStatus = "up"
		}
	}
	if s.redis != nil {
		if err := s.redis.Ping(r.Context()).Err(); err != nil {
			redisStatus = "down"
			status = "degraded"
		} else {
			redisStatus = "up"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   status,
		"database": dbStatus,
		"redis":    redisStatus,
	})

	slog.Info("Health check", "status", status, "database", dbStatus, "redis", redisStatus)
}

func (s *Server) detailedHealthHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.monitor.Status(r.Context())
	code := http.StatusOK
	if snap.Status >= health.LevelError {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, snap)
}

func (s *Server) apiV1Handler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "API v1", "version": "1.0.0"})

	slog.Info("API v1 accessed")
}
