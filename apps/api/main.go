package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/sata-agro/sata-platform/contracts"
	authhandler "github.com/sata-agro/sata-platform/domains/auth/be/handler"
	authservice "github.com/sata-agro/sata-platform/domains/auth/be/service"
	invitationshandler "github.com/sata-agro/sata-platform/domains/invitations/be/handler"
	invitationsservice "github.com/sata-agro/sata-platform/domains/invitations/be/service"
	tenantshandler "github.com/sata-agro/sata-platform/domains/tenants/be/handler"
	tenantsservice "github.com/sata-agro/sata-platform/domains/tenants/be/service"
	usershandler "github.com/sata-agro/sata-platform/domains/users/be/handler"
	usersservice "github.com/sata-agro/sata-platform/domains/users/be/service"
	platformauth "github.com/sata-agro/sata-platform/platform/go/auth"
	"github.com/sata-agro/sata-platform/platform/go/events"
	"github.com/sata-agro/sata-platform/platform/go/invitetoken"
	platformlogging "github.com/sata-agro/sata-platform/platform/go/logging"
	platformmail "github.com/sata-agro/sata-platform/platform/go/mail"
	"github.com/sata-agro/sata-platform/platform/go/metrics"
	platformmiddleware "github.com/sata-agro/sata-platform/platform/go/middleware"
	"github.com/sata-agro/sata-platform/platform/go/password"
	"github.com/sata-agro/sata-platform/platform/go/persistence"
	"github.com/sata-agro/sata-platform/platform/go/session"
	"github.com/sata-agro/sata-platform/platform/go/telemetry"
	tenantmiddleware "github.com/sata-agro/sata-platform/platform/go/tenant/middleware"
	"github.com/sata-agro/sata-platform/platform/go/throttle"
)

type config struct {
	Port            string        `env:"PORT" envDefault:"3000"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"json"`
	Version         string        `env:"SERVICE_VERSION"`

	DatabaseURL       string `env:"SATA_DB_URL"`
	DatabaseAccessKey string `env:"SATA_DB_ACCESS_KEY"`

	SessionSecret string        `env:"SESSION_SECRET,required"`
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"12h"`
	InviteSecret  string        `env:"INVITE_SECRET,required"`
	AppBaseURL    string        `env:"APP_BASE_URL" envDefault:"http://localhost:5173"`
	BcryptCost    int           `env:"BCRYPT_COST" envDefault:"12"`

	StepUpDemoCode string        `env:"STEPUP_DEMO_CODE"`
	StepUpTTL      time.Duration `env:"STEPUP_TTL" envDefault:"5m"`
	RedisURL       string        `env:"REDIS_URL"`

	NATSURL string `env:"NATS_URL"`

	MailTransport string `env:"MAIL_TRANSPORT" envDefault:"log"` // resend | amqp | log
	ResendAPIKey  string `env:"RESEND_API_KEY"`
	MailFrom      string `env:"MAIL_FROM" envDefault:"SATA <onboarding@resend.dev>"`
	AMQPURL       string `env:"AMQP_URL"`
	MailQueue     string `env:"MAIL_QUEUE" envDefault:"sata.mail.outbound"`

	OTLPEndpoint string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool     `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	CORSOrigins  []string `env:"CORS_ORIGINS" envSeparator:","`

	TenantScopeTTL time.Duration `env:"TENANT_SCOPE_TTL" envDefault:"30s"`
	DemoPassword   string        `env:"DEMO_TEAM_PASSWORD"`
}

func main() {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{
		Component: "identity-api",
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		Version:   cfg.Version,
	})
	if err != nil {
		log.Fatalf("init zap logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: "sata-api",
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	}

	collectors := metrics.New()

	backend, err := persistence.Open(ctx, persistence.Config{
		URL:       cfg.DatabaseURL,
		AccessKey: cfg.DatabaseAccessKey,
	}, logger)
	if err != nil {
		logger.Fatal("open persistence backend", zap.Error(err))
	}
	defer backend.Close()
	collectors.Backend(backend.Name())

	publisher, err := events.Connect(events.Config{URL: cfg.NATSURL, Name: "sata-api"}, logger)
	if err != nil {
		logger.Warn("events disabled", zap.Error(err))
		publisher = events.Noop{}
	}
	defer publisher.Close()

	mailer, closeMailer := buildMailer(cfg, logger)
	defer closeMailer()

	sessions, err := session.NewManager(cfg.SessionSecret, cfg.SessionTTL)
	if err != nil {
		logger.Fatal("init session manager", zap.Error(err))
	}
	codec, err := invitetoken.New([]byte(cfg.InviteSecret))
	if err != nil {
		logger.Fatal("init invitation codec", zap.Error(err))
	}
	hasher := password.NewHasher(cfg.BcryptCost)

	stepUpThrottle, closeThrottle := buildThrottle(ctx, cfg, logger)
	defer closeThrottle()

	authService := authservice.New(authservice.Dependencies{
		Accounts:   backend,
		Sessions:   sessions,
		Passwords:  hasher,
		Codes:      authservice.StaticCodeChecker{Code: cfg.StepUpDemoCode},
		Throttle:   stepUpThrottle,
		Challenges: authservice.NewChallengeStore(cfg.StepUpTTL),
		Recorder:   collectors,
		Logger:     logger,
	})
	tenantService := tenantsservice.New(backend, hasher, logger, tenantsservice.Config{
		DemoPassword: cfg.DemoPassword,
		Events:       publisher,
		Cascades:     collectors,
	})
	invitationService := invitationsservice.New(invitationsservice.Dependencies{
		Store:     backend,
		Codec:     codec,
		Passwords: hasher,
		Mailer:    mailer,
		Events:    publisher,
		Recorder:  collectors,
		BaseURL:   cfg.AppBaseURL,
		Logger:    logger,
	})
	userService := usersservice.New(backend, logger)

	authHTTPHandler := authhandler.New(authService, logger)
	tenantHTTPHandler := tenantshandler.New(tenantService, logger)
	invitationHTTPHandler := invitationshandler.New(invitationService, logger)
	userHTTPHandler := usershandler.New(userService, tenantService, logger)

	spec, err := contracts.LoadIdentity(ctx)
	if err != nil {
		logger.Fatal("load api contract", zap.Error(err))
	}

	rootRouter := chi.NewRouter()
	rootRouter.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		chimw.Timeout(cfg.RequestTimeout),
		platformmiddleware.CORS(cfg.CORSOrigins),
		collectors.Middleware,
	)
	rootRouter.Use(platformlogging.RequestLogger(logger))

	rootRouter.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rootRouter.Get("/readyz", readinessHandler(backend, logger))
	rootRouter.Method(http.MethodGet, "/metrics", collectors.Handler())
	registerDocsRoutes(rootRouter, logger)

	apiRouter := chi.NewRouter()
	apiRouter.Use(platformauth.JWT(platformauth.SessionTokenVerifier(sessions), nil))
	apiRouter.Use(platformmiddleware.RequestTrace)
	apiRouter.Use(tenantmiddleware.WithTenantScope(tenantmiddleware.FromBackend(backend), tenantmiddleware.Config{
		CacheTTL: cfg.TenantScopeTTL,
	}))
	apiRouter.Use(platformmiddleware.SpecValidator(spec))

	apiRouter.Route("/auth", func(r chi.Router) {
		authHTTPHandler.Mount(r)
		tenantHTTPHandler.MountRegistration(r)
		invitationHTTPHandler.MountPasswordReset(r)
	})
	apiRouter.Route("/invitations", func(r chi.Router) {
		invitationHTTPHandler.MountPublic(r)
		r.Group(func(r chi.Router) {
			r.Use(platformauth.RequireRole(platformauth.RoleFarmUser, platformauth.RolePlatformAdmin))
			invitationHTTPHandler.Mount(r)
		})
	})
	apiRouter.Group(func(r chi.Router) {
		r.Use(platformauth.RequireRole())
		r.Route("/users", userHTTPHandler.Mount)
		r.Route("/tenants", tenantHTTPHandler.Mount)
	})

	rootRouter.Mount("/api/v1", apiRouter)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(rootRouter, "sata-api"),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		logger.Info("starting api server", zap.String("port", cfg.Port), zap.String("backend", backend.Name()))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server listen failed", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("flush traces", zap.Error(err))
	}
}

// buildMailer selects the delivery transport. Misconfiguration degrades to the log mailer so invitations
// still produce links.
func buildMailer(cfg config, logger *zap.Logger) (platformmail.Mailer, func()) {
	noop := func() {}

	switch strings.ToLower(cfg.MailTransport) {
	case "resend":
		m, err := platformmail.NewResendMailer(cfg.ResendAPIKey, cfg.MailFrom)
		if err == nil {
			return m, noop
		}
		logger.Warn("resend mailer not configured, falling back to log", zap.Error(err))
	case "amqp":
		m, err := platformmail.NewAMQPMailer(cfg.AMQPURL, cfg.MailQueue)
		if err == nil {
			return m, func() { _ = m.Close() }
		}
		logger.Warn("amqp mailer not configured, falling back to log", zap.Error(err))
	case "log":
	default:
		logger.Warn("unknown MAIL_TRANSPORT, using log", zap.String("transport", cfg.MailTransport))
	}
	return platformmail.NewLogMailer(logger), noop
}

// buildThrottle shares step-up buckets through Redis when REDIS_URL is set.
func buildThrottle(ctx context.Context, cfg config, logger *zap.Logger) (throttle.Throttler, func()) {
	if cfg.RedisURL == "" {
		return throttle.NewLocal(throttle.DefaultConfig()), func() {}
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("parse REDIS_URL", zap.Error(err))
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable, throttling per replica", zap.Error(err))
		_ = client.Close()
		return throttle.NewLocal(throttle.DefaultConfig()), func() {}
	}
	return throttle.NewRedis(client, "sata:stepup", throttle.DefaultConfig()), func() { _ = client.Close() }
}

func readinessHandler(backend persistence.Backend, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := backend.Ping(ctx); err != nil {
			logger.Warn("readiness check failed", zap.String("backend", backend.Name()), zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
