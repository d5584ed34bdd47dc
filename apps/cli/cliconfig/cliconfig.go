// Package cliconfig builds the services the admin CLI operates on, from the same environment as the API.
package cliconfig

import (
	"context"
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	invitationsservice "github.com/sata-agro/sata-platform/domains/invitations/be/service"
	tenantsservice "github.com/sata-agro/sata-platform/domains/tenants/be/service"
	"github.com/sata-agro/sata-platform/platform/go/events"
	"github.com/sata-agro/sata-platform/platform/go/invitetoken"
	platformlogging "github.com/sata-agro/sata-platform/platform/go/logging"
	platformmail "github.com/sata-agro/sata-platform/platform/go/mail"
	"github.com/sata-agro/sata-platform/platform/go/password"
	"github.com/sata-agro/sata-platform/platform/go/persistence"
	"github.com/sata-agro/sata-platform/platform/go/requesttrace"
)

// Config mirrors the API variables the CLI needs.
type Config struct {
	LogLevel          string `env:"LOG_LEVEL" envDefault:"warn"`
	LogFormat         string `env:"LOG_FORMAT" envDefault:"console"`
	DatabaseURL       string `env:"SATA_DB_URL"`
	DatabaseAccessKey string `env:"SATA_DB_ACCESS_KEY"`
	InviteSecret      string `env:"INVITE_SECRET"`
	SessionSecret     string `env:"SESSION_SECRET"`
	AppBaseURL        string `env:"APP_BASE_URL" envDefault:"http://localhost:5173"`
	BcryptCost        int    `env:"BCRYPT_COST" envDefault:"12"`
	DemoPassword      string `env:"DEMO_TEAM_PASSWORD"`
	NATSURL           string `env:"NATS_URL"`
	MailTransport     string `env:"MAIL_TRANSPORT" envDefault:"log"`
	ResendAPIKey      string `env:"RESEND_API_KEY"`
	MailFrom          string `env:"MAIL_FROM" envDefault:"SATA <onboarding@resend.dev>"`
	AMQPURL           string `env:"AMQP_URL"`
	MailQueue         string `env:"MAIL_QUEUE" envDefault:"sata.mail.outbound"`
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Env is an opened set of collaborators. Close releases them.
type Env struct {
	Config    Config
	Logger    *zap.Logger
	Backend   persistence.Backend
	Events    events.Publisher
	Passwords *password.Hasher

	closers []func()
}

// Open connects to the remote backend. The CLI never falls back to memory: its writes would vanish.
func Open(ctx context.Context) (*Env, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{Component: "sata-cli", Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	backend, err := persistence.OpenRemote(ctx, persistence.Config{URL: cfg.DatabaseURL, AccessKey: cfg.DatabaseAccessKey})
	if err != nil {
		return nil, fmt.Errorf("open backend (SATA_DB_URL, SATA_DB_ACCESS_KEY): %w", err)
	}

	publisher, err := events.Connect(events.Config{URL: cfg.NATSURL, Name: "sata-cli"}, logger)
	if err != nil {
		logger.Warn("events disabled", zap.Error(err))
		publisher = events.Noop{}
	}

	e := &Env{
		Config:    cfg,
		Logger:    logger,
		Backend:   backend,
		Events:    publisher,
		Passwords: password.NewHasher(cfg.BcryptCost),
	}
	e.closers = append(e.closers, backend.Close, publisher.Close, func() { _ = logger.Sync() })
	return e, nil
}

// Close releases everything Open acquired, in reverse order.
func (e *Env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// Context tags ctx as a system actor so audit fields identify CLI writes.
func (e *Env) Context(ctx context.Context, command string) context.Context {
	ctx = requesttrace.IntoContext(ctx, requesttrace.System("cli:"+command))
	return platformlogging.WithLogger(ctx, e.Logger.With(zap.String("command", command)))
}

// Tenants builds the tenant lifecycle service.
func (e *Env) Tenants() *tenantsservice.Service {
	return tenantsservice.New(e.Backend, e.Passwords, e.Logger, tenantsservice.Config{
		DemoPassword: e.Config.DemoPassword,
		Events:       e.Events,
	})
}

// Invitations builds the invitation service with the configured mail transport.
func (e *Env) Invitations() (invitationsservice.Service, error) {
	codec, err := invitetoken.New([]byte(e.Config.InviteSecret))
	if err != nil {
		return nil, fmt.Errorf("INVITE_SECRET: %w", err)
	}

	mailer, err := e.mailer()
	if err != nil {
		return nil, err
	}

	return invitationsservice.New(invitationsservice.Dependencies{
		Store:     e.Backend,
		Codec:     codec,
		Passwords: e.Passwords,
		Mailer:    mailer,
		Events:    e.Events,
		BaseURL:   e.Config.AppBaseURL,
		Logger:    e.Logger,
	}), nil
}

func (e *Env) mailer() (platformmail.Mailer, error) {
	switch strings.ToLower(e.Config.MailTransport) {
	case "resend":
		return platformmail.NewResendMailer(e.Config.ResendAPIKey, e.Config.MailFrom)
	case "amqp":
		m, err := platformmail.NewAMQPMailer(e.Config.AMQPURL, e.Config.MailQueue)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, func() { _ = m.Close() })
		return m, nil
	default:
		return platformmail.NewLogMailer(e.Logger), nil
	}
}
