// Command mailer drains the outbound mail queue and delivers each message through Resend.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	platformlogging "github.com/sata-agro/sata-platform/platform/go/logging"
	platformmail "github.com/sata-agro/sata-platform/platform/go/mail"
)

type config struct {
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT" envDefault:"json"`
	AMQPURL      string `env:"AMQP_URL,required"`
	Queue        string `env:"MAIL_QUEUE" envDefault:"sata.mail.outbound"`
	ResendAPIKey string `env:"RESEND_API_KEY,required"`
	MailFrom     string `env:"MAIL_FROM" envDefault:"SATA <onboarding@resend.dev>"`
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	_ = godotenv.Load()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{Component: "sata-mailer", Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	delivery, err := platformmail.NewResendMailer(cfg.ResendAPIKey, cfg.MailFrom)
	if err != nil {
		return fmt.Errorf("resend mailer: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("mail consumer starting", zap.String("queue", cfg.Queue))

	consumer := &platformmail.Consumer{
		URL:      cfg.AMQPURL,
		Queue:    cfg.Queue,
		Delivery: delivery,
		Logger:   logger,
	}
	if err := consumer.Run(ctx); err != nil {
		return err
	}

	logger.Info("mail consumer stopped")
	return nil
}
