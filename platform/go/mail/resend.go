package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/resend/resend-go/v2"
)

// ErrSandboxRecipient is returned when the Resend account can only mail its own address.
var ErrSandboxRecipient = errors.New("modo prueba: solo puedes enviar correos a tu propio email registrado; verifica un dominio en Resend")

// ResendMailer delivers through the Resend HTTP API.
type ResendMailer struct {
	client *resend.Client
	from   string
}

var _ Mailer = (*ResendMailer)(nil)

func NewResendMailer(apiKey, from string) (*ResendMailer, error) {
	if strings.TrimSpace(apiKey) == "" || strings.TrimSpace(from) == "" {
		return nil, ErrNotConfigured
	}
	return &ResendMailer{client: resend.NewClient(apiKey), from: from}, nil
}

func (m *ResendMailer) Send(ctx context.Context, msg Message) error {
	_, err := m.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    m.from,
		To:      msg.To,
		Subject: msg.Subject,
		Html:    msg.HTML,
	})
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "own email address") {
		return ErrSandboxRecipient
	}
	return fmt.Errorf("resend: %w", err)
}
