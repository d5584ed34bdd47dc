// Package mail renders the platform's transactional emails and hands them to a delivery transport.
package mail

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"strings"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// ErrNotConfigured is returned by transports missing their credentials.
var ErrNotConfigured = errors.New("mail transport is not configured")

// Message is a rendered email ready for delivery.
type Message struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// Mailer delivers a message or reports why it could not.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// InvitationData feeds the tenant invitation email.
type InvitationData struct {
	Name       string
	TenantName string
	TenantRole string
	Link       string
}

// StaffInvitationData feeds the internal staff invitation email.
type StaffInvitationData struct {
	Name string
	Role string
	Link string
}

type actionView struct {
	Title  string
	Body   template.HTML
	Link   string
	Action string
}

type staffView struct {
	Name      string
	RoleLabel string
	Link      string
}

// TenantRoleLabel is the user facing name of a tenant role.
func TenantRoleLabel(role string) string {
	switch role {
	case "owner":
		return "PROPIETARIO"
	case "admin":
		return "ADMINISTRADOR"
	default:
		return "MIEMBRO"
	}
}

// StaffRoleLabel is the user facing name of a platform role.
func StaffRoleLabel(role string) string {
	if role == "sata_admin" {
		return "Administrador Global"
	}
	return "Soporte Técnico"
}

// InvitationEmail renders the invitation sent to a tenant member.
func InvitationEmail(to string, data InvitationData) (Message, error) {
	tenant := strings.TrimSpace(data.TenantName)
	if tenant == "" {
		tenant = "SATA"
	}

	body := fmt.Sprintf("Hola %s, has sido invitado a formar parte de la empresa <strong>%s</strong> con el rol de <strong>%s</strong>.",
		template.HTMLEscapeString(data.Name), template.HTMLEscapeString(tenant), TenantRoleLabel(data.TenantRole))

	html, err := render("action.html", actionView{
		Title:  "Te han invitado a " + tenant,
		Body:   template.HTML(body),
		Link:   data.Link,
		Action: "Aceptar Invitación",
	})
	if err != nil {
		return Message{}, err
	}
	return Message{To: []string{to}, Subject: "Invitación a Colaborar - " + tenant, HTML: html}, nil
}

// StaffInvitationEmail renders the invitation sent to platform staff.
func StaffInvitationEmail(to string, data StaffInvitationData) (Message, error) {
	html, err := render("staff_invite.html", staffView{Name: data.Name, RoleLabel: StaffRoleLabel(data.Role), Link: data.Link})
	if err != nil {
		return Message{}, err
	}
	return Message{To: []string{to}, Subject: "Bienvenido al Equipo - SATA CORP", HTML: html}, nil
}

// PasswordResetEmail renders the password recovery email.
func PasswordResetEmail(to, link string) (Message, error) {
	html, err := render("action.html", actionView{
		Title:  "Restablecer Contraseña",
		Body:   "Hemos recibido una solicitud para restablecer tu contraseña en SATA. Haz clic en el botón de abajo para continuar.",
		Link:   link,
		Action: "Restablecer Contraseña",
	})
	if err != nil {
		return Message{}, err
	}
	return Message{To: []string{to}, Subject: "Recuperar Contraseña - SATA", HTML: html}, nil
}

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}
