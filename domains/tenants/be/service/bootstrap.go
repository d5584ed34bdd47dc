package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sata-agro/sata-platform/platform/go/password"
	"github.com/sata-agro/sata-platform/platform/go/persistence"
)

const (
	BootstrapAdminEmail = "admin@sata.com"
	BootstrapTechEmail  = "tech@sata.com"
	DemoOwnerEmail      = "gerente@empresa.com"
	DemoTenantName      = "AgroIndustrias Demo"
	DemoTenantTimezone  = "America/Bogota"
)

// BootstrapInput carries the initial passwords of the platform accounts.
type BootstrapInput struct {
	AdminPassword string
	TechPassword  string
	OwnerPassword string
}

// BootstrapResult lists the emails of the accounts created by this run.
type BootstrapResult struct {
	Created    []string
	DemoTenant *uuid.UUID
	Seed       *SeedResult
}

// Bootstrap creates the platform staff accounts and the demo tenant. Accounts that already exist are
// left untouched, so running it twice is harmless.
func (s *Service) Bootstrap(ctx context.Context, in BootstrapInput) (BootstrapResult, error) {
	var result BootstrapResult

	staff := []struct {
		email, name, plain string
		role               persistence.GlobalRole
	}{
		{BootstrapAdminEmail, "Admin SATA", in.AdminPassword, persistence.RolePlatformAdmin},
		{BootstrapTechEmail, "Técnico Monitoreo", in.TechPassword, persistence.RolePlatformTech},
	}

	for _, acc := range staff {
		created, err := s.ensureStaff(ctx, acc.email, acc.name, acc.plain, acc.role)
		if err != nil {
			return result, err
		}
		if created {
			result.Created = append(result.Created, acc.email)
		}
	}

	if _, err := s.store.GetUserByEmail(ctx, DemoOwnerEmail); err == nil {
		return result, nil
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return result, mapPersistenceError(err)
	}

	demo, _, err := s.CreateTenant(ctx, OwnerInput{
		Name:     "Gerente Demo",
		Email:    DemoOwnerEmail,
		Password: in.OwnerPassword,
	}, DemoTenantName, WithTimezone(DemoTenantTimezone))
	if err != nil {
		return result, fmt.Errorf("create demo tenant: %w", err)
	}
	result.Created = append(result.Created, DemoOwnerEmail)
	result.DemoTenant = &demo.ID

	seeded, err := s.SeedTenant(ctx, demo.ID, false)
	if err != nil {
		return result, fmt.Errorf("seed demo tenant: %w", err)
	}
	result.Seed = &seeded

	return result, nil
}

func (s *Service) ensureStaff(ctx context.Context, email, name, plain string, role persistence.GlobalRole) (bool, error) {
	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return false, nil
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return false, mapPersistenceError(err)
	}

	if err := password.Validate(plain); err != nil {
		fieldErrors := FieldErrors{}
		fieldErrors.add(string(role)+"Password", err.Error())
		return false, &ValidationError{Fields: fieldErrors}
	}

	hash, err := s.passwords.Hash(plain)
	if err != nil {
		return false, fmt.Errorf("hash %s password: %w", role, err)
	}

	now := s.now().UTC()
	_, err = s.store.InsertUser(ctx, persistence.User{
		ID:           uuid.New(),
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		Status:       persistence.StatusActive,
		GlobalRole:   role,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return false, mapPersistenceError(err)
	}

	s.loggerFrom(ctx).Info("platform account created", zap.String("email", email), zap.String("role", string(role)))
	return true, nil
}
