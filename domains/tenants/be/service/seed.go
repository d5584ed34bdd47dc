package service

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sata-agro/sata-platform/platform/go/persistence"
	"github.com/sata-agro/sata-platform/platform/go/tenant"
)

var (
	//go:embed fixtures/demo.yaml
	demoFixtureYAML []byte

	//go:embed fixtures/demo.schema.json
	demoFixtureSchema []byte
)

const fixtureSchemaURL = "memory://fixtures/demo.schema.json"

// Fixture is the demo data set inserted by SeedTenant.
type Fixture struct {
	Assets    []FixtureAsset    `json:"assets"`
	Contacts  []FixtureContact  `json:"contacts"`
	Team      []FixtureMember   `json:"team"`
	Rules     []FixtureRule     `json:"rules"`
	AlertLogs []FixtureAlertLog `json:"alertLogs"`
}

type FixtureAsset struct {
	Key          string `json:"key"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	CustomType   string `json:"customType"`
	Location     string `json:"location"`
	DevEUISuffix string `json:"devEUISuffix"`
}

type FixtureContact struct {
	Key   string `json:"key"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email"`
}

type FixtureMember struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	TenantRole string `json:"tenantRole"`
}

type FixtureRule struct {
	Asset     string   `json:"asset"`
	Type      string   `json:"type"`
	Threshold float64  `json:"threshold"`
	Contacts  []string `json:"contacts"`
}

type FixtureAlertLog struct {
	Asset    string   `json:"asset"`
	Type     string   `json:"type"`
	Value    float64  `json:"value"`
	Notified []string `json:"notified"`
	HoursAgo float64  `json:"hoursAgo"`
}

// SeedResult counts the records SeedTenant inserted.
type SeedResult struct {
	Assets    int `json:"assets"`
	Contacts  int `json:"contacts"`
	Users     int `json:"users"`
	Rules     int `json:"rules"`
	AlertLogs int `json:"alertLogs"`
}

var demoFixture = sync.OnceValues(func() (Fixture, error) {
	return LoadFixture(demoFixtureYAML)
})

// LoadFixture parses a YAML seed document and validates it against the embedded JSON Schema.
func LoadFixture(raw []byte) (Fixture, error) {
	var document any
	if err := yaml.Unmarshal(raw, &document); err != nil {
		return Fixture{}, fmt.Errorf("decode fixture: %w", err)
	}

	payload, err := json.Marshal(document)
	if err != nil {
		return Fixture{}, fmt.Errorf("encode fixture: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(fixtureSchemaURL, bytes.NewReader(demoFixtureSchema)); err != nil {
		return Fixture{}, fmt.Errorf("register fixture schema: %w", err)
	}
	schema, err := compiler.Compile(fixtureSchemaURL)
	if err != nil {
		return Fixture{}, fmt.Errorf("compile fixture schema: %w", err)
	}

	var generic any
	if err := json.Unmarshal(payload, &generic); err != nil {
		return Fixture{}, fmt.Errorf("decode fixture: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		return Fixture{}, fmt.Errorf("fixture validation: %w", err)
	}

	var fixture Fixture
	if err := json.Unmarshal(payload, &fixture); err != nil {
		return Fixture{}, fmt.Errorf("decode fixture: %w", err)
	}
	if err := fixture.checkReferences(); err != nil {
		return Fixture{}, err
	}
	return fixture, nil
}

func (f Fixture) checkReferences() error {
	assets := map[string]bool{}
	for _, a := range f.Assets {
		assets[a.Key] = true
	}
	contacts := map[string]bool{}
	for _, c := range f.Contacts {
		contacts[c.Key] = true
	}

	var errs []error
	for i, r := range f.Rules {
		if !assets[r.Asset] {
			errs = append(errs, fmt.Errorf("rules[%d]: unknown asset %q", i, r.Asset))
		}
		for _, c := range r.Contacts {
			if !contacts[c] {
				errs = append(errs, fmt.Errorf("rules[%d]: unknown contact %q", i, c))
			}
		}
	}
	for i, l := range f.AlertLogs {
		if !assets[l.Asset] {
			errs = append(errs, fmt.Errorf("alertLogs[%d]: unknown asset %q", i, l.Asset))
		}
		for _, c := range l.Notified {
			if !contacts[c] {
				errs = append(errs, fmt.Errorf("alertLogs[%d]: unknown contact %q", i, c))
			}
		}
	}
	return errors.Join(errs...)
}

// SeedTenant inserts the demo data set into a tenant. A tenant that already has assets is only seeded
// again when force is set.
func (s *Service) SeedTenant(ctx context.Context, tenantID uuid.UUID, force bool) (SeedResult, error) {
	fixture, err := demoFixture()
	if err != nil {
		return SeedResult{}, err
	}

	if _, err := s.store.GetTenant(ctx, tenantID); err != nil {
		return SeedResult{}, mapPersistenceError(err)
	}

	existing, err := s.store.ListAssets(ctx, persistence.ForTenant(tenantID))
	if err != nil {
		return SeedResult{}, mapPersistenceError(err)
	}
	if len(existing) > 0 && !force {
		return SeedResult{}, ErrAlreadySeeded
	}

	result, err := s.insertFixture(ctx, tenantID, fixture)
	if err != nil {
		s.loggerFrom(ctx).Warn("tenant seeding stopped",
			zap.String("tenant_id", tenantID.String()),
			zap.Any("inserted", result),
			zap.Error(err))
		return result, mapPersistenceError(err)
	}

	s.loggerFrom(ctx).Info("tenant seeded", zap.String("tenant_id", tenantID.String()), zap.Any("inserted", result))
	return result, nil
}

func (s *Service) insertFixture(ctx context.Context, tenantID uuid.UUID, fixture Fixture) (SeedResult, error) {
	var result SeedResult
	now := s.now().UTC()
	short := tenant.ShortID(tenantID, 4)
	suffix := short + "_" + strconv.FormatInt(now.UnixMilli(), 10)
	expand := func(v string) string { return strings.ReplaceAll(v, "{suffix}", suffix) }

	assetIDs := make(map[string]uuid.UUID, len(fixture.Assets))
	for _, a := range fixture.Assets {
		asset := persistence.Asset{
			ID:       uuid.New(),
			TenantID: tenantID,
			Name:     a.Name,
			Type:     persistence.AssetType(a.Type),
			Location: persistence.AssetLocation(a.Location),
			DevEUI:   "AA11" + strings.ToUpper(short) + a.DevEUISuffix,
		}
		if a.CustomType != "" {
			customType := a.CustomType
			asset.CustomType = &customType
		}
		if _, err := s.store.InsertAsset(ctx, asset); err != nil {
			return result, fmt.Errorf("insert asset %q: %w", a.Key, err)
		}
		assetIDs[a.Key] = asset.ID
		result.Assets++
	}

	contactIDs := make(map[string]uuid.UUID, len(fixture.Contacts))
	contactNames := make(map[string]string, len(fixture.Contacts))
	for _, c := range fixture.Contacts {
		contact := persistence.Contact{
			ID:       uuid.New(),
			TenantID: tenantID,
			Name:     c.Name,
			Phone:    c.Phone,
			Email:    expand(c.Email),
		}
		if _, err := s.store.InsertContact(ctx, contact); err != nil {
			return result, fmt.Errorf("insert contact %q: %w", c.Key, err)
		}
		contactIDs[c.Key] = contact.ID
		contactNames[c.Key] = c.Name
		result.Contacts++
	}

	for _, m := range fixture.Team {
		user, err := s.demoMember(tenantID, m, expand(m.Email), now)
		if err != nil {
			return result, err
		}
		if _, err := s.store.InsertUser(ctx, user); err != nil {
			return result, fmt.Errorf("insert team member %q: %w", user.Email, err)
		}
		result.Users++
	}

	for _, r := range fixture.Rules {
		ids := make([]uuid.UUID, 0, len(r.Contacts))
		for _, key := range r.Contacts {
			ids = append(ids, contactIDs[key])
		}
		rule := persistence.Rule{
			ID:         uuid.New(),
			TenantID:   tenantID,
			AssetID:    assetIDs[r.Asset],
			AlertType:  persistence.AlertType(r.Type),
			Threshold:  r.Threshold,
			ContactIDs: ids,
		}
		if _, err := s.store.InsertRule(ctx, rule); err != nil {
			return result, fmt.Errorf("insert rule: %w", err)
		}
		result.Rules++
	}

	for _, l := range fixture.AlertLogs {
		names := make([]string, 0, len(l.Notified))
		for _, key := range l.Notified {
			names = append(names, contactNames[key])
		}
		log := persistence.AlertLog{
			ID:               uuid.New(),
			TenantID:         tenantID,
			AssetID:          assetIDs[l.Asset],
			AlertType:        persistence.AlertType(l.Type),
			Value:            l.Value,
			NotifiedContacts: names,
			OccurredAt:       now.Add(-time.Duration(l.HoursAgo * float64(time.Hour))),
		}
		if _, err := s.store.InsertAlertLog(ctx, log); err != nil {
			return result, fmt.Errorf("insert alert log: %w", err)
		}
		result.AlertLogs++
	}

	return result, nil
}

// demoMember builds a seeded team account. Without a demo password the account is left Pendiente with an
// unusable hash so it can only be activated through an invitation.
func (s *Service) demoMember(tenantID uuid.UUID, m FixtureMember, email string, now time.Time) (persistence.User, error) {
	role := persistence.TenantRole(m.TenantRole)
	user := persistence.User{
		ID:         uuid.New(),
		Name:       m.Name,
		Email:      email,
		GlobalRole: persistence.RoleFarmUser,
		TenantID:   &tenantID,
		TenantRole: &role,
	}

	if s.demoPassword == "" {
		user.Status = persistence.StatusPending
		user.PasswordHash = unusablePasswordHash
		user.InvitedAt = &now
		return user, nil
	}

	hash, err := s.passwords.Hash(s.demoPassword)
	if err != nil {
		return persistence.User{}, fmt.Errorf("hash demo password: %w", err)
	}
	user.Status = persistence.StatusActive
	user.PasswordHash = hash
	return user, nil
}
