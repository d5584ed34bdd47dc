package middleware

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	platformauth "github.com/sata-agro/sata-platform/platform/go/auth"
	platformlogging "github.com/sata-agro/sata-platform/platform/go/logging"
	"github.com/sata-agro/sata-platform/platform/go/persistence"
	"github.com/sata-agro/sata-platform/platform/go/tenant"
)

// Resolver looks up the tenant a session claims to belong to.
type Resolver interface {
	ResolveTenantScope(ctx context.Context, tenantID uuid.UUID) (tenant.Scope, error)
}

// TenantGetter is the slice of persistence.Backend the default resolver needs.
type TenantGetter interface {
	GetTenant(ctx context.Context, id uuid.UUID) (persistence.Tenant, error)
}

type backendResolver struct {
	tenants TenantGetter
}

// FromBackend adapts a tenant store into a Resolver.
func FromBackend(tenants TenantGetter) Resolver {
	if tenants == nil {
		panic("tenant middleware: tenant store is required")
	}
	return backendResolver{tenants: tenants}
}

func (r backendResolver) ResolveTenantScope(ctx context.Context, tenantID uuid.UUID) (tenant.Scope, error) {
	t, err := r.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return tenant.Scope{}, err
	}
	return tenant.Scope{TenantID: t.ID, Name: t.Name, Timezone: t.Timezone}, nil
}

// Config controls middleware behavior.
type Config struct {
	// CacheTTL keeps resolved scopes in memory; zero disables caching. A deleted tenant stays cached for at
	// most this long, after which its sessions are rejected.
	CacheTTL time.Duration
}

// WithTenantScope resolves the tenant claim of farm users and attaches tenant.Scope to the context.
// Farm users without a tenant, or whose tenant no longer exists, are rejected; platform staff pass through.
func WithTenantScope(resolver Resolver, cfg Config) func(http.Handler) http.Handler {
	if resolver == nil {
		panic("tenant middleware: resolver is required")
	}

	var cache *scopeCache
	if cfg.CacheTTL > 0 {
		cache = newScopeCache(cfg.CacheTTL)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			creds, ok := platformauth.UserFromContext(r.Context())
			if !ok || creds == nil || creds.Role != platformauth.RoleFarmUser {
				next.ServeHTTP(w, r)
				return
			}

			if creds.TenantID == nil || *creds.TenantID == "" {
				http.Error(w, "tenant required", http.StatusUnauthorized)
				return
			}

			tid, err := uuid.Parse(*creds.TenantID)
			if err != nil {
				http.Error(w, "invalid tenant id", http.StatusUnauthorized)
				return
			}

			scope, found := cache.get(tid)
			if !found {
				scope, err = resolver.ResolveTenantScope(r.Context(), tid)
				switch {
				case errors.Is(err, persistence.ErrNotFound):
					http.Error(w, "tenant not found", http.StatusUnauthorized)
					return
				case err != nil:
					if logger, ok := platformlogging.FromContext(r.Context()); ok {
						logger.Error("resolve tenant scope", zap.String("tenant_id", tid.String()), zap.Error(err))
					}
					http.Error(w, "tenant lookup failed", http.StatusServiceUnavailable)
					return
				}
				cache.put(scope)
			}

			next.ServeHTTP(w, r.WithContext(tenant.WithScope(r.Context(), scope)))
		})
	}
}

type scopeCache struct {
	ttl   time.Duration
	mu    sync.Mutex
	items map[uuid.UUID]cacheItem
}

type cacheItem struct {
	scope     tenant.Scope
	expiresAt time.Time
}

func newScopeCache(ttl time.Duration) *scopeCache {
	return &scopeCache{ttl: ttl, items: make(map[uuid.UUID]cacheItem)}
}

func (c *scopeCache) get(id uuid.UUID) (tenant.Scope, bool) {
	if c == nil {
		return tenant.Scope{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[id]
	if !ok {
		return tenant.Scope{}, false
	}
	if time.Now().After(item.expiresAt) {
		delete(c.items, id)
		return tenant.Scope{}, false
	}
	return item.scope, true
}

func (c *scopeCache) put(scope tenant.Scope) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[scope.TenantID] = cacheItem{scope: scope, expiresAt: time.Now().Add(c.ttl)}
}
