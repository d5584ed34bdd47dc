package persistence

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Config selects and configures the persistence backend.
type Config struct {
	// URL of the remote backend; only postgres:// and postgresql:// URLs with a host qualify.
	URL string
	// AccessKey authenticates against the remote backend. Empty selects the fallback.
	AccessKey      string
	MaxConns       int32
	ConnectTimeout time.Duration
}

var errRemoteNotConfigured = errors.New("remote backend not configured")

// RemoteConnString validates the remote settings and returns the connection string carrying the access key.
func (c Config) RemoteConnString() (string, error) {
	raw := strings.TrimSpace(c.URL)
	key := strings.TrimSpace(c.AccessKey)
	if raw == "" || key == "" {
		return "", errRemoteNotConfigured
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errRemoteNotConfigured, err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", fmt.Errorf("%w: unsupported scheme %q", errRemoteNotConfigured, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", errRemoteNotConfigured)
	}

	username := "postgres"
	if u.User != nil && u.User.Username() != "" {
		username = u.User.Username()
	}
	u.User = url.UserPassword(username, key)

	return u.String(), nil
}

// Open returns the remote backend when it is configured and reachable, otherwise the in-process fallback.
// The choice is logged and never changes for the lifetime of the process.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	connString, err := cfg.RemoteConnString()
	if err == nil {
		backend, openErr := openPostgres(ctx, cfg, connString)
		if openErr == nil {
			logger.Info("persistence backend selected", zap.String("backend", backend.Name()))
			return backend, nil
		}
		err = openErr
	}

	logger.Warn("remote persistence unavailable, using in-memory fallback; data will not survive a restart",
		zap.Error(err))

	memory, memErr := NewMemoryBackend()
	if memErr != nil {
		return nil, memErr
	}
	return memory, nil
}

// OpenRemote connects to the remote backend only. Tools that must not write to a throwaway in-memory store
// use it instead of Open.
func OpenRemote(ctx context.Context, cfg Config) (*PostgresBackend, error) {
	connString, err := cfg.RemoteConnString()
	if err != nil {
		return nil, err
	}
	return openPostgres(ctx, cfg, connString)
}

func openPostgres(ctx context.Context, cfg Config, connString string) (*PostgresBackend, error) {
	pool, err := NewPool(ctx, PoolConfig{
		ConnString:     connString,
		MaxConns:       cfg.MaxConns,
		ConnectTimeout: cfg.ConnectTimeout,
	})
	if err != nil {
		return nil, err
	}

	backend, err := NewPostgresBackend(ctx, pool)
	if err != nil {
		ClosePool(pool)
		return nil, err
	}
	return backend, nil
}
