package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) error { return errors.New("broker down") }
func (failingPublisher) Close()                                     {}

func TestConnectWithoutURLIsNoop(t *testing.T) {
	t.Parallel()

	p, err := Connect(Config{}, nil)
	require.NoError(t, err)
	require.IsType(t, Noop{}, p)
	require.NoError(t, p.Publish(context.Background(), SubjectTenantCreated, map[string]string{"id": "x"}))
}

func TestEmitLogsFailures(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	Emit(context.Background(), failingPublisher{}, zap.New(core), SubjectTenantDeleted, nil)

	require.Equal(t, 1, logs.Len())
	require.Equal(t, SubjectTenantDeleted, logs.All()[0].ContextMap()["subject"])

	Emit(context.Background(), nil, zap.New(core), SubjectTenantDeleted, nil)
	require.Equal(t, 1, logs.Len())
}
