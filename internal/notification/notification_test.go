package notification

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"vmconductor.io/conductor/internal/domain"
	"vmconductor.io/conductor/internal/pkg/logger"
	"vmconductor.io/conductor/internal/repository/memory"
)

func TestMain(m *testing.M) {
	_ = logger.Init("error", "json")
	os.Exit(m.Run())
}

type failingAlertStore struct{}

func (failingAlertStore) CreateAlert(context.Context, *domain.Alert) error {
	return errors.New("db down")
}

func (failingAlertStore) ListAlerts(context.Context, int) ([]*domain.Alert, error) {
	return nil, nil
}

func TestStoreSender_Persists(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	s := NewStoreSender(store)

	s.SendAlert(ctx, &domain.Alert{Type: domain.AlertHA, DataCenterID: 1, Subject: "restart failed"})
	s.SendAlert(ctx, &domain.Alert{Type: domain.AlertHA})
	s.SendAlert(ctx, nil)

	alerts, err := store.ListAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.NotEmpty(t, alerts[0].ID)
	require.False(t, alerts[0].CreatedAt.IsZero())
}

func TestStoreSender_WriteFailureIsSwallowed(t *testing.T) {
	require.NotPanics(t, func() {
		NewStoreSender(failingAlertStore{}).SendAlert(context.Background(),
			&domain.Alert{Type: domain.AlertSync, Subject: "x"})
	})
}

func TestTriggers(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	tr := NewTriggers(NewStoreSender(store))
	vm := &domain.VM{ID: 7, InstanceName: "i-7", DataCenterID: 2, State: domain.StateStarting}

	tr.OnMigrationFailed(ctx, vm, 1, 2, errors.New("prepare failed"))
	tr.OnStalledOnUnreachableHost(ctx, vm, &domain.Host{ID: 3, Name: "h3", Status: domain.HostDown}, 0)
	tr.OnExpungeCleanupFailed(ctx, vm, "volume busy")

	alerts, err := store.ListAlerts(ctx, 0)
	require.NoError(t, err)
	require.Len(t, alerts, 3)

	tests := []struct {
		typ     domain.AlertType
		subject string
		body    string
	}{
		{domain.AlertExpunge, "Expunge of vm i-7 failed on hypervisor cleanup", "volume busy"},
		{domain.AlertSync, "VM i-7 stuck in Starting on unreachable host h3", "host 3 status Down, no progress for 0s"},
		{domain.AlertMigration, "Unable to migrate vm i-7 from host 1 to host 2", "prepare failed"},
	}
	for i, tt := range tests {
		require.Equal(t, tt.typ, alerts[i].Type)
		require.Equal(t, tt.subject, alerts[i].Subject)
		require.Equal(t, tt.body, alerts[i].Body)
		require.Equal(t, int64(7), *alerts[i].VMID)
		require.Equal(t, int64(2), alerts[i].DataCenterID)
	}
}
