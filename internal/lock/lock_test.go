package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemory_TryLock(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	lease, ok, err := m.TryLock(ctx, "a", 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, m.Held("a"))

	_, ok, err = m.TryLock(ctx, "a", 0)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = m.TryLock(ctx, "a", 250*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok, "bounded wait gives up")

	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx), "release is idempotent")
	require.False(t, m.Held("a"))

	_, ok, err = m.TryLock(ctx, "a", 0)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemory_WaitsForRelease(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	lease, ok, err := m.TryLock(ctx, "b", 0)
	require.NoError(t, err)
	require.True(t, ok)

	time.AfterFunc(150*time.Millisecond, func() { _ = lease.Release(ctx) })

	_, ok, err = m.TryLock(ctx, "b", 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestWithLock(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ran, err := WithLock(ctx, m, NameWorkCleanup, 0, func(context.Context) error {
		require.True(t, m.Held(NameWorkCleanup))
		return errors.New("boom")
	})
	require.True(t, ran)
	require.EqualError(t, err, "boom")
	require.False(t, m.Held(NameWorkCleanup))

	lease, _, _ := m.TryLock(ctx, NameWorkCleanup, 0)
	ran, err = WithLock(ctx, m, NameWorkCleanup, 0, func(context.Context) error {
		t.Fatal("must not run")
		return nil
	})
	require.False(t, ran)
	require.NoError(t, err)
	_ = lease.Release(ctx)
}

func TestRowName(t *testing.T) {
	require.Equal(t, "nics:42", RowName("nics", 42))

	ctx := context.Background()
	m := NewMemory()
	_, ok, err := TryLockRow(ctx, m, "nics", 42, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, m.Held("nics:42"))
}
