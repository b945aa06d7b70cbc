package db

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/streamsync/internal/logger"
)

func TestLockIDStable(t *testing.T) {
	assert.Equal(t, LockID("file-1"), LockID("file-1"))
	assert.NotEqual(t, LockID("file-1"), LockID("file-2"))
}

func TestLockIDIsNamespacedFNV64a(t *testing.T) {
	// FNV-64a("streamsync:file-1") as a signed bigint.
	assert.Equal(t, int64(2469981276694217648), LockID("file-1"))
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), " ")
	assert.Error(t, err)
}

func TestAdvisoryLockerExcludesSecondHolder(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("skip integration test: TEST_POSTGRES_DSN is not set")
	}
	ctx := context.Background()
	pool, err := Open(ctx, dsn)
	if err != nil {
		t.Skipf("skip integration test: %v", err)
	}
	defer pool.Close()

	locker := NewAdvisoryLocker(logger.Discard(), pool)
	unlock, ok, err := locker.TryLock(ctx, "asset-1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryLock(ctx, "asset-1")
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	unlockAgain, ok, err := locker.TryLock(ctx, "asset-1")
	require.NoError(t, err)
	assert.True(t, ok)
	unlockAgain()
}
