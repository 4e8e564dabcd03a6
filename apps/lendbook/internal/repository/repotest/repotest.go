// Package repotest opens throwaway SQLite stores for tests.
package repotest

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"lendbook/apps/lendbook/internal/repository"
)

// NewStore returns a migrated in-memory store closed at test cleanup.
func NewStore(t testing.TB) *repository.Store {
	t.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	store, err := repository.Open("sqlite", dsn, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, repository.InitMigration(context.Background(), store, 0))
	return store
}
