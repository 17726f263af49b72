package store_test

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/specjour/specjour/internal/store"
)

func initDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.InitDB(t.Context(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func TestStore(t *testing.T) {
	t.Parallel()
	db := initDB(t)
	ctx := t.Context()

	ok := store.Run{UUID: uuid.NewString(), Project: "/proj", Task: "run_tests", Workers: 4, Tests: 12}
	bad := store.Run{UUID: uuid.NewString(), Project: "/proj", Task: "run_specs", Workers: 2, Tests: 3}

	t.Run("start", func(t *testing.T) {
		require.NoError(t, store.Start(ctx, db, ok))
		// a run in progress can be started again
		require.NoError(t, store.Start(ctx, db, ok))
		require.NoError(t, store.Start(ctx, db, bad))

		row, err := store.Get(ctx, db, ok.UUID)
		require.NoError(t, err)
		require.Equal(t, ok, row.Run)
		require.True(t, row.InProgress)
		require.Nil(t, row.Success)
		require.Nil(t, row.Stopped)
		require.NotZero(t, row.Started)
		require.Contains(t, row.String(), "in progress")
	})

	t.Run("finish", func(t *testing.T) {
		require.NoError(t, store.FinishOK(ctx, db, ok.UUID))
		require.NoError(t, store.FinishErr(ctx, db, bad.UUID, "2 failures"))

		row, err := store.Get(ctx, db, ok.UUID)
		require.NoError(t, err)
		require.False(t, row.InProgress)
		require.NotNil(t, row.Success)
		require.True(t, *row.Success)
		require.NotNil(t, row.Stopped)
		require.Contains(t, row.String(), " ok")

		row, err = store.Get(ctx, db, bad.UUID)
		require.NoError(t, err)
		require.NotNil(t, row.Success)
		require.False(t, *row.Success)
		require.NotNil(t, row.FailureReason)
		require.Equal(t, "2 failures", *row.FailureReason)
		require.Contains(t, row.String(), "failed: 2 failures")
	})

	t.Run("errors", func(t *testing.T) {
		require.ErrorIs(t, store.Start(ctx, db, ok), store.ErrAlreadyFinished)
		require.ErrorIs(t, store.FinishOK(ctx, db, ok.UUID), store.ErrAlreadyFinished)
		require.ErrorIs(t, store.FinishErr(ctx, db, "missing", "x"), store.ErrNotFound)
		_, err := store.Get(ctx, db, "missing")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("list", func(t *testing.T) {
		rows, err := store.List(ctx, db, 0)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		require.Equal(t, bad.UUID, rows[0].UUID)
		require.Equal(t, ok.UUID, rows[1].UUID)

		rows, err = store.List(ctx, db, 1)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		require.Equal(t, bad.UUID, rows[0].UUID)
	})
}
