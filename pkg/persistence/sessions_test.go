package persistence

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := Open(MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func TestUpsertGetList(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, reg.UpsertSession(ctx, SessionRecord{
		SessionID: "a", Task: "add caching", Phase: "plan.analyze_code", Status: StatusRunning,
		CreatedAt: created, UpdatedAt: created,
	}))
	require.NoError(t, reg.UpsertSession(ctx, SessionRecord{
		SessionID: "b", Task: "fix login", CreatedAt: created.Add(time.Minute),
	}))

	later := created.Add(time.Hour)
	require.NoError(t, reg.UpsertSession(ctx, SessionRecord{
		SessionID: "a", Phase: "done", Status: StatusCompleted, UpdatedAt: later,
	}))

	got, err := reg.GetSession(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "add caching", got.Task, "empty task keeps the stored one")
	assert.Equal(t, "done", got.Phase)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.True(t, got.CreatedAt.Equal(created))
	assert.True(t, got.UpdatedAt.Equal(later))

	b, err := reg.GetSession(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, b.Status)
	assert.Equal(t, "idle", b.Phase)

	list, err := reg.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].SessionID)
	assert.Equal(t, "b", list[1].SessionID)

	_, err = reg.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMarkInterruptedSessions(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.UpsertSession(ctx, SessionRecord{SessionID: "r1", Status: StatusRunning}))
	require.NoError(t, reg.UpsertSession(ctx, SessionRecord{SessionID: "r2", Status: StatusRunning}))
	require.NoError(t, reg.UpsertSession(ctx, SessionRecord{SessionID: "done", Status: StatusCompleted}))

	n, err := reg.MarkInterruptedSessions(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	r1, err := reg.GetSession(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusInterrupted, r1.Status)
	done, err := reg.GetSession(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)

	n, err = reg.MarkInterruptedSessions(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeleteSession(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.UpsertSession(ctx, SessionRecord{SessionID: "gone", Task: "t"}))

	require.NoError(t, reg.DeleteSession(ctx, "gone"))
	assert.ErrorIs(t, reg.DeleteSession(ctx, "gone"), ErrSessionNotFound)
	_, err := reg.GetSession(ctx, "gone")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMigrationFromVersionOne(t *testing.T) {
	db, err := sql.Open("sqlite", MemoryPath)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	_, err = GetSchemaVersion(db)
	require.NoError(t, err)
	require.NoError(t, migrateTo(db, 0, 1))
	_, err = db.Exec(`INSERT INTO sessions (session_id, task, created_at, updated_at) VALUES ('old', 'legacy', ?, ?)`,
		"2026-01-01T00:00:00Z", "2026-01-01T00:00:00Z")
	require.NoError(t, err)

	require.NoError(t, migrate(db))
	version, err := GetSchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)

	reg := &Registry{db: db}
	rec, err := reg.GetSession(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, "legacy", rec.Task)
	assert.Empty(t, rec.Reason)
}

func TestOpenFileDatabaseReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sessions.db")
	ctx := context.Background()

	reg, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, reg.UpsertSession(ctx, SessionRecord{SessionID: "persisted", Task: "keep me", Status: StatusStopped, Reason: "cancelled"}))
	require.NoError(t, reg.Close())

	reg, err = Open(path)
	require.NoError(t, err)
	defer reg.Close()
	rec, err := reg.GetSession(ctx, "persisted")
	require.NoError(t, err)
	assert.Equal(t, "keep me", rec.Task)
	assert.Equal(t, "cancelled", rec.Reason)
}

func TestMigrateRefusesNewerSchema(t *testing.T) {
	db, err := sql.Open("sqlite", MemoryPath)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	require.NoError(t, migrate(db))
	_, err = db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, CurrentSchemaVersion+1)
	require.NoError(t, err)

	err = migrate(db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}
