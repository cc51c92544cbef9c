package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	for _, table := range []string{"records", "compounds", "tasks", "task_dependencies", "journal"} {
		var name string
		err := s.db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		assert.NoError(t, err, "table %s missing", table)
	}

	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, migrations[len(migrations)-1].version, version)
}

func TestOpen_WALMode(t *testing.T) {
	s := createTestStore(t)

	var mode string
	require.NoError(t, s.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestOpen_InMemory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Ping(t.Context()))
	_, err = s.EnsureTask(t.Context(), createTestTask("e1", "u", "c"))
	require.NoError(t, err)

	tasks, err := s.ListTasks(t.Context(), TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestOpen_MigratesDeprecatedStates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")

	// Simulate a store written before state names were settled.
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(schemaSQL)
	require.NoError(t, err)
	for i, state := range []string{"MISSING_INFO", "TOO_MANY_TRIES", "PRIORITY"} {
		_, err = db.Exec(`
			INSERT INTO tasks (id, entity_id, unit, compound_id, config_id, state, max_trials, created_at, updated_at)
			VALUES (?, 'e', 'u', 'c', ?, ?, 3, 0, 0)
		`, state, string(rune('a'+i)), state)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	rows, err := s.db.Query(`SELECT state FROM tasks ORDER BY config_id`)
	require.NoError(t, err)
	var states []string
	for rows.Next() {
		var st string
		require.NoError(t, rows.Scan(&st))
		states = append(states, st)
	}
	require.NoError(t, rows.Close())

	assert.Equal(t, []string{"MISSING_DEPENDENCY", "TOO_MANY_TRIALS", "TO_RUN_PRIORITY"}, states)
}

func TestOpen_SkipsAppliedMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)

	// Written after migration 1; reopening must not rewrite it.
	_, err = s.db.Exec(`
		INSERT INTO tasks (id, entity_id, unit, compound_id, config_id, state, max_trials, created_at, updated_at)
		VALUES ('t', 'e', 'u', 'c', 'x', 'PRIORITY', 3, 0, 0)
	`)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	var state string
	require.NoError(t, s.db.QueryRow(`SELECT state FROM tasks WHERE id = 't'`).Scan(&state))
	assert.Equal(t, "PRIORITY", state)
}

func TestClose_Nil(t *testing.T) {
	var s Store
	assert.NoError(t, s.Close())
}
