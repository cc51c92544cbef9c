package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/assay/internal/ir"
	"github.com/roach88/assay/internal/store"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	store    *store.Store
	srv      *httptest.Server
	compound ir.Compound
	task     ir.Task
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := t.Context()
	_, err = st.WriteRecords(ctx, []ir.Record{{ID: "r1", EntityID: "E", Timestamp: t0, Payload: ir.Object{}}})
	require.NoError(t, err)

	policy := ir.Policy{Name: "A", Params: ir.Object{}}
	c := ir.Compound{
		ID:        ir.MustCompoundID("E", policy, []string{"r1"}),
		EntityID:  "E",
		Policy:    "A",
		MemberIDs: []string{"r1"},
		CreatedAt: t0,
	}
	_, err = st.InsertCompound(ctx, c)
	require.NoError(t, err)

	task := ir.Task{
		Key:       ir.TaskKey{EntityID: "E", Unit: "count", CompoundID: c.ID, ConfigID: "count-v1"},
		State:     ir.StateToRun,
		MaxTrials: 3,
		CreatedAt: t0,
		UpdatedAt: t0,
	}
	_, err = st.EnsureTask(ctx, task)
	require.NoError(t, err)

	_, err = st.AppendJournal(ctx,
		ir.JournalEntry{RunID: "run-1", Scope: ir.ScopeEntity, EntityID: "E", Tag: "result", Payload: ir.Object{"n": ir.Int(1)}, CreatedAt: t0},
		ir.JournalEntry{RunID: "run-1", Scope: ir.ScopeRun, Tag: "summary", Payload: ir.Object{}, CreatedAt: t0},
	)
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(st, slog.New(slog.NewTextHandler(io.Discard, nil))).Handler())
	t.Cleanup(srv.Close)
	return &fixture{store: st, srv: srv, compound: c, task: task}
}

func (f *fixture) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	var body map[string]string
	assert.Equal(t, http.StatusOK, f.get(t, "/health", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestCompounds(t *testing.T) {
	f := newFixture(t)

	var c ir.Compound
	require.Equal(t, http.StatusOK, f.get(t, "/compounds/"+f.compound.ID, &c))
	assert.Equal(t, f.compound.ID, c.ID)
	assert.Equal(t, []string{"r1"}, c.MemberIDs)

	var list struct{ Compounds []ir.Compound }
	require.Equal(t, http.StatusOK, f.get(t, "/entities/E/compounds", &list))
	assert.Len(t, list.Compounds, 1)

	var entities struct{ Entities []string }
	require.Equal(t, http.StatusOK, f.get(t, "/entities", &entities))
	assert.Equal(t, []string{"E"}, entities.Entities)

	var errBody struct {
		Error struct{ Message string }
	}
	assert.Equal(t, http.StatusNotFound, f.get(t, "/compounds/nope", &errBody))
	assert.Equal(t, "compound not found", errBody.Error.Message)
}

func TestTasks(t *testing.T) {
	f := newFixture(t)

	var list struct {
		Tasks []struct {
			ID    string       `json:"id"`
			Key   ir.TaskKey   `json:"key"`
			State ir.TaskState `json:"state"`
		}
	}
	require.Equal(t, http.StatusOK, f.get(t, "/tasks?entity=E&state=TO_RUN", &list))
	require.Len(t, list.Tasks, 1)
	assert.Equal(t, f.task.ID(), list.Tasks[0].ID)
	assert.Equal(t, ir.StateToRun, list.Tasks[0].State)

	require.Equal(t, http.StatusOK, f.get(t, "/tasks?state=COMPLETED", &list))
	assert.Empty(t, list.Tasks)

	var one struct {
		ID  string     `json:"id"`
		Key ir.TaskKey `json:"key"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/tasks/"+f.task.ID(), &one))
	assert.Equal(t, f.task.Key, one.Key)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/tasks/missing", nil))
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/tasks?state=BOGUS", nil))
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/tasks?limit=0", nil))

	var counts struct{ Counts map[ir.TaskState]int }
	require.Equal(t, http.StatusOK, f.get(t, "/tasks/counts", &counts))
	assert.Equal(t, 1, counts.Counts[ir.StateToRun])
}

func TestJournal(t *testing.T) {
	f := newFixture(t)

	var body struct{ Entries []ir.JournalEntry }
	require.Equal(t, http.StatusOK, f.get(t, "/journal?run=run-1", &body))
	require.Len(t, body.Entries, 2)

	require.Equal(t, http.StatusOK, f.get(t, "/journal?scope=run", &body))
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "summary", body.Entries[0].Tag)

	require.Equal(t, http.StatusOK, f.get(t, "/journal?after=1", &body))
	require.Len(t, body.Entries, 1)
	assert.Equal(t, int64(2), body.Entries[0].Seq)

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/journal?scope=planet", nil))
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/journal?after=x", nil))
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b "))
}
