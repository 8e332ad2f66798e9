package mlflow

import (
	"bytes"
	"log"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewSQLStore(filepath.Join(t.TempDir(), "mlflow.db"), "", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLStoreExperiments(t *testing.T) {
	store := newTestSQLStore(t)

	version, err := store.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)

	exps, err := store.ExperimentsByName()
	require.NoError(t, err)
	require.Len(t, exps, 1)
	assert.Equal(t, defaultExperimentID, exps[defaultName].ID())

	exp, err := store.GetOrCreateExperimentWithName("Test Experiment")
	require.NoError(t, err)
	assert.Equal(t, "1", exp.ID())
	again, err := store.GetOrCreateExperimentWithName("Test Experiment")
	require.NoError(t, err)
	assert.Equal(t, exp.ID(), again.ID())

	_, err = store.CreateExperiment("Test Experiment")
	assert.Error(t, err)
	_, err = store.CreateExperiment("")
	assert.ErrorIs(t, err, ErrInvalidParameter)

	byID, err := store.GetExperiment("1")
	require.NoError(t, err)
	assert.Equal(t, "1", byID.ID())
	_, err = store.GetExperiment("42")
	assert.Error(t, err)
}

func TestSQLStoreMigrationLogging(t *testing.T) {
	var buf bytes.Buffer
	store, err := NewSQLStore(filepath.Join(t.TempDir(), "logged.db"), "", log.New(&buf, "", 0))
	require.NoError(t, err)
	require.NoError(t, store.Close())
	assert.Contains(t, buf.String(), "[migrate] ")
}

func TestSQLStoreReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "mlflow.db")
	store, err := NewSQLStore(dbPath, "", nil)
	require.NoError(t, err)
	exp, err := store.GetOrCreateExperimentWithName("persisted")
	require.NoError(t, err)
	run, err := exp.CreateRun("r")
	require.NoError(t, err)
	require.NoError(t, run.LogParam("p", "1"))
	require.NoError(t, store.Close())

	store, err = NewSQLStore(dbPath, "", nil)
	require.NoError(t, err)
	defer store.Close()
	exp, err = store.GetOrCreateExperimentWithName("persisted")
	require.NoError(t, err)
	got, err := exp.GetRun(run.ID())
	require.NoError(t, err)
	assert.Equal(t, "r", got.Name())
	val, err := got.GetParam("p")
	require.NoError(t, err)
	assert.Equal(t, "1", val)
}

func TestSQLRun(t *testing.T) {
	store := newTestSQLStore(t)
	exp, err := store.GetOrCreateExperimentWithName("exp0")
	require.NoError(t, err)
	run, err := exp.CreateRun("")
	require.NoError(t, err)
	assert.Len(t, run.Name(), 8)

	require.NoError(t, run.SetName("renamed"))
	require.NoError(t, run.SetTags([]Tag{{"team", "a"}, {"team", "b"}}))
	tag, err := run.GetTag("team")
	require.NoError(t, err)
	assert.Equal(t, "b", tag)
	_, err = run.GetTag("missing")
	assert.Error(t, err)

	require.NoError(t, run.LogParams([]Param{{"lr", "0.1"}, {"opt", "adam"}}))
	require.NoError(t, run.LogParam("lr", "0.1"))
	assert.ErrorIs(t, run.LogParam("lr", "0.2"), ErrParamChanged)
	assert.ErrorIs(t, run.LogParam("bad key!", "x"), ErrInvalidParameter)

	require.NoError(t, run.LogMetric("loss", 0.5, 0))
	require.NoError(t, run.LogMetrics([]Metric{{"loss", 0.4}, {"acc", 91}}, 1))
	var count int
	require.NoError(t, store.db.QueryRow("SELECT COUNT(*) FROM metrics WHERE run_uuid = ? AND key = 'loss'", run.ID()).Scan(&count))
	assert.Equal(t, 2, count)

	require.NoError(t, run.LogMetrics([]Metric{{"odd", math.NaN()}, {"odd", math.Inf(1)}, {"odd", math.Inf(-1)}}, 2))
	rows, err := store.db.Query("SELECT value, is_nan FROM metrics WHERE run_uuid = ? AND key = 'odd' ORDER BY rowid", run.ID())
	require.NoError(t, err)
	var stored []float64
	for rows.Next() {
		var value float64
		var isNaN bool
		require.NoError(t, rows.Scan(&value, &isNaN))
		if isNaN {
			value = math.NaN()
		}
		stored = append(stored, value)
	}
	require.NoError(t, rows.Err())
	require.NoError(t, rows.Close())
	require.Len(t, stored, 3)
	assert.True(t, math.IsNaN(stored[0]))
	assert.True(t, math.IsInf(stored[1], 1))
	assert.True(t, math.IsInf(stored[2], -1))

	src := filepath.Join(t.TempDir(), "image.png")
	require.NoError(t, os.WriteFile(src, []byte("png"), 0644))
	require.NoError(t, run.LogArtifact(src, ""))
	infos, err := run.ListArtifacts("")
	require.NoError(t, err)
	assert.Equal(t, []FileInfo{{Path: "image.png", FileSize: 3}}, infos)
	_, err = os.Stat(filepath.Join(filepath.Dir(store.dbPath), "mlruns", exp.ID(), run.ID(), artifactsFolderName, "image.png"))
	assert.NoError(t, err)

	require.NoError(t, run.Fail())
	assert.ErrorIs(t, run.LogMetric("loss", 0.3, 2), ErrRunNotActive)

	got, err := exp.GetRun(run.ID())
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name())
	assert.Equal(t, restStatusFailed, got.(*sqlRun).status)
	assert.True(t, got.(*sqlRun).endTime.Valid)
}

func TestSQLStoreSearchRuns(t *testing.T) {
	store := newTestSQLStore(t)
	exp, err := store.GetOrCreateExperimentWithName("search")
	require.NoError(t, err)
	a, err := exp.CreateRun("a")
	require.NoError(t, err)
	b, err := exp.CreateRun("b")
	require.NoError(t, err)
	require.NoError(t, a.SetTag("kind", "x"))
	require.NoError(t, b.SetTag("kind", "y"))

	runs, _, err := store.SearchRuns([]string{exp.ID()}, "", nil, "")
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, _, err = store.SearchRuns([]string{exp.ID()}, "tags.kind = 'y'", nil, "")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, b.ID(), runs[0].ID())

	_, _, err = store.SearchRuns([]string{""}, "", nil, "")
	assert.Error(t, err)
}

func TestSQLitePathFromURI(t *testing.T) {
	p, err := sqlitePathFromURI("sqlite:///mlflow.db")
	require.NoError(t, err)
	assert.Equal(t, "mlflow.db", p)

	p, err = sqlitePathFromURI("sqlite:////tmp/mlflow.db?mode=rwc")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/mlflow.db", p)

	_, err = sqlitePathFromURI("sqlite://host/mlflow.db")
	assert.ErrorIs(t, err, ErrInvalidParameter)
	_, err = sqlitePathFromURI("sqlite:///")
	assert.ErrorIs(t, err, ErrInvalidParameter)
}
