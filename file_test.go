package mlflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreExperiments(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	expsByName, err := fs.ExperimentsByName()
	require.NoError(t, err)
	assert.Equal(t, 1, len(expsByName), "expected only the default experiment")
	assert.Contains(t, expsByName, defaultName)

	require.NoError(t, os.RemoveAll(fs.rootDir))
	expsByName, err = fs.ExperimentsByName()
	assert.NoError(t, err)
	assert.Equal(t, 0, len(expsByName))

	for i := 0; i < 2; i++ {
		name := fmt.Sprintf("test%d", i)
		exp, err := fs.GetOrCreateExperimentWithName(name)
		require.NoError(t, err)
		expsByName, err = fs.ExperimentsByName()
		require.NoError(t, err)
		assert.Equal(t, i+1, len(expsByName))
		assert.Equal(t, exp.ID(), expsByName[name].ID())

		again, err := fs.GetOrCreateExperimentWithName(name)
		require.NoError(t, err)
		assert.Equal(t, exp.ID(), again.ID())
	}

	_, err = fs.CreateExperiment("test0")
	assert.ErrorIs(t, err, ErrInvalidParameter)

	_, err = fs.GetExperiment("404")
	assert.Error(t, err)
}

func newTestFileRun(t *testing.T) (*FileStore, Experiment, Run) {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	exp, err := fs.GetOrCreateExperimentWithName("exp0")
	require.NoError(t, err)
	run, err := exp.CreateRun("run0")
	require.NoError(t, err)
	return fs, exp, run
}

func TestRun(t *testing.T) {
	_, exp, created := newTestFileRun(t)

	_, err := exp.GetRun("run0")
	require.Error(t, err)

	got, err := exp.GetRun(created.ID())
	require.NoError(t, err)
	assert.Equal(t, created.ID(), got.ID())
	assert.Equal(t, "run0", got.Name())
	assert.Equal(t, exp.ID(), got.ExperimentID())

	assert.NoError(t, got.SetName("new name"))

	const tagKey = "tag0"
	const tagVal = "val0"
	require.NoError(t, created.SetTag(tagKey, tagVal))
	gotTag, err := created.GetTag(tagKey)
	require.NoError(t, err)
	assert.Equal(t, tagVal, gotTag)

	_, err = created.GetTag(UserTagKey)
	assert.NoError(t, err)

	assert.NoError(t, created.End())
	assert.ErrorIs(t, created.LogMetric("m", 1, 0), ErrRunNotActive)
	assert.ErrorIs(t, created.LogParam("p", "v"), ErrRunNotActive)

	reloaded, err := exp.GetRun(created.ID())
	require.NoError(t, err)
	assert.Equal(t, runStatusFinished, reloaded.(*fileRun).Status)
}

func TestFileRunParams(t *testing.T) {
	_, _, run := newTestFileRun(t)

	require.NoError(t, run.LogParams([]Param{{"lr", "0.1"}, {"nested/key", "x"}}))
	got, err := run.GetParam("nested/key")
	require.NoError(t, err)
	assert.Equal(t, "x", got)

	// Same value again is fine, a new value is not.
	assert.NoError(t, run.LogParam("lr", "0.1"))
	assert.ErrorIs(t, run.LogParam("lr", "0.2"), ErrParamChanged)

	assert.ErrorIs(t, run.LogParam("", "v"), ErrInvalidParameter)
	assert.ErrorIs(t, run.LogParam("../escape", "v"), ErrInvalidParameter)
	assert.ErrorIs(t, run.LogParam("big", strings.Repeat("x", maxParamValueLength+1)), ErrInvalidParameter)

	_, err = run.GetParam("missing")
	assert.Error(t, err)
}

func TestFileRunMetrics(t *testing.T) {
	_, _, run := newTestFileRun(t)
	require.NoError(t, run.LogMetric("loss", 0.5, 0))
	require.NoError(t, run.LogMetrics([]Metric{{"loss", 0.25}, {"acc", 90}}, 1))

	data, err := os.ReadFile(filepath.Join(run.(*fileRun).rootDir, metricsFolderName, "loss"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(lines[0], " 0.5 0"), lines[0])
	assert.True(t, strings.HasSuffix(lines[1], " 0.25 1"), lines[1])
}

func TestFileRunArtifacts(t *testing.T) {
	_, _, run := newTestFileRun(t)
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(src, "subdir"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "subdir", "b.txt"), []byte("hi"), 0644))

	require.NoError(t, run.LogArtifact(filepath.Join(src, "a.txt"), ""))
	require.NoError(t, run.LogArtifact(filepath.Join(src, "a.txt"), "copies"))
	require.NoError(t, run.LogArtifact(filepath.Join(src, "subdir"), ""))
	// Logging the same file again replaces it.
	require.NoError(t, run.LogArtifact(filepath.Join(src, "a.txt"), ""))

	root, err := run.ListArtifacts("")
	require.NoError(t, err)
	assert.Equal(t, []FileInfo{
		{Path: "a.txt", FileSize: 5},
		{Path: "copies", IsDir: true},
		{Path: "subdir", IsDir: true},
	}, root)

	sub, err := run.ListArtifacts("subdir")
	require.NoError(t, err)
	assert.Equal(t, []FileInfo{{Path: "subdir/b.txt", FileSize: 2}}, sub)

	missing, err := run.ListArtifacts("nope")
	require.NoError(t, err)
	assert.Empty(t, missing)

	file, err := run.ListArtifacts("a.txt")
	require.NoError(t, err)
	assert.Empty(t, file)
}

func TestFileStoreSearchRuns(t *testing.T) {
	fs, exp, run := newTestFileRun(t)
	other, err := exp.CreateRun("other")
	require.NoError(t, err)
	require.NoError(t, run.SetTag("team", "a"))
	require.NoError(t, other.SetTag("team", "b"))

	all, _, err := fs.SearchRuns([]string{exp.ID()}, "", nil, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	filtered, _, err := fs.SearchRuns([]string{exp.ID()}, "tags.team = 'b'", nil, "")
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, other.ID(), filtered[0].ID())

	_, _, err = fs.SearchRuns([]string{exp.ID()}, "params.x > 1", nil, "")
	assert.ErrorIs(t, err, ErrUnsupported)
}
