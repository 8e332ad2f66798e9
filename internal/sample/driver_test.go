package sample

import (
	"errors"
	"fmt"
	"image/color"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	mlflow "github.com/trackbench/mlflow-go"
)

// fakeRun records the calls made to it, in order.
type fakeRun struct {
	id     string
	calls  []string
	params map[string]string
	ended  bool
	failed bool
}

func (r *fakeRun) record(call string) { r.calls = append(r.calls, call) }

func (r *fakeRun) SetName(name string) error {
	r.record("SetName")
	return nil
}

func (r *fakeRun) Name() string { return r.id }

func (r *fakeRun) SetTag(key, value string) error {
	r.record("SetTag " + key)
	return nil
}

func (r *fakeRun) SetTags(tags []mlflow.Tag) error {
	r.record("SetTags")
	return nil
}

func (r *fakeRun) GetTag(key string) (string, error) { return "", errors.New("no tags") }
func (r *fakeRun) UIURL() string { return "" }
func (r *fakeRun) ID() string { return r.id }
func (r *fakeRun) ExperimentID() string { return "0" }
func (r *fakeRun) ListArtifacts(string) ([]mlflow.FileInfo, error) { return nil, nil }

func (r *fakeRun) LogArtifact(localPath, artifactPath string) error {
	r.record("LogArtifact " + filepath.Base(localPath))
	return nil
}

func (r *fakeRun) LogMetric(key string, val float64, step int64) error {
	r.record("LogMetric " + key)
	return nil
}

func (r *fakeRun) LogMetrics(metrics []mlflow.Metric, step int64) error {
	r.record(fmt.Sprintf("LogMetrics %d", len(metrics)))
	return nil
}

func (r *fakeRun) LogParam(key, value string) error {
	r.record("LogParam " + key)
	r.params[key] = value
	return nil
}

func (r *fakeRun) LogParams(params []mlflow.Param) error {
	r.record(fmt.Sprintf("LogParams %d", len(params)))
	for _, p := range params {
		r.params[p.Key] = p.Val
	}
	return nil
}

func (r *fakeRun) GetParam(key string) (string, error) { return r.params[key], nil }

func (r *fakeRun) End() error {
	r.record("End")
	r.ended = true
	return nil
}

func (r *fakeRun) Fail() error {
	r.record("Fail")
	r.failed = true
	return nil
}

type fakeExperiment struct {
	runs []*fakeRun
}

func (e *fakeExperiment) CreateRun(name string) (mlflow.Run, error) {
	run := &fakeRun{id: fmt.Sprintf("run%d", len(e.runs)), params: make(map[string]string)}
	e.runs = append(e.runs, run)
	return run, nil
}

func (e *fakeExperiment) GetRun(id string) (mlflow.Run, error) { return nil, errors.New("not found") }
func (e *fakeExperiment) ID() string { return "0" }

type fakeFetcher struct {
	body    []byte
	fetched []string
	failAt  int
}

func (f *fakeFetcher) Fetch(url string) ([]byte, error) {
	f.fetched = append(f.fetched, url)
	if f.failAt > 0 && len(f.fetched) == f.failAt {
		return nil, errors.New("connection reset")
	}
	return f.body, nil
}

func smallConfig(t *testing.T) *Config {
	cfg := DefaultConfig()
	cfg.NumRuns = 3
	cfg.NumParams = 4
	cfg.NumMetrics = 2
	seed := int64(1)
	cfg.Seed = &seed
	cfg.ImageDir = t.TempDir()
	return cfg
}

func TestDriverLogsEachRunInOrder(t *testing.T) {
	var out strings.Builder
	exp := &fakeExperiment{}
	fetcher := &fakeFetcher{body: pngBytes(t, color.White)}
	d := &Driver{Experiment: exp, Fetcher: fetcher, Config: smallConfig(t), Logger: log.New(&out, "", 0)}
	require.NoError(t, d.Run())

	require.Len(t, exp.runs, 3)
	want := []string{
		"LogParams 4",
		"LogParams 6",
		"LogParam nested_params",
		"LogArtifact mlflow_logo.png",
		"LogArtifact learn-core-components.png",
		"LogArtifact model-dev-lifecycle.png",
		"LogArtifact model-topics.png",
		"LogMetric metric_0",
		"LogMetric metric_1",
		"End",
	}
	for _, run := range exp.runs {
		assert.Equal(t, want, run.calls)
		assert.Equal(t, "relu", run.params["model_layer1_activation"])
		assert.Equal(t, "0.001", run.params["optimizer_learning_rate"])
	}
	assert.Len(t, fetcher.fetched, 12)
	assert.Equal(t, "Run 1/3 logged successfully!\nRun 2/3 logged successfully!\nRun 3/3 logged successfully!\nAll runs logged.\n", out.String())
}

func TestDriverRegeneratesDataPerRun(t *testing.T) {
	exp := &fakeExperiment{}
	d := &Driver{Experiment: exp, Fetcher: &fakeFetcher{body: pngBytes(t, color.White)}, Config: smallConfig(t)}
	require.NoError(t, d.Run())
	assert.NotEqual(t, exp.runs[0].params["param_0"], exp.runs[1].params["param_0"])
}

func TestDriverStopsOnFirstError(t *testing.T) {
	exp := &fakeExperiment{}
	// The sixth fetch is the second image of the second run.
	fetcher := &fakeFetcher{body: pngBytes(t, color.White), failAt: 6}
	d := &Driver{Experiment: exp, Fetcher: fetcher, Config: smallConfig(t)}
	err := d.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run 2/3")
	assert.Contains(t, err.Error(), "connection reset")

	require.Len(t, exp.runs, 2)
	assert.True(t, exp.runs[0].ended)
	assert.True(t, exp.runs[1].failed)
	assert.NotContains(t, exp.runs[1].calls, "LogMetric metric_0")
}

func TestDriverRejectsUndecodableImage(t *testing.T) {
	exp := &fakeExperiment{}
	d := &Driver{Experiment: exp, Fetcher: &fakeFetcher{body: []byte("not an image")}, Config: smallConfig(t)}
	assert.Error(t, d.Run())
	require.Len(t, exp.runs, 1)
	assert.True(t, exp.runs[0].failed)
}

func TestDriverZeroRuns(t *testing.T) {
	exp := &fakeExperiment{}
	cfg := smallConfig(t)
	cfg.NumRuns = 0
	d := &Driver{Experiment: exp, Fetcher: &fakeFetcher{}, Config: cfg}
	require.NoError(t, d.Run())
	assert.Empty(t, exp.runs)
}

func TestDriverWithFileStore(t *testing.T) {
	body := pngBytes(t, color.Black)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer server.Close()

	cfg := smallConfig(t)
	cfg.NumRuns = 2
	cfg.PrimaryImage = ImageSource{URL: server.URL + "/logo/MLflow-logo.png", Path: "mlflow_logo.png"}
	cfg.Images = []ImageSource{{URL: server.URL + "/img/one.png"}, {URL: server.URL + "/img/two.jpg"}}

	store, err := mlflow.NewFileStore(t.TempDir())
	require.NoError(t, err)
	exp, err := store.GetOrCreateExperimentWithName(cfg.Experiment)
	require.NoError(t, err)

	d := &Driver{Experiment: exp, Fetcher: &HTTPFetcher{}, Config: cfg}
	require.NoError(t, d.Run())

	runs, _, err := store.SearchRuns([]string{exp.ID()}, "", nil, "")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, run := range runs {
		v, err := run.GetParam("model_layer2_neurons")
		require.NoError(t, err)
		assert.Equal(t, "64", v)
		_, err = run.GetParam("nested_params")
		require.NoError(t, err)
		_, err = run.GetParam("param_3")
		require.NoError(t, err)

		infos, err := run.ListArtifacts("")
		require.NoError(t, err)
		names := make([]string, len(infos))
		for i, info := range infos {
			names[i] = info.Path
		}
		assert.Equal(t, []string{"mlflow_logo.png", "one.png", "two.jpg"}, names)
	}
}
