package mlflow

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
)

const (
	TrackingURIEnvName    = "MLFLOW_TRACKING_URI"
	ExperimentIDEnvName   = "MLFLOW_EXPERIMENT_ID"
	ExperimentNameEnvName = "MLFLOW_EXPERIMENT_NAME"
	RunIDEnvName          = "MLFLOW_RUN_ID"
	BearerTokenEnvName    = "MLFLOW_TRACKING_TOKEN"

	// https://www.mlflow.org/docs/latest/tracking.html#system-tags
	GitCommitTagKey   = "mlflow.source.git.commit"
	ParentRunIDTagKey = "mlflow.parentRunId"
	UserTagKey        = "mlflow.user"
	SourceNameTagKey  = "mlflow.source.name"
	SourceTypeTagKey  = "mlflow.source.type"

	SourceTypeJob   = "JOB"
	SourceTypeLocal = "LOCAL"

	HostTagKey = "host"

	// https://github.com/mlflow/mlflow/blob/da4fe0f1509ff5062016b2efc05e73876db118c2/mlflow/tracking/default_experiment/__init__.py#L1
	defaultExperimentID = "0"
	// https://github.com/mlflow/mlflow/blob/da4fe0f1509ff5062016b2efc05e73876db118c2/mlflow/entities/experiment.py#L14
	defaultName = "Default"

	// Same default as the Python client: a local mlruns directory.
	defaultTrackingURI = "./mlruns"
	tokenPath          = "mlflow-token.txt"
)

var (
	ErrUnsupported      = errors.New("this operation not supported by this tracking client")
	ErrInvalidParameter = errors.New("invalid parameter value")
	ErrParamChanged     = errors.New("changing param values is not allowed")
	ErrRunNotActive     = errors.New("run is not active")
)

type Tracking interface {
	ExperimentsByName() (map[string]Experiment, error)
	CreateExperiment(name string) (Experiment, error)
	GetOrCreateExperimentWithName(name string) (Experiment, error)
	GetExperiment(id string) (Experiment, error)
	URI() string
	UIURL() string
	// Returns (matching runs, next page token, error)
	SearchRuns(experimentIDs []string, filter string, orderBy []string, pageToken string) ([]Run, string, error)
}

type Experiment interface {
	CreateRun(name string) (Run, error)
	GetRun(runId string) (Run, error)
	ID() string
}

type Metric struct {
	Key string
	Val float64
}

type Param struct {
	Key string
	Val string
}

type Tag struct {
	Key string
	Val string
}

// FileInfo describes one entry under a run's artifact root.
type FileInfo struct {
	Path     string
	IsDir    bool
	FileSize int64
}

type Run interface {
	SetName(name string) error
	Name() string
	SetTag(key, value string) error
	SetTags(tags []Tag) error
	GetTag(key string) (string, error)
	LogArtifact(localPath, artifactPath string) error
	// Lists the direct children of path, relative to the artifact root.
	// An empty path lists the root.
	ListArtifacts(path string) ([]FileInfo, error)
	LogMetric(key string, val float64, step int64) error
	LogMetrics(metrics []Metric, step int64) error
	LogParam(key, value string) error
	LogParams(params []Param) error
	GetParam(key string) (string, error)
	End() error
	Fail() error
	UIURL() string
	ID() string
	ExperimentID() string
}

type ArtifactRepo interface {
	LogArtifact(localPath, artifactPath string) error
	LogArtifacts(localDir, artifactPath string) error
	ListArtifacts(path string) ([]FileInfo, error)
}

// NewTracking picks a store from the scheme of uri.
// An empty uri falls back to MLFLOW_TRACKING_URI, then to ./mlruns.
func NewTracking(uri, bearerToken string, l *log.Logger) (Tracking, error) {
	if uri == "" {
		uri = os.Getenv(TrackingURIEnvName)
	}
	if uri == "" {
		uri = defaultTrackingURI
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	switch parsed.Scheme {
	case "file", "":
		if bearerToken != "" && l != nil {
			l.Println("Bearer token ignored for local file tracking URI")
		}
		if parsed.Scheme == "" {
			return NewFileStore(uri)
		}
		return NewFileStore(parsed.Path)
	case "sqlite":
		if bearerToken != "" && l != nil {
			l.Println("Bearer token ignored for sqlite tracking URI")
		}
		dbPath, err := sqlitePathFromURI(uri)
		if err != nil {
			return nil, err
		}
		return NewSQLStore(dbPath, "", l)
	case "http", "https":
		if bearerToken == "" {
			bearerToken = getToken(l)
		}
		return NewRESTStore(uri, bearerToken)
	}
	return nil, fmt.Errorf("support for tracking service with URI scheme %s not implemented", parsed.Scheme)
}

var activeRunMtx sync.Mutex
var activeRun Run = nil

func getToken(l *log.Logger) string {
	token := os.Getenv(BearerTokenEnvName)
	if token != "" {
		return token
	}
	var f *os.File
	var err error

	// Check current directory and its ancestors.
	dir := "."
	for {
		dir, err = filepath.Abs(dir)
		if err != nil {
			if l != nil {
				l.Printf("getToken() failed to get absolute path for %q: %v", dir, err)
			}
			return ""
		}
		if f, err = os.Open(filepath.Join(dir, tokenPath)); err == nil {
			break
		}
		f = nil
		parent := filepath.Dir(dir)
		// Hit root of repo or file system.
		if _, err = os.Stat(filepath.Join(dir, ".git")); err == nil || parent == dir {
			break
		}
		dir = parent
	}

	if f == nil {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			f, err = os.Open(filepath.Join(homeDir, tokenPath))
		}
		if err != nil {
			if l != nil {
				l.Printf("getToken() found no %q in CWD, its ancestors, or home dir", tokenPath)
			}
			return ""
		}
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return ""
	}
	return strings.TrimSpace(scanner.Text())
}

// Returns the singleton active run. If it has not been set,
// a new run will be created in the experiment named experimentName.
// If experimentName is not set, falls back to:
// 1. The value of the MLFLOW_EXPERIMENT_ID environment variable.
// 2. The value of the MLFLOW_EXPERIMENT_NAME environment variable.
// 3. The experiment with ID "0".
// This doesn't currently match the semantics of the python client.
// In particular we don't have nested runs and we don't switch to
// a new run if the active run finishes.
func ActiveRunFromEnv(experimentName string, l *log.Logger) (Run, error) {
	return getActiveRun(experimentName, l, os.Getenv)
}

func ActiveRunFromConfig(experimentName string, l *log.Logger, config interface{}) (Run, error) {
	return getActiveRun(experimentName, l, func(key string) string {
		return stringFieldFromStruct(key, config)
	})
}

func getActiveRun(experimentName string, l *log.Logger, getConfig func(string) string) (Run, error) {
	activeRunMtx.Lock()
	defer activeRunMtx.Unlock()
	if activeRun != nil {
		if l != nil && experimentName != "" {
			l.Println("Active run already exists, ignoring experiment name")
		}
		return activeRun, nil
	}
	tracking, err := NewTracking(getConfig(TrackingURIEnvName), getConfig(BearerTokenEnvName), l)
	if err != nil {
		return nil, err
	}
	if experimentName == "" {
		experimentName = getConfig(ExperimentNameEnvName)
	}
	var exp Experiment
	expID := getConfig(ExperimentIDEnvName)
	if expID != "" {
		exp, err = tracking.GetExperiment(expID)
		if experimentName != "" && l != nil {
			l.Printf("Ignoring experiment name %q, using experiment ID %q", experimentName, expID)
		}
	} else if experimentName != "" {
		exp, err = tracking.GetOrCreateExperimentWithName(experimentName)
	} else {
		exp, err = tracking.GetExperiment("")
	}
	if err != nil {
		return nil, err
	}

	var run Run
	if runID := getConfig(RunIDEnvName); runID != "" {
		// In theory we could create the run here, but to match
		// the behavior of the Python client, we just fail.
		if run, err = exp.GetRun(runID); err != nil {
			return nil, err
		}
	} else {
		if run, err = exp.CreateRun(""); err != nil {
			return nil, err
		}
		host, _ := os.Hostname()
		tags := []Tag{{SourceTypeTagKey, SourceTypeLocal}, {HostTagKey, host}}
		// Note: UserTagKey may only be set during CreateRun, hence not set here.
		if err = run.SetTags(tags); err != nil {
			return nil, err
		}
	}
	if l != nil {
		uri := tracking.URI()
		if strings.HasPrefix(uri, "http:") || strings.HasPrefix(uri, "https:") {
			l.Println("To view MLFlow, open", run.UIURL())
		} else {
			l.Println("MLFlow logging locally only. To view, run: mlflow ui --backend-store-uri", uri, "--port 0")
		}
	}
	activeRun = run
	return activeRun, nil
}

func endIfActive(run Run) {
	activeRunMtx.Lock()
	if activeRun == run {
		activeRun = nil
	}
	activeRunMtx.Unlock()
}

func stringFieldFromStruct(key string, config interface{}) string {
	val := reflect.ValueOf(config)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return ""
	}
	field := val.FieldByName(key)
	if field.Kind() != reflect.String {
		return ""
	}
	return field.String()
}

func LogStructAsParams(run Run, obj interface{}) error {
	objVal := reflect.ValueOf(obj)
	if objVal.Kind() == reflect.Ptr {
		objVal = objVal.Elem()
	}
	if objVal.Kind() != reflect.Struct {
		return fmt.Errorf("LogStructAsParams expected struct, got %v", objVal.Kind())
	}
	params := make([]Param, 0)
	for _, field := range reflect.VisibleFields(objVal.Type()) {
		if !field.IsExported() || field.Anonymous {
			continue
		}
		value := objVal.FieldByIndex(field.Index)
		if value.Kind() == reflect.Slice {
			for i := 0; i < value.Len(); i++ {
				params = append(params, Param{
					Key: fmt.Sprintf("%s_%d", field.Name, i), Val: fmt.Sprintf("%v", value.Index(i))})
			}
		} else {
			params = append(params, Param{Key: field.Name, Val: fmt.Sprintf("%v", value)})
		}
	}
	return run.LogParams(params)
}
