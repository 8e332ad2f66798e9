package mlflow

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// https://github.com/mlflow/mlflow/blob/8cd2eb0f7975decefb88af60ac5cc4f968458ab3/mlflow/store/tracking/file_store.py#L132
	trashFolderName     = ".trash"
	artifactsFolderName = "artifacts"
	metricsFolderName   = "metrics"
	paramsFolderName    = "params"
	tagsFolderName      = "tags"
	metaDataFileName    = "meta.yaml"

	// https://github.com/mlflow/mlflow/blob/8cd2eb0f7975decefb88af60ac5cc4f968458ab3/mlflow/entities/lifecycle_stage.py#L5
	LifecycleStageActive  = "active"
	LifecycleStageDeleted = "deleted"

	// https://github.com/mlflow/mlflow/blob/8cd2eb0f7975decefb88af60ac5cc4f968458ab3/mlflow/protos/service.proto#L439
	runStatusRunning   = 1
	runStatusScheduled = 2
	runStatusFinished  = 3
	runStatusFailed    = 4
	runStatusKilled    = 5
)

var runStatusNames = map[int]string{
	runStatusRunning:   "RUNNING",
	runStatusScheduled: "SCHEDULED",
	runStatusFinished:  "FINISHED",
	runStatusFailed:    "FAILED",
	runStatusKilled:    "KILLED",
}

// Implements Tracking interface on top of an mlruns directory.
type FileStore struct {
	rootDir string
}

func NewFileStore(rootDir string) (*FileStore, error) {
	rootDir, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("mlflow.NewFileStore: error getting absolute path: %w", err)
	}
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("mlflow.NewFileStore: error creating root dir: %w", err)
	}
	// Match the Python behavior of creating the default experiment.
	fs := &FileStore{rootDir: rootDir}
	if exp, _ := fs.GetExperiment(defaultExperimentID); exp == nil {
		if _, err := fs.createExperiment(defaultName, defaultExperimentID); err != nil {
			return nil, err
		}
	}
	return fs, nil
}

func (fs *FileStore) URI() string {
	return fs.rootDir
}

func (fs *FileStore) experiments() ([]*fileExperiment, error) {
	files, err := os.ReadDir(fs.rootDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("mlflow.FileStore: error reading directory: %w", err)
	}
	exps := make([]*fileExperiment, 0, len(files))
	for _, file := range files {
		if !file.IsDir() || file.Name() == trashFolderName {
			continue
		}
		metaPath := filepath.Join(fs.rootDir, file.Name(), metaDataFileName)
		metaBytes, err := os.ReadFile(metaPath)
		if os.IsNotExist(err) {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("mlflow.FileStore: error reading experiment meta: %w", err)
		}
		exp := &fileExperiment{rootDir: filepath.Join(fs.rootDir, file.Name())}
		if err = yaml.Unmarshal(metaBytes, &exp.experimentMeta); err != nil {
			return nil, fmt.Errorf("mlflow.FileStore: error parsing %s: %w", metaPath, err)
		}
		exps = append(exps, exp)
	}
	return exps, nil
}

func (fs *FileStore) ExperimentsByName() (map[string]Experiment, error) {
	exps, err := fs.experiments()
	if err != nil {
		return nil, err
	}
	byName := make(map[string]Experiment, len(exps))
	for _, exp := range exps {
		byName[exp.Name] = exp
	}
	return byName, nil
}

// Gets or creates an experiment and returns it.
func (fs *FileStore) GetOrCreateExperimentWithName(name string) (Experiment, error) {
	if name == "" {
		name = defaultName
	}
	exps, err := fs.experiments()
	if err != nil {
		return nil, err
	}
	highestID := -1
	for _, exp := range exps {
		if exp.Name == name {
			return exp, nil
		}
		if id, err := strconv.Atoi(exp.ExperimentID); err == nil && id > highestID {
			highestID = id
		}
	}
	return fs.createExperiment(name, strconv.Itoa(highestID+1))
}

func (fs *FileStore) GetExperiment(id string) (Experiment, error) {
	if id == "" {
		id = defaultExperimentID
	}
	exps, err := fs.experiments()
	if err != nil {
		return nil, err
	}
	for _, exp := range exps {
		if exp.ExperimentID == id {
			return exp, nil
		}
	}
	return nil, fmt.Errorf("no experiment with id %s", id)
}

func ToURI(path string) string {
	pathGeneric := filepath.ToSlash(path)
	// Windows paths don't necessarily start with /
	if len(pathGeneric) > 0 && pathGeneric[0] == '/' {
		return "file://" + pathGeneric
	}
	return "file:///" + pathGeneric
}

func (fs *FileStore) CreateExperiment(name string) (Experiment, error) {
	byName, err := fs.ExperimentsByName()
	if err != nil {
		return nil, err
	}
	if _, ok := byName[name]; ok {
		return nil, fmt.Errorf("%w: experiment %q already exists", ErrInvalidParameter, name)
	}
	return fs.createExperiment(name, "")
}

func (fs *FileStore) createExperiment(name, id string) (*fileExperiment, error) {
	if id == "" {
		highestID := -1
		files, err := os.ReadDir(fs.rootDir)
		if err != nil {
			return nil, fmt.Errorf("mlflow.FileStore.createExperiment: error reading dir: %w", err)
		}
		for _, file := range files {
			idInt, err := strconv.Atoi(file.Name())
			if err == nil && idInt > highestID {
				highestID = idInt
			}
		}
		id = strconv.Itoa(highestID + 1)
	}
	experimentPath := filepath.Join(fs.rootDir, id)
	if err := os.MkdirAll(experimentPath, 0755); err != nil {
		return nil, fmt.Errorf("mlflow.FileStore.createExperiment: error creating experiment dir: %w", err)
	}
	if name == "" {
		name = defaultName
	}
	now := time.Now().UnixMilli()
	exp := &fileExperiment{
		experimentMeta: experimentMeta{
			ArtifactLocation: ToURI(experimentPath),
			ExperimentID:     id,
			LifecycleStage:   LifecycleStageActive,
			CreationTime:     now,
			LastUpdateTime:   now,
			Name:             name,
		},
		rootDir: experimentPath,
	}
	if err := exp.syncMeta(); err != nil {
		return nil, fmt.Errorf("mlflow.FileStore.createExperiment: %w", err)
	}
	return exp, nil
}

// Very limited filter support: a single tag equality.
func newRunFilter(filter string) (func(Run) bool, error) {
	if filter == "" {
		return func(Run) bool { return true }, nil
	}
	re := regexp.MustCompile(`tags\.` + "`?" + `(.+?)` + "`?" + `\s*=\s*'([^']*)'`)
	matches := re.FindStringSubmatch(filter)
	if len(matches) != 3 {
		return nil, fmt.Errorf("%w: only filtering on a single tag is supported, got: %s", ErrUnsupported, filter)
	}
	tagName := matches[1]
	tagValue := matches[2]
	return func(run Run) bool {
		value, err := run.GetTag(tagName)
		return err == nil && value == tagValue
	}, nil
}

func (fs *FileStore) SearchRuns(experimentIDs []string, filter string, orderBy []string, pageToken string) ([]Run, string, error) {
	filterFunc, err := newRunFilter(filter)
	if err != nil {
		return nil, "", err
	}
	runs := make([]Run, 0)
	for _, id := range experimentIDs {
		if id == "" {
			return nil, "", fmt.Errorf("SearchRuns: empty experiment ID is not valid")
		}
		exp, err := fs.GetExperiment(id)
		if err != nil {
			return nil, "", err
		}
		fexp := exp.(*fileExperiment)
		files, err := os.ReadDir(fexp.rootDir)
		if err != nil {
			return nil, "", fmt.Errorf("mlflow.FileStore.SearchRuns: error reading dir: %w", err)
		}
		for _, file := range files {
			if !file.IsDir() {
				continue
			}
			run, err := fexp.GetRun(file.Name())
			if err != nil {
				return nil, "", err
			}
			if filterFunc(run) {
				runs = append(runs, run)
			}
		}
	}
	return runs, "", nil
}

func (fs *FileStore) UIURL() string {
	// Assumes UI is running on default port.
	return "http://127.0.0.1:5000/#"
}
