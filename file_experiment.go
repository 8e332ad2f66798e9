package mlflow

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type experimentMeta struct {
	ArtifactLocation string `yaml:"artifact_location"`
	ExperimentID     string `yaml:"experiment_id"`
	LifecycleStage   string `yaml:"lifecycle_stage"`
	CreationTime     int64  `yaml:"creation_time"`
	LastUpdateTime   int64  `yaml:"last_update_time"`
	Name             string `yaml:"name"`
}

type fileExperiment struct {
	experimentMeta
	rootDir string
}

func (exp *fileExperiment) ID() string {
	return exp.ExperimentID
}

// newRunID returns a uuid without dashes, as the Python client does.
func newRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func currentUserName() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}

func (exp *fileExperiment) CreateRun(name string) (Run, error) {
	if exp.LifecycleStage != LifecycleStageActive {
		return nil, fmt.Errorf("experiment %s is not active", exp.Name)
	}
	runID := newRunID()
	if name == "" {
		// This differs from Python client which generates a random adjective-noun-number.
		name = runID[0:8]
	}
	userName := currentUserName()
	run := &fileRun{
		runMeta: runMeta{
			ArtifactURI:    fmt.Sprintf("%s/%s/%s", exp.ArtifactLocation, runID, artifactsFolderName),
			ExperimentID:   exp.ExperimentID,
			LifecycleStage: LifecycleStageActive,
			RunName:        name,
			StartTime:      time.Now().UnixMilli(),
			Status:         runStatusRunning,
			UserID:         userName,
			RunID:          runID,
			RunUUID:        runID,
		},
		rootDir: filepath.Join(exp.rootDir, runID),
	}
	for _, subDir := range []string{artifactsFolderName, metricsFolderName, paramsFolderName, tagsFolderName} {
		if err := os.MkdirAll(filepath.Join(run.rootDir, subDir), 0755); err != nil {
			return nil, fmt.Errorf("mlflow.fileExperiment.CreateRun: %w", err)
		}
	}
	if err := run.SetTag(UserTagKey, userName); err != nil {
		return nil, err
	}
	if err := run.syncMeta(); err != nil {
		return nil, fmt.Errorf("mlflow.fileExperiment.CreateRun: %w", err)
	}
	return run, nil
}

func (exp *fileExperiment) GetRun(runID string) (Run, error) {
	if runID == "" {
		return nil, fmt.Errorf("runID is empty")
	}
	metaPath := filepath.Join(exp.rootDir, runID, metaDataFileName)
	metaBytes, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, fmt.Errorf("mlflow.fileExperiment.GetRun: %w", err)
	}
	run := &fileRun{rootDir: filepath.Join(exp.rootDir, runID)}
	if err = yaml.Unmarshal(metaBytes, &run.runMeta); err != nil {
		return nil, fmt.Errorf("mlflow.fileExperiment.GetRun: error parsing %s: %w", metaPath, err)
	}
	return run, nil
}

// Writes experimentMeta to disk.
func (exp *fileExperiment) syncMeta() error {
	exp.experimentMeta.LastUpdateTime = time.Now().UnixMilli()
	metaBytes, err := yaml.Marshal(exp.experimentMeta)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(exp.rootDir, metaDataFileName), metaBytes, 0644)
}
