package mlflow

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type runMeta struct {
	ArtifactURI    string `yaml:"artifact_uri"`
	ExperimentID   string `yaml:"experiment_id"`
	LifecycleStage string `yaml:"lifecycle_stage"`
	EndTime        int64  `yaml:"end_time"`
	EntryPointName string `yaml:"entry_point_name"`
	RunID          string `yaml:"run_id"`
	RunName        string `yaml:"run_name"`
	RunUUID        string `yaml:"run_uuid"`
	SourceName     string `yaml:"source_name"`
	// https://github.com/mlflow/mlflow/blob/8cd2eb0f7975decefb88af60ac5cc4f968458ab3/mlflow/protos/service.proto#L421
	SourceType    int    `yaml:"source_type"`
	SourceVersion string `yaml:"source_version"`
	StartTime     int64  `yaml:"start_time"`
	// https://github.com/mlflow/mlflow/blob/8cd2eb0f7975decefb88af60ac5cc4f968458ab3/mlflow/protos/service.proto#L439
	Status int      `yaml:"status"`
	Tags   []string `yaml:"tags"`
	UserID string   `yaml:"user_id"`
}

type fileRun struct {
	runMeta
	rootDir string
}

func (r *fileRun) ID() string {
	return r.RunID
}

func (r *fileRun) UIURL() string {
	// Assumes UI is running on default port.
	return fmt.Sprintf("http://127.0.0.1:5000/#/experiments/%s/runs/%s", r.runMeta.ExperimentID, r.RunID)
}

func (r *fileRun) syncMeta() error {
	metaBytes, err := yaml.Marshal(r.runMeta)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(r.rootDir, metaDataFileName), metaBytes, 0644)
}

func (r *fileRun) checkRunning() error {
	if r.LifecycleStage != LifecycleStageActive {
		return fmt.Errorf("%w: run %s is %s", ErrRunNotActive, r.RunID, r.LifecycleStage)
	}
	if r.Status != runStatusRunning {
		return fmt.Errorf("%w: run %s is %s", ErrRunNotActive, r.RunID, runStatusNames[r.Status])
	}
	return nil
}

// Writes value to a file named key under dir, creating parents for
// keys that contain slashes.
func writeKeyFile(dir, key, value string) error {
	path := filepath.Join(dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(value), 0644)
}

func (r *fileRun) SetTag(key, value string) error {
	if err := validateTag(key, value); err != nil {
		return err
	}
	return writeKeyFile(filepath.Join(r.rootDir, tagsFolderName), key, value)
}

func (r *fileRun) SetTags(tags []Tag) error {
	for _, tag := range tags {
		if err := r.SetTag(tag.Key, tag.Val); err != nil {
			return err
		}
	}
	return nil
}

func (r *fileRun) GetTag(key string) (string, error) {
	valBytes, err := os.ReadFile(filepath.Join(r.rootDir, tagsFolderName, filepath.FromSlash(key)))
	if err != nil {
		return "", fmt.Errorf("tag %s not found: %w", key, err)
	}
	return string(valBytes), nil
}

func (r *fileRun) ArtifactDir() string {
	return filepath.Join(r.rootDir, artifactsFolderName)
}

func (r *fileRun) LogArtifact(localPath, artifactPath string) error {
	repo, err := NewFileArtifactRepo(r.ArtifactDir())
	if err != nil {
		return err
	}
	return logArtifactTo(repo, localPath, artifactPath)
}

func (r *fileRun) ListArtifacts(path string) ([]FileInfo, error) {
	repo, err := NewFileArtifactRepo(r.ArtifactDir())
	if err != nil {
		return nil, err
	}
	return repo.ListArtifacts(path)
}

func (r *fileRun) LogMetric(key string, val float64, step int64) error {
	if err := validateKey("metric", key); err != nil {
		return err
	}
	if err := r.checkRunning(); err != nil {
		return err
	}
	path := filepath.Join(r.rootDir, metricsFolderName, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	// If the file doesn't exist, create it, or append to the file
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	line := fmt.Sprintf("%d %s %d\n", time.Now().UnixMilli(), formatMetric(val), step)
	if _, err := f.Write([]byte(line)); err != nil {
		f.Close() // ignore error; Write error takes precedence
		return err
	}
	return f.Close()
}

func formatMetric(val float64) string {
	return strconv.FormatFloat(val, 'g', -1, 64)
}

func (r *fileRun) LogMetrics(metrics []Metric, step int64) error {
	for _, metric := range metrics {
		if err := r.LogMetric(metric.Key, metric.Val, step); err != nil {
			return err
		}
	}
	return nil
}

func (r *fileRun) paramPath(key string) string {
	return filepath.Join(r.rootDir, paramsFolderName, filepath.FromSlash(key))
}

func (r *fileRun) LogParam(key, value string) error {
	if err := validateParam(key, value); err != nil {
		return err
	}
	if err := r.checkRunning(); err != nil {
		return err
	}
	old, err := os.ReadFile(r.paramPath(key))
	if err == nil {
		return checkParamUnchanged(r.RunID, key, string(old), value)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return writeKeyFile(filepath.Join(r.rootDir, paramsFolderName), key, value)
}

func (r *fileRun) LogParams(params []Param) error {
	for _, param := range params {
		if err := r.LogParam(param.Key, param.Val); err != nil {
			return err
		}
	}
	return nil
}

func (r *fileRun) setTerminated(status int) error {
	r.EndTime = time.Now().UnixMilli()
	r.Status = status
	if err := r.syncMeta(); err != nil {
		return err
	}
	endIfActive(r)
	return nil
}

func (r *fileRun) End() error {
	return r.setTerminated(runStatusFinished)
}

func (r *fileRun) Fail() error {
	return r.setTerminated(runStatusFailed)
}

func (r *fileRun) ExperimentID() string {
	return r.runMeta.ExperimentID
}

func (r *fileRun) SetName(name string) error {
	r.RunName = name
	return r.syncMeta()
}

func (r *fileRun) Name() string {
	return r.RunName
}

func (r *fileRun) GetParam(key string) (string, error) {
	valBytes, err := os.ReadFile(r.paramPath(key))
	if err != nil {
		return "", fmt.Errorf("param with key %s not found", key)
	}
	return string(valBytes), nil
}
