package mlflow

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"net/url"
	"time"
)

type sqlRun struct {
	store          *SQLStore
	id             string
	name           string
	experimentID   string
	userID         string
	status         string
	startTime      int64
	endTime        sql.NullInt64
	lifecycleStage string
	artifactURI    string
}

const runColumns = "run_uuid, name, experiment_id, user_id, status, start_time, end_time, lifecycle_stage, artifact_uri"

func (s *SQLStore) queryRuns(where string, args ...any) ([]Run, error) {
	rows, err := s.db.Query("SELECT "+runColumns+" FROM runs "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("mlflow.SQLStore: error querying runs: %w", err)
	}
	defer rows.Close()
	runs := make([]Run, 0)
	for rows.Next() {
		run := &sqlRun{store: s}
		var expID int64
		if err := rows.Scan(&run.id, &run.name, &expID, &run.userID, &run.status, &run.startTime,
			&run.endTime, &run.lifecycleStage, &run.artifactURI); err != nil {
			return nil, fmt.Errorf("mlflow.SQLStore: error scanning run: %w", err)
		}
		run.experimentID = fmt.Sprint(expID)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (r *sqlRun) ID() string {
	return r.id
}

func (r *sqlRun) ExperimentID() string {
	return r.experimentID
}

func (r *sqlRun) Name() string {
	return r.name
}

func (r *sqlRun) UIURL() string {
	// Assumes UI is running on default port.
	return fmt.Sprintf("http://127.0.0.1:5000/#/experiments/%s/runs/%s", r.experimentID, r.id)
}

func (r *sqlRun) SetName(name string) error {
	if _, err := r.store.db.Exec("UPDATE runs SET name = ? WHERE run_uuid = ?", name, r.id); err != nil {
		return fmt.Errorf("mlflow.sqlRun.SetName: %w", err)
	}
	r.name = name
	return nil
}

func (r *sqlRun) checkRunning() error {
	if r.lifecycleStage != LifecycleStageActive {
		return fmt.Errorf("%w: run %s is %s", ErrRunNotActive, r.id, r.lifecycleStage)
	}
	if r.status != restStatusRunning {
		return fmt.Errorf("%w: run %s is %s", ErrRunNotActive, r.id, r.status)
	}
	return nil
}

func (r *sqlRun) SetTag(key, value string) error {
	if err := validateTag(key, value); err != nil {
		return err
	}
	_, err := r.store.db.Exec(`INSERT INTO tags (key, value, run_uuid) VALUES (?, ?, ?)
		ON CONFLICT (key, run_uuid) DO UPDATE SET value = excluded.value`, key, value, r.id)
	if err != nil {
		return fmt.Errorf("mlflow.sqlRun.SetTag: %w", err)
	}
	return nil
}

func (r *sqlRun) SetTags(tags []Tag) error {
	for _, tag := range tags {
		if err := r.SetTag(tag.Key, tag.Val); err != nil {
			return err
		}
	}
	return nil
}

func (r *sqlRun) GetTag(key string) (string, error) {
	var value string
	err := r.store.db.QueryRow("SELECT value FROM tags WHERE run_uuid = ? AND key = ?", r.id, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("tag %s not found", key)
	} else if err != nil {
		return "", fmt.Errorf("mlflow.sqlRun.GetTag: %w", err)
	}
	return value, nil
}

func (r *sqlRun) artifactRepo() (ArtifactRepo, error) {
	parsed, err := url.Parse(r.artifactURI)
	if err != nil {
		return nil, err
	}
	return NewFileArtifactRepo(parsed.Path)
}

func (r *sqlRun) LogArtifact(localPath, artifactPath string) error {
	repo, err := r.artifactRepo()
	if err != nil {
		return err
	}
	return logArtifactTo(repo, localPath, artifactPath)
}

func (r *sqlRun) ListArtifacts(path string) ([]FileInfo, error) {
	repo, err := r.artifactRepo()
	if err != nil {
		return nil, err
	}
	return repo.ListArtifacts(path)
}

func (r *sqlRun) LogMetric(key string, val float64, step int64) error {
	return r.LogMetrics([]Metric{{Key: key, Val: val}}, step)
}

func (r *sqlRun) LogMetrics(metrics []Metric, step int64) error {
	if err := r.checkRunning(); err != nil {
		return err
	}
	tx, err := r.store.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	timestamp := time.Now().UnixMilli()
	for _, m := range metrics {
		if err := validateKey("metric", m.Key); err != nil {
			return err
		}
		value, isNaN := m.Val, math.IsNaN(m.Val)
		if isNaN {
			value = 0
		}
		if _, err := tx.Exec("INSERT INTO metrics (key, value, is_nan, timestamp, step, run_uuid) VALUES (?, ?, ?, ?, ?, ?)",
			m.Key, value, isNaN, timestamp, step, r.id); err != nil {
			return fmt.Errorf("mlflow.sqlRun.LogMetrics: %w", err)
		}
	}
	return tx.Commit()
}

func (r *sqlRun) LogParam(key, value string) error {
	return r.LogParams([]Param{{Key: key, Val: value}})
}

func (r *sqlRun) LogParams(params []Param) error {
	if err := r.checkRunning(); err != nil {
		return err
	}
	tx, err := r.store.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, p := range params {
		if err := validateParam(p.Key, p.Val); err != nil {
			return err
		}
		var old string
		err := tx.QueryRow("SELECT value FROM params WHERE run_uuid = ? AND key = ?", r.id, p.Key).Scan(&old)
		if err == nil {
			if err := checkParamUnchanged(r.id, p.Key, old, p.Val); err != nil {
				return err
			}
			continue
		} else if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("mlflow.sqlRun.LogParams: %w", err)
		}
		if _, err := tx.Exec("INSERT INTO params (key, value, run_uuid) VALUES (?, ?, ?)", p.Key, p.Val, r.id); err != nil {
			return fmt.Errorf("mlflow.sqlRun.LogParams: %w", err)
		}
	}
	return tx.Commit()
}

func (r *sqlRun) GetParam(key string) (string, error) {
	var value string
	err := r.store.db.QueryRow("SELECT value FROM params WHERE run_uuid = ? AND key = ?", r.id, key).Scan(&value)
	if err != nil {
		return "", fmt.Errorf("param with key %s not found", key)
	}
	return value, nil
}

func (r *sqlRun) terminate(status string) error {
	endTime := time.Now().UnixMilli()
	if _, err := r.store.db.Exec("UPDATE runs SET status = ?, end_time = ? WHERE run_uuid = ?", status, endTime, r.id); err != nil {
		return fmt.Errorf("mlflow.sqlRun: error ending run %s: %w", r.id, err)
	}
	r.status = status
	r.endTime = sql.NullInt64{Int64: endTime, Valid: true}
	endIfActive(r)
	return nil
}

func (r *sqlRun) End() error {
	return r.terminate(restStatusFinished)
}

func (r *sqlRun) Fail() error {
	return r.terminate(restStatusFailed)
}
