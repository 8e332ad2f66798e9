package mlflow

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLStore implements Tracking on a SQLite database, like the
// Python client's sqlite:// backend store. Artifacts are written to
// local directories under artifactRoot.
type SQLStore struct {
	db           *sql.DB
	dbPath       string
	artifactRoot string
}

// sqlitePathFromURI follows the SQLAlchemy convention:
// sqlite:///relative.db and sqlite:////absolute.db.
func sqlitePathFromURI(uri string) (string, error) {
	const prefix = "sqlite:///"
	if !strings.HasPrefix(uri, prefix) {
		return "", fmt.Errorf("%w: sqlite URI %q must start with %s", ErrInvalidParameter, uri, prefix)
	}
	p := strings.TrimPrefix(uri, prefix)
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	p, err := url.PathUnescape(p)
	if err != nil {
		return "", err
	}
	if p == "" {
		return "", fmt.Errorf("%w: sqlite URI %q has no database path", ErrInvalidParameter, uri)
	}
	return p, nil
}

// NewSQLStore opens (creating if needed) the database at dbPath and
// migrates it to the latest schema. An empty artifactRoot defaults to
// an mlruns directory next to the database. Migration progress goes to l
// when it is not nil.
func NewSQLStore(dbPath, artifactRoot string, l *log.Logger) (*SQLStore, error) {
	dbPath, err := filepath.Abs(dbPath)
	if err != nil {
		return nil, fmt.Errorf("mlflow.NewSQLStore: error getting absolute path: %w", err)
	}
	if artifactRoot == "" {
		artifactRoot = filepath.Join(filepath.Dir(dbPath), "mlruns")
	}
	if artifactRoot, err = filepath.Abs(artifactRoot); err != nil {
		return nil, fmt.Errorf("mlflow.NewSQLStore: error getting absolute path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("mlflow.NewSQLStore: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("mlflow.NewSQLStore: error opening database: %w", err)
	}
	s := &SQLStore{db: db, dbPath: dbPath, artifactRoot: artifactRoot}
	if err := s.migrateUp(l); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.ensureDefaultExperiment(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrateUp(l *log.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("mlflow.SQLStore: failed to open migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("mlflow.SQLStore: failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("mlflow.SQLStore: failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{l}
	// Not closing m: that would close s.db.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("mlflow.SQLStore: migration up failed: %w", err)
	}
	return nil
}

type migrateLogger struct {
	l *log.Logger
}

func (ml migrateLogger) Printf(format string, v ...interface{}) {
	if ml.l != nil {
		ml.l.Printf("[migrate] "+format, v...)
	}
}

func (migrateLogger) Verbose() bool {
	return false
}

// SchemaVersion reports the applied migration version.
func (s *SQLStore) SchemaVersion() (uint, error) {
	var version uint
	err := s.db.QueryRow("SELECT version FROM schema_migrations LIMIT 1").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("mlflow.SQLStore.SchemaVersion: %w", err)
	}
	return version, nil
}

func (s *SQLStore) ensureDefaultExperiment() error {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM experiments WHERE experiment_id = ?", defaultExperimentID).Scan(&count)
	if err != nil {
		return fmt.Errorf("mlflow.SQLStore: error checking default experiment: %w", err)
	}
	if count > 0 {
		return nil
	}
	_, err = s.insertExperiment(defaultName, defaultExperimentID)
	return err
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) URI() string {
	return "sqlite:///" + filepath.ToSlash(s.dbPath)
}

func (s *SQLStore) UIURL() string {
	// Assumes UI is running on default port.
	return "http://127.0.0.1:5000/#"
}

func (s *SQLStore) insertExperiment(name, id string) (*sqlExperiment, error) {
	now := time.Now().UnixMilli()
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	var res sql.Result
	if id == "" {
		res, err = tx.Exec(`INSERT INTO experiments (name, lifecycle_stage, creation_time, last_update_time)
			VALUES (?, ?, ?, ?)`, name, LifecycleStageActive, now, now)
	} else {
		res, err = tx.Exec(`INSERT INTO experiments (experiment_id, name, lifecycle_stage, creation_time, last_update_time)
			VALUES (?, ?, ?, ?, ?)`, id, name, LifecycleStageActive, now, now)
	}
	if err != nil {
		return nil, fmt.Errorf("mlflow.SQLStore: error creating experiment %q: %w", name, err)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	id = strconv.FormatInt(newID, 10)
	location := ToURI(filepath.Join(s.artifactRoot, id))
	if _, err = tx.Exec("UPDATE experiments SET artifact_location = ? WHERE experiment_id = ?", location, newID); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return &sqlExperiment{store: s, id: id, name: name, artifactLocation: location, lifecycleStage: LifecycleStageActive}, nil
}

func (s *SQLStore) CreateExperiment(name string) (Experiment, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: experiment name must not be empty", ErrInvalidParameter)
	}
	return s.insertExperiment(name, "")
}

const experimentColumns = "experiment_id, name, artifact_location, lifecycle_stage"

func (s *SQLStore) scanExperiment(row interface{ Scan(...any) error }) (*sqlExperiment, error) {
	exp := &sqlExperiment{store: s}
	var id int64
	if err := row.Scan(&id, &exp.name, &exp.artifactLocation, &exp.lifecycleStage); err != nil {
		return nil, err
	}
	exp.id = strconv.FormatInt(id, 10)
	return exp, nil
}

func (s *SQLStore) ExperimentsByName() (map[string]Experiment, error) {
	rows, err := s.db.Query("SELECT " + experimentColumns + " FROM experiments")
	if err != nil {
		return nil, fmt.Errorf("mlflow.SQLStore.ExperimentsByName: %w", err)
	}
	defer rows.Close()
	experiments := make(map[string]Experiment)
	for rows.Next() {
		exp, err := s.scanExperiment(rows)
		if err != nil {
			return nil, fmt.Errorf("mlflow.SQLStore.ExperimentsByName: %w", err)
		}
		experiments[exp.name] = exp
	}
	return experiments, rows.Err()
}

func (s *SQLStore) GetOrCreateExperimentWithName(name string) (Experiment, error) {
	if name == "" {
		name = defaultName
	}
	exp, err := s.scanExperiment(s.db.QueryRow("SELECT "+experimentColumns+" FROM experiments WHERE name = ?", name))
	if err == nil {
		return exp, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mlflow.SQLStore.GetOrCreateExperimentWithName: %w", err)
	}
	return s.insertExperiment(name, "")
}

func (s *SQLStore) GetExperiment(id string) (Experiment, error) {
	if id == "" {
		id = defaultExperimentID
	}
	exp, err := s.scanExperiment(s.db.QueryRow("SELECT "+experimentColumns+" FROM experiments WHERE experiment_id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no experiment with id %s", id)
	} else if err != nil {
		return nil, fmt.Errorf("mlflow.SQLStore.GetExperiment: %w", err)
	}
	return exp, nil
}

func (s *SQLStore) SearchRuns(experimentIDs []string, filter string, orderBy []string, pageToken string) ([]Run, string, error) {
	filterFunc, err := newRunFilter(filter)
	if err != nil {
		return nil, "", err
	}
	runs := make([]Run, 0)
	for _, id := range experimentIDs {
		if id == "" {
			return nil, "", fmt.Errorf("SearchRuns: empty experiment ID is not valid")
		}
		if _, err := s.GetExperiment(id); err != nil {
			return nil, "", err
		}
		found, err := s.queryRuns("WHERE experiment_id = ? ORDER BY start_time DESC", id)
		if err != nil {
			return nil, "", err
		}
		for _, run := range found {
			if filterFunc(run) {
				runs = append(runs, run)
			}
		}
	}
	return runs, "", nil
}

// Implements Experiment interface
type sqlExperiment struct {
	store            *SQLStore
	id               string
	name             string
	artifactLocation string
	lifecycleStage   string
}

func (exp *sqlExperiment) ID() string {
	return exp.id
}

func (exp *sqlExperiment) CreateRun(name string) (Run, error) {
	if exp.lifecycleStage != LifecycleStageActive {
		return nil, fmt.Errorf("experiment %s is not active", exp.name)
	}
	runID := newRunID()
	if name == "" {
		// This differs from Python client which generates a random adjective-noun-number.
		name = runID[0:8]
	}
	run := &sqlRun{
		store:          exp.store,
		id:             runID,
		name:           name,
		experimentID:   exp.id,
		userID:         currentUserName(),
		status:         restStatusRunning,
		startTime:      time.Now().UnixMilli(),
		lifecycleStage: LifecycleStageActive,
		artifactURI:    fmt.Sprintf("%s/%s/%s", exp.artifactLocation, runID, artifactsFolderName),
	}
	_, err := exp.store.db.Exec(`INSERT INTO runs
		(run_uuid, name, experiment_id, user_id, status, start_time, lifecycle_stage, artifact_uri)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.id, run.name, run.experimentID, run.userID, run.status, run.startTime, run.lifecycleStage, run.artifactURI)
	if err != nil {
		return nil, fmt.Errorf("mlflow.sqlExperiment.CreateRun: %w", err)
	}
	if err := run.SetTag(UserTagKey, run.userID); err != nil {
		return nil, err
	}
	return run, nil
}

func (exp *sqlExperiment) GetRun(runID string) (Run, error) {
	if runID == "" {
		return nil, fmt.Errorf("runID is empty")
	}
	runs, err := exp.store.queryRuns("WHERE experiment_id = ? AND run_uuid = ?", exp.id, runID)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("no run with id %s in experiment %s", runID, exp.id)
	}
	return runs[0], nil
}
