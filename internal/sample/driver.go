// Package sample logs simulated training runs: random params and
// metrics, a nested model description and a handful of images.
package sample

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"

	mlflow "github.com/trackbench/mlflow-go"
)

type Driver struct {
	Experiment mlflow.Experiment
	Fetcher    Fetcher
	Config     *Config
	Rand       *rand.Rand
	// Progress lines go here. May be nil.
	Logger *log.Logger
}

func (d *Driver) printf(format string, args ...any) {
	if d.Logger != nil {
		d.Logger.Printf(format, args...)
	}
}

// Run logs Config.NumRuns runs, one after the other. The first error
// stops the session; the run it happened in is marked failed.
func (d *Driver) Run() error {
	if err := d.Config.Validate(); err != nil {
		return err
	}
	if d.Rand == nil {
		d.Rand = NewRand(d.Config.RandSeed())
	}
	if err := os.MkdirAll(d.Config.ImageDir, 0755); err != nil {
		return err
	}
	n := d.Config.NumRuns
	for i := 0; i < n; i++ {
		err := mlflow.WithRun(d.Experiment, "", d.logRun)
		if err != nil {
			return fmt.Errorf("run %d/%d: %w", i+1, n, err)
		}
		d.printf("Run %d/%d logged successfully!", i+1, n)
	}
	d.printf("All runs logged.")
	return nil
}

func (d *Driver) logRun(run mlflow.Run) error {
	cfg := d.Config
	params, metrics := Generate(d.Rand, cfg.NumParams, cfg.NumMetrics)
	if err := run.LogParams(params); err != nil {
		return err
	}
	if err := mlflow.LogTreeAsParams(run, cfg.NestedParams, cfg.Separator); err != nil {
		return err
	}
	if err := mlflow.LogNestedParam(run, cfg.NestedParamKey, cfg.NestedParams); err != nil {
		return err
	}
	for _, src := range cfg.Sources() {
		if err := d.logImage(run, src); err != nil {
			return err
		}
	}
	for _, m := range metrics {
		if err := run.LogMetric(m.Key, m.Val, 0); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) logImage(run mlflow.Run, src ImageSource) error {
	name := src.Path
	if name == "" {
		var err error
		if name, err = LocalName(src.URL); err != nil {
			return err
		}
	}
	data, err := d.Fetcher.Fetch(src.URL)
	if err != nil {
		return err
	}
	img, _, err := DecodeImage(data)
	if err != nil {
		return fmt.Errorf("%s: %w", src.URL, err)
	}
	localPath := filepath.Join(d.Config.ImageDir, name)
	if err := SaveImage(img, localPath); err != nil {
		return err
	}
	// Logged in the artifact root, not an images/ folder.
	return run.LogArtifact(localPath, "")
}
