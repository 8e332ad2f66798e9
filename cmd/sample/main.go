// Command sample logs a handful of simulated runs to an MLflow tracking
// store. The store comes from MLFLOW_TRACKING_URI (./mlruns if unset).
package main

import (
	"flag"
	"log"
	"os"

	mlflow "github.com/trackbench/mlflow-go"
	"github.com/trackbench/mlflow-go/internal/sample"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (defaults are used when empty)")
	seed := flag.Int64("seed", 0, "random seed (picked from the clock when not set)")
	flag.Parse()

	logger := log.New(os.Stderr, "sample: ", log.LstdFlags)

	cfg := sample.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = sample.LoadConfig(*configPath); err != nil {
			logger.Fatal(err)
		}
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "seed" {
			cfg.Seed = seed
		}
	})

	tracking, err := mlflow.NewTracking("", "", logger)
	if err != nil {
		logger.Fatal(err)
	}
	exp, err := tracking.GetOrCreateExperimentWithName(cfg.Experiment)
	if err != nil {
		logger.Fatal(err)
	}
	driver := &sample.Driver{
		Experiment: exp,
		Fetcher:    &sample.HTTPFetcher{},
		Config:     cfg,
		Logger:     logger,
	}
	if err := driver.Run(); err != nil {
		logger.Fatal(err)
	}
	logger.Println("To view, open", tracking.UIURL())
}
