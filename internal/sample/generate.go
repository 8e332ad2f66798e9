package sample

import (
	"fmt"
	"math/rand"

	mlflow "github.com/trackbench/mlflow-go"
)

func NewRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

// Generate returns numParams params param_i in [0, 1) and numMetrics
// metrics metric_i in [0, 100), in index order.
func Generate(rng *rand.Rand, numParams, numMetrics int) ([]mlflow.Param, []mlflow.Metric) {
	params := make([]mlflow.Param, numParams)
	for i := range params {
		params[i] = mlflow.Param{Key: fmt.Sprintf("param_%d", i), Val: mlflow.FormatValue(rng.Float64())}
	}
	metrics := make([]mlflow.Metric, numMetrics)
	for i := range metrics {
		metrics[i] = mlflow.Metric{Key: fmt.Sprintf("metric_%d", i), Val: rng.Float64() * 100}
	}
	return params, metrics
}
