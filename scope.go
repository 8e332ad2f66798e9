package mlflow

import (
	"errors"
	"fmt"
)

// WithRun creates a run in exp, passes it to fn and ends it.
// The run finishes when fn returns nil, and is marked failed when fn
// returns an error or panics. A panic is re-raised after the run is marked.
func WithRun(exp Experiment, name string, fn func(Run) error) (err error) {
	run, err := exp.CreateRun(name)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = run.Fail()
			panic(r)
		}
	}()
	if err = fn(run); err != nil {
		if failErr := run.Fail(); failErr != nil {
			return errors.Join(err, fmt.Errorf("marking run %s failed: %w", run.ID(), failErr))
		}
		return err
	}
	return run.End()
}
