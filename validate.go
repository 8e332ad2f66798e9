package mlflow

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Limits from
// https://github.com/mlflow/mlflow/blob/v2.16.0/mlflow/utils/validation.py
const (
	maxEntityKeyLength  = 250
	maxParamValueLength = 6000
	maxTagValueLength   = 8000
)

var validKeyRegexp = regexp.MustCompile(`^[/\w.\- ]*$`)

func validateKey(kind, key string) error {
	if key == "" {
		return fmt.Errorf("%w: %s name must not be empty", ErrInvalidParameter, kind)
	}
	if len(key) > maxEntityKeyLength {
		return fmt.Errorf("%w: %s name %q exceeds %d characters", ErrInvalidParameter, kind, key, maxEntityKeyLength)
	}
	if !validKeyRegexp.MatchString(key) {
		return fmt.Errorf("%w: %s name %q may only contain alphanumerics, underscores (_), dashes (-), periods (.), spaces ( ), and slashes (/)",
			ErrInvalidParameter, kind, key)
	}
	// Keys become file names in the file store.
	if strings.HasPrefix(key, "/") || path.Clean(key) != key || strings.HasPrefix(path.Clean(key), "..") {
		return fmt.Errorf("%w: %s name %q is not a valid relative path", ErrInvalidParameter, kind, key)
	}
	return nil
}

func validateParam(key, value string) error {
	if err := validateKey("param", key); err != nil {
		return err
	}
	if len(value) > maxParamValueLength {
		return fmt.Errorf("%w: param %q value has %d characters, the limit is %d",
			ErrInvalidParameter, key, len(value), maxParamValueLength)
	}
	return nil
}

func validateTag(key, value string) error {
	if err := validateKey("tag", key); err != nil {
		return err
	}
	if len(value) > maxTagValueLength {
		return fmt.Errorf("%w: tag %q value has %d characters, the limit is %d",
			ErrInvalidParameter, key, len(value), maxTagValueLength)
	}
	return nil
}

// Rejects a param that was already logged with another value.
func checkParamUnchanged(runID, key, oldValue, newValue string) error {
	if oldValue == newValue {
		return nil
	}
	return fmt.Errorf("%w: run %s param %q was %q, got %q", ErrParamChanged, runID, key, oldValue, newValue)
}
