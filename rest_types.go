package mlflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// JSON bodies of the MLflow REST API 2.0.
// See https://mlflow.org/docs/latest/rest-api.html

const (
	restStatusRunning  = "RUNNING"
	restStatusFinished = "FINISHED"
	restStatusFailed   = "FAILED"
)

// metricValue encodes NaN and infinities the way proto3 JSON does.
type metricValue float64

func (v metricValue) MarshalJSON() ([]byte, error) {
	f := float64(v)
	switch {
	case math.IsNaN(f):
		return []byte(`"NaN"`), nil
	case math.IsInf(f, 1):
		return []byte(`"Infinity"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-Infinity"`), nil
	}
	return json.Marshal(f)
}

func (v *metricValue) UnmarshalJSON(b []byte) error {
	if bytes.HasPrefix(b, []byte(`"`)) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		switch s {
		case "NaN":
			*v = metricValue(math.NaN())
		case "Infinity":
			*v = metricValue(math.Inf(1))
		case "-Infinity":
			*v = metricValue(math.Inf(-1))
		default:
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return fmt.Errorf("invalid metric value %q", s)
			}
			*v = metricValue(f)
		}
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*v = metricValue(f)
	return nil
}

// jsonInt64 accepts both numbers and the quoted form proto3 JSON uses
// for 64-bit integers. It is written as a number.
type jsonInt64 int64

func (n *jsonInt64) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 {
		*n = 0
		return nil
	}
	i, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid int64 %s: %w", b, err)
	}
	*n = jsonInt64(i)
	return nil
}

type restExperimentInfo struct {
	ExperimentID     string `json:"experiment_id"`
	Name             string `json:"name"`
	ArtifactLocation string `json:"artifact_location,omitempty"`
	LifecycleStage   string `json:"lifecycle_stage,omitempty"`
}

type restKeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type restMetric struct {
	Key       string      `json:"key"`
	Value     metricValue `json:"value"`
	Timestamp jsonInt64   `json:"timestamp"`
	Step      jsonInt64   `json:"step"`
}

type restRunInfo struct {
	RunID          string    `json:"run_id"`
	RunUUID        string    `json:"run_uuid,omitempty"`
	RunName        string    `json:"run_name"`
	ExperimentID   string    `json:"experiment_id"`
	UserID         string    `json:"user_id,omitempty"`
	Status         string    `json:"status"`
	StartTime      jsonInt64 `json:"start_time,omitempty"`
	EndTime        jsonInt64 `json:"end_time,omitempty"`
	ArtifactURI    string    `json:"artifact_uri"`
	LifecycleStage string    `json:"lifecycle_stage,omitempty"`
}

type restRunData struct {
	Metrics []restMetric   `json:"metrics,omitempty"`
	Params  []restKeyValue `json:"params,omitempty"`
	Tags    []restKeyValue `json:"tags,omitempty"`
}

type restRunMessage struct {
	Info restRunInfo `json:"info"`
	Data restRunData `json:"data"`
}

type createExperimentRequest struct {
	Name string `json:"name"`
}

type createExperimentResponse struct {
	ExperimentID string `json:"experiment_id"`
}

type searchExperimentsRequest struct {
	MaxResults int64  `json:"max_results"`
	PageToken  string `json:"page_token,omitempty"`
}

type searchExperimentsResponse struct {
	Experiments   []restExperimentInfo `json:"experiments"`
	NextPageToken string               `json:"next_page_token,omitempty"`
}

type getExperimentResponse struct {
	Experiment restExperimentInfo `json:"experiment"`
}

type searchRunsRequest struct {
	ExperimentIDs []string `json:"experiment_ids"`
	Filter        string   `json:"filter,omitempty"`
	OrderBy       []string `json:"order_by,omitempty"`
	PageToken     string   `json:"page_token,omitempty"`
}

type searchRunsResponse struct {
	Runs          []restRunMessage `json:"runs"`
	NextPageToken string           `json:"next_page_token,omitempty"`
}

type createRunRequest struct {
	ExperimentID string         `json:"experiment_id"`
	RunName      string         `json:"run_name,omitempty"`
	StartTime    int64          `json:"start_time"`
	Tags         []restKeyValue `json:"tags,omitempty"`
}

type runResponse struct {
	Run restRunMessage `json:"run"`
}

type setTagRequest struct {
	RunID string `json:"run_id"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

type logMetricRequest struct {
	RunID     string      `json:"run_id"`
	Key       string      `json:"key"`
	Value     metricValue `json:"value"`
	Timestamp int64       `json:"timestamp"`
	Step      int64       `json:"step"`
}

type logParamRequest struct {
	RunID string `json:"run_id"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

type logBatchRequest struct {
	RunID   string         `json:"run_id"`
	Metrics []restMetric   `json:"metrics,omitempty"`
	Params  []restKeyValue `json:"params,omitempty"`
	Tags    []restKeyValue `json:"tags,omitempty"`
}

type updateRunRequest struct {
	RunID   string `json:"run_id"`
	Status  string `json:"status,omitempty"`
	EndTime int64  `json:"end_time,omitempty"`
	RunName string `json:"run_name,omitempty"`
}

type updateRunResponse struct {
	RunInfo restRunInfo `json:"run_info"`
}

type restFileInfo struct {
	Path     string    `json:"path"`
	IsDir    bool      `json:"is_dir"`
	FileSize jsonInt64 `json:"file_size,omitempty"`
}

type listArtifactsResponse struct {
	RootURI       string         `json:"root_uri"`
	Files         []restFileInfo `json:"files"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

// Databricks only.
type credentialsForWriteRequest struct {
	RunID string   `json:"run_id"`
	Path  []string `json:"path"`
}

type httpHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type artifactCredentialInfo struct {
	RunID     string       `json:"run_id"`
	Path      string       `json:"path"`
	SignedURI string       `json:"signed_uri"`
	Headers   []httpHeader `json:"headers,omitempty"`
	Type      string       `json:"type,omitempty"`
}

type credentialsForWriteResponse struct {
	CredentialInfos []artifactCredentialInfo `json:"credential_infos"`
}

type emptyResponse struct{}
