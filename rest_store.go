package mlflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Implements Tracking interface
// See https://www.mlflow.org/docs/latest/rest-api.html
// for the REST API documentation.
type RESTStore struct {
	baseURL     string
	bearerToken string
	client      *http.Client
}

func NewRESTStore(baseURL, bearerToken string) (*RESTStore, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("mlflow.NewRESTStore: empty base URL")
	}
	return &RESTStore{baseURL: baseURL, bearerToken: bearerToken, client: http.DefaultClient}, nil
}

func (rs *RESTStore) do(method, path string, req, res interface{}) error {
	if method == http.MethodGet && req != nil {
		return fmt.Errorf("GET requests cannot have a body")
	}
	url := rs.baseURL + "/api/2.0/mlflow/" + path
	var reqBody io.Reader
	if req != nil {
		reqJSON, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("failed to marshal request to JSON: %w", err)
		}
		reqBody = bytes.NewReader(reqJSON)
	}

	httpReq, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if rs.bearerToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+rs.bearerToken)
	}

	httpRes, err := rs.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", method, err)
	}
	defer httpRes.Body.Close()
	resBody, err := io.ReadAll(httpRes.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if httpRes.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s failed with status %s: %s", method, url, httpRes.Status, resBody)
	}
	if res == nil || len(resBody) == 0 {
		return nil
	}
	if err = json.Unmarshal(resBody, res); err != nil {
		return fmt.Errorf("failed to unmarshal response body: %s\n%w", resBody, err)
	}
	return nil
}

func (rs *RESTStore) URI() string {
	return rs.baseURL
}

func (rs *RESTStore) uiPrefix() string {
	if strings.Contains(rs.baseURL, "databricks.com") {
		return rs.baseURL + "/#mlflow/"
	}
	return rs.baseURL + "/#/"
}

func (rs *RESTStore) UIURL() string {
	return rs.uiPrefix()
}

func (rs *RESTStore) CreateExperiment(name string) (Experiment, error) {
	var resp createExperimentResponse
	if err := rs.do(http.MethodPost, "experiments/create", createExperimentRequest{Name: name}, &resp); err != nil {
		return nil, err
	}
	return &restExperiment{rs, resp.ExperimentID}, nil
}

func (rs *RESTStore) ExperimentsByName() (map[string]Experiment, error) {
	experiments := make(map[string]Experiment)
	req := searchExperimentsRequest{MaxResults: 1000}
	for {
		var resp searchExperimentsResponse
		if err := rs.do(http.MethodPost, "experiments/search", req, &resp); err != nil {
			return nil, err
		}
		for _, exp := range resp.Experiments {
			experiments[exp.Name] = &restExperiment{rs, exp.ExperimentID}
		}
		if resp.NextPageToken == "" {
			break
		}
		req.PageToken = resp.NextPageToken
	}
	return experiments, nil
}

func (rs *RESTStore) GetOrCreateExperimentWithName(name string) (Experiment, error) {
	if name == "" {
		name = defaultName
	}
	expsByName, err := rs.ExperimentsByName()
	if err != nil {
		return nil, err
	}
	if exp, ok := expsByName[name]; ok {
		return exp, nil
	}
	return rs.CreateExperiment(name)
}

func (rs *RESTStore) GetExperiment(id string) (Experiment, error) {
	if id == "" {
		id = defaultExperimentID
	}
	var resp getExperimentResponse
	if err := rs.do(http.MethodGet, "experiments/get?experiment_id="+url.QueryEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return &restExperiment{rs, resp.Experiment.ExperimentID}, nil
}

func (rs *RESTStore) SearchRuns(experimentIDs []string, filter string, orderBy []string, pageToken string) ([]Run, string, error) {
	var resp searchRunsResponse
	req := searchRunsRequest{
		ExperimentIDs: experimentIDs,
		Filter:        filter,
		OrderBy:       orderBy,
		PageToken:     pageToken,
	}
	if err := rs.do(http.MethodPost, "runs/search", &req, &resp); err != nil {
		return nil, "", err
	}
	runs := make([]Run, len(resp.Runs))
	for i, run := range resp.Runs {
		runs[i] = newRESTRun(rs, run)
	}
	return runs, resp.NextPageToken, nil
}

// Implements Experiment interface
type restExperiment struct {
	store *RESTStore
	id    string
}

func (exp *restExperiment) CreateRun(name string) (Run, error) {
	if name == "" {
		// This differs from Python client which generates a random adjective-noun-number.
		name = newRunID()[0:8]
	}
	var resp runResponse
	err := exp.store.do(http.MethodPost,
		"runs/create",
		createRunRequest{
			ExperimentID: exp.id,
			RunName:      name,
			StartTime:    time.Now().UnixMilli(),
			// Unfortunately Databricks ignores this tag.
			Tags: []restKeyValue{{Key: UserTagKey, Value: currentUserName()}},
		},
		&resp)
	if err != nil {
		return nil, err
	}
	return newRESTRun(exp.store, resp.Run), nil
}

func (exp *restExperiment) GetRun(runID string) (Run, error) {
	var resp runResponse
	if err := exp.store.do(http.MethodGet, "runs/get?run_id="+url.QueryEscape(runID), nil, &resp); err != nil {
		return nil, err
	}
	return newRESTRun(exp.store, resp.Run), nil
}

func (exp *restExperiment) ID() string {
	return exp.id
}

type restRun struct {
	info  restRunInfo
	data  restRunData
	store *RESTStore
}

func newRESTRun(store *RESTStore, msg restRunMessage) *restRun {
	if msg.Info.RunID == "" {
		msg.Info.RunID = msg.Info.RunUUID
	}
	return &restRun{info: msg.Info, data: msg.Data, store: store}
}

func (r *restRun) rememberTag(key, value string) {
	for i := range r.data.Tags {
		if r.data.Tags[i].Key == key {
			r.data.Tags[i].Value = value
			return
		}
	}
	r.data.Tags = append(r.data.Tags, restKeyValue{Key: key, Value: value})
}

func (r *restRun) SetTag(key, value string) error {
	if err := validateTag(key, value); err != nil {
		return err
	}
	if err := r.store.do(http.MethodPost,
		"runs/set-tag",
		setTagRequest{RunID: r.info.RunID, Key: key, Value: value},
		&emptyResponse{}); err != nil {
		return err
	}
	r.rememberTag(key, value)
	return nil
}

func (r *restRun) GetTag(key string) (string, error) {
	for _, tag := range r.data.Tags {
		if tag.Key == key {
			return tag.Value, nil
		}
	}
	return "", fmt.Errorf("tag %s not found", key)
}

func (r *restRun) artifactRepo() (ArtifactRepo, error) {
	return r.store.newArtifactRepo(r.info.RunID, r.info.ArtifactURI)
}

func (r *restRun) LogArtifact(localPath, artifactPath string) error {
	// based on
	// https://github.com/mlflow/mlflow/blob/e7ff52d724e3218704fde225493e52c5acd41bb6/mlflow/tracking/_tracking_service/client.py#L401
	repo, err := r.artifactRepo()
	if err != nil {
		return err
	}
	return logArtifactTo(repo, localPath, artifactPath)
}

func (r *restRun) ListArtifacts(path string) ([]FileInfo, error) {
	return r.store.listArtifacts(r.info.RunID, path)
}

func (rs *RESTStore) listArtifacts(runID, path string) ([]FileInfo, error) {
	query := url.Values{"run_id": {runID}}
	if path != "" {
		query.Set("path", path)
	}
	infos := make([]FileInfo, 0)
	for {
		var resp listArtifactsResponse
		if err := rs.do(http.MethodGet, "artifacts/list?"+query.Encode(), nil, &resp); err != nil {
			return nil, err
		}
		for _, f := range resp.Files {
			infos = append(infos, FileInfo{Path: f.Path, IsDir: f.IsDir, FileSize: int64(f.FileSize)})
		}
		if resp.NextPageToken == "" {
			break
		}
		query.Set("page_token", resp.NextPageToken)
	}
	return infos, nil
}

func (r *restRun) LogMetric(key string, val float64, step int64) error {
	if err := validateKey("metric", key); err != nil {
		return err
	}
	return r.store.do(http.MethodPost,
		"runs/log-metric",
		logMetricRequest{RunID: r.info.RunID, Key: key, Value: metricValue(val), Step: step, Timestamp: time.Now().UnixMilli()},
		&emptyResponse{})
}

func chunkEndIndices(arrayLen, chunkSize int) []int {
	res := make([]int, 0, (arrayLen+chunkSize-1)/chunkSize)
	for i := 0; i < arrayLen; i += chunkSize {
		end := i + chunkSize
		if end > arrayLen {
			end = arrayLen
		}
		res = append(res, end)
	}
	return res
}

const (
	maxMetricsPerBatch = 1000
	maxParamsPerBatch  = 100
	maxTagsPerBatch    = 100
)

func (r *restRun) logBatch(batch logBatchRequest) error {
	batch.RunID = r.info.RunID
	return r.store.do(http.MethodPost, "runs/log-batch", batch, &emptyResponse{})
}

func (r *restRun) LogMetrics(metrics []Metric, step int64) error {
	timestamp := time.Now().UnixMilli()
	start := 0
	for _, end := range chunkEndIndices(len(metrics), maxMetricsPerBatch) {
		batch := make([]restMetric, 0, end-start)
		for _, m := range metrics[start:end] {
			if err := validateKey("metric", m.Key); err != nil {
				return err
			}
			batch = append(batch, restMetric{Key: m.Key, Value: metricValue(m.Val), Step: jsonInt64(step), Timestamp: jsonInt64(timestamp)})
		}
		if err := r.logBatch(logBatchRequest{Metrics: batch}); err != nil {
			return err
		}
		start = end
	}
	return nil
}

func (r *restRun) LogParam(key, value string) error {
	if err := validateParam(key, value); err != nil {
		return err
	}
	if err := r.store.do(http.MethodPost,
		"runs/log-parameter",
		logParamRequest{RunID: r.info.RunID, Key: key, Value: value},
		&emptyResponse{}); err != nil {
		return err
	}
	r.data.Params = append(r.data.Params, restKeyValue{Key: key, Value: value})
	return nil
}

func (r *restRun) LogParams(params []Param) error {
	start := 0
	for _, end := range chunkEndIndices(len(params), maxParamsPerBatch) {
		batch := make([]restKeyValue, 0, end-start)
		for _, p := range params[start:end] {
			if err := validateParam(p.Key, p.Val); err != nil {
				return err
			}
			batch = append(batch, restKeyValue{Key: p.Key, Value: p.Val})
		}
		if err := r.logBatch(logBatchRequest{Params: batch}); err != nil {
			return err
		}
		r.data.Params = append(r.data.Params, batch...)
		start = end
	}
	return nil
}

func (r *restRun) SetName(name string) error {
	if err := r.store.do(http.MethodPost,
		"runs/update",
		updateRunRequest{RunID: r.info.RunID, RunName: name},
		&updateRunResponse{}); err != nil {
		return err
	}
	r.info.RunName = name
	return nil
}

func (r *restRun) Name() string {
	return r.info.RunName
}

func (r *restRun) SetTags(tags []Tag) error {
	start := 0
	for _, end := range chunkEndIndices(len(tags), maxTagsPerBatch) {
		batch := make([]restKeyValue, 0, end-start)
		for _, t := range tags[start:end] {
			if err := validateTag(t.Key, t.Val); err != nil {
				return err
			}
			batch = append(batch, restKeyValue{Key: t.Key, Value: t.Val})
		}
		if err := r.logBatch(logBatchRequest{Tags: batch}); err != nil {
			return err
		}
		start = end
	}
	for _, tag := range tags {
		r.rememberTag(tag.Key, tag.Val)
	}
	return nil
}

func (r *restRun) terminate(status string) error {
	endTime := time.Now().UnixMilli()
	if err := r.store.do(http.MethodPost,
		"runs/update",
		updateRunRequest{RunID: r.info.RunID, EndTime: endTime, Status: status},
		&updateRunResponse{}); err != nil {
		return err
	}
	r.info.Status = status
	r.info.EndTime = jsonInt64(endTime)
	endIfActive(r)
	return nil
}

func (r *restRun) End() error {
	return r.terminate(restStatusFinished)
}

func (r *restRun) Fail() error {
	return r.terminate(restStatusFailed)
}

func (r *restRun) UIURL() string {
	return fmt.Sprintf("%sexperiments/%s/runs/%s", r.store.uiPrefix(), r.info.ExperimentID, r.info.RunID)
}

func (r *restRun) ID() string {
	return r.info.RunID
}

func (r *restRun) ExperimentID() string {
	return r.info.ExperimentID
}

func (r *restRun) GetParam(key string) (string, error) {
	for _, param := range r.data.Params {
		if param.Key == key {
			return param.Value, nil
		}
	}
	return "", fmt.Errorf("param with key %s not found", key)
}

func (rs *RESTStore) newArtifactRepo(runID, artifactURI string) (ArtifactRepo, error) {
	parsed, err := url.Parse(artifactURI)
	if err != nil {
		return nil, err
	}
	switch parsed.Scheme {
	case "dbfs":
		return NewDBFSArtifactRepo(rs, runID, artifactURI)
	case "file", "":
		return NewFileArtifactRepo(parsed.Path)
	}
	return nil, fmt.Errorf("%w: artifact repo with URI scheme %s", ErrUnsupported, parsed.Scheme)
}
