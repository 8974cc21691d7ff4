// Package mlflow is a typed client for the MLflow tracking and model registry
// REST API. It covers the slice of the API the training pipeline uses:
// connectivity checking, experiments, runs, params, step metrics, artifact
// upload, and model registration with stage transition.
package mlflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"
)

const apiPrefix = "/api/2.0/mlflow"

// Client talks to one MLflow tracking server.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(time.Duration)
}

// New creates a client for the given tracking URI.
func New(trackingURI string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(trackingURI, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		sleep:      time.Sleep,
	}
}

// HealthCheck probes GET /health up to maxAttempts times with exponential
// backoff (2s, 4s, 8s). It returns nil on the first 200 response and an error
// once all attempts are exhausted. Training treats that error as fatal so a
// run never starts against an unreachable server.
func (c *Client) HealthCheck(maxAttempts int) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := c.httpClient.Get(c.baseURL + "/health")
		if err != nil {
			lastErr = err
		} else {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			lastErr = fmt.Errorf("health endpoint returned HTTP %d", resp.StatusCode)
		}

		if attempt < maxAttempts {
			wait := time.Duration(1<<uint(attempt)) * time.Second
			c.sleep(wait)
		}
	}
	return fmt.Errorf("tracking server %s unreachable after %d attempts: %w",
		c.baseURL, maxAttempts, lastErr)
}

// SetExperiment returns the ID of the named experiment, creating it when it
// does not exist yet.
func (c *Client) SetExperiment(name string) (string, error) {
	var got struct {
		Experiment struct {
			ExperimentID string `json:"experiment_id"`
		} `json:"experiment"`
	}
	err := c.get("/experiments/get-by-name", url.Values{"experiment_name": {name}}, &got)
	if err == nil {
		return got.Experiment.ExperimentID, nil
	}

	var created struct {
		ExperimentID string `json:"experiment_id"`
	}
	if err := c.post("/experiments/create", map[string]any{"name": name}, &created); err != nil {
		return "", fmt.Errorf("creating experiment %q: %w", name, err)
	}
	return created.ExperimentID, nil
}

// StartRun creates a run in the experiment and returns its ID.
func (c *Client) StartRun(experimentID, runName string) (string, error) {
	body := map[string]any{
		"experiment_id": experimentID,
		"run_name":      runName,
		"start_time":    time.Now().UnixMilli(),
	}
	var got struct {
		Run struct {
			Info struct {
				RunID string `json:"run_id"`
			} `json:"info"`
		} `json:"run"`
	}
	if err := c.post("/runs/create", body, &got); err != nil {
		return "", fmt.Errorf("creating run: %w", err)
	}
	return got.Run.Info.RunID, nil
}

// LogParams records run parameters in one batch.
func (c *Client) LogParams(runID string, params map[string]string) error {
	type kv struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	batch := make([]kv, 0, len(params))
	for k, v := range params {
		batch = append(batch, kv{k, v})
	}
	body := map[string]any{"run_id": runID, "params": batch}
	if err := c.post("/runs/log-batch", body, nil); err != nil {
		return fmt.Errorf("logging params: %w", err)
	}
	return nil
}

// LogMetrics records metric values at the given step in one batch.
func (c *Client) LogMetrics(runID string, values map[string]float64, step int) error {
	type metric struct {
		Key       string  `json:"key"`
		Value     float64 `json:"value"`
		Timestamp int64   `json:"timestamp"`
		Step      int     `json:"step"`
	}
	now := time.Now().UnixMilli()
	batch := make([]metric, 0, len(values))
	for k, v := range values {
		batch = append(batch, metric{k, v, now, step})
	}
	body := map[string]any{"run_id": runID, "metrics": batch}
	if err := c.post("/runs/log-batch", body, nil); err != nil {
		return fmt.Errorf("logging metrics at step %d: %w", step, err)
	}
	return nil
}

// LogArtifact uploads a local file under the run's artifact root, placed in
// artifactPath (for example "logs" or "plots").
func (c *Client) LogArtifact(runID, localPath, artifactPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("reading artifact: %w", err)
	}

	remote := path.Join(runID, "artifacts", artifactPath, path.Base(localPath))
	endpoint := c.baseURL + "/api/2.0/mlflow-artifacts/artifacts/" + remote

	req, err := http.NewRequest(http.MethodPut, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("uploading artifact %s: %w", localPath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("uploading artifact %s: HTTP %d: %s", localPath, resp.StatusCode, msg)
	}
	return nil
}

// EndRun marks the run finished.
func (c *Client) EndRun(runID string) error {
	body := map[string]any{
		"run_id":   runID,
		"status":   "FINISHED",
		"end_time": time.Now().UnixMilli(),
	}
	if err := c.post("/runs/update", body, nil); err != nil {
		return fmt.Errorf("ending run: %w", err)
	}
	return nil
}

// RegisterModel registers a new version of the named model pointing at the
// run's model artifacts, creating the registered model when absent. It
// returns the new version string.
func (c *Client) RegisterModel(runID, name string) (string, error) {
	// Create is idempotent for our purposes: an already-exists error is fine.
	if err := c.post("/registered-models/create", map[string]any{"name": name}, nil); err != nil {
		if !strings.Contains(err.Error(), "RESOURCE_ALREADY_EXISTS") {
			return "", fmt.Errorf("creating registered model %q: %w", name, err)
		}
	}

	body := map[string]any{
		"name":   name,
		"run_id": runID,
		"source": fmt.Sprintf("runs:/%s/model", runID),
	}
	var got struct {
		ModelVersion struct {
			Version string `json:"version"`
		} `json:"model_version"`
	}
	if err := c.post("/model-versions/create", body, &got); err != nil {
		return "", fmt.Errorf("creating model version: %w", err)
	}
	return got.ModelVersion.Version, nil
}

// TransitionStage moves a model version to the given stage ("Staging",
// "Production", "Archived").
func (c *Client) TransitionStage(name, version, stage string) error {
	body := map[string]any{
		"name":    name,
		"version": version,
		"stage":   stage,
		"archive_existing_versions": true,
	}
	if err := c.post("/model-versions/transition-stage", body, nil); err != nil {
		return fmt.Errorf("transitioning %s v%s to %s: %w", name, version, stage, err)
	}
	return nil
}

func (c *Client) get(endpoint string, query url.Values, out any) error {
	u := c.baseURL + apiPrefix + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	resp, err := c.httpClient.Get(u)
	if err != nil {
		return err
	}
	return c.decode(resp, out)
}

func (c *Client) post(endpoint string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Post(c.baseURL+apiPrefix+endpoint, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	return c.decode(resp, out)
}

func (c *Client) decode(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
