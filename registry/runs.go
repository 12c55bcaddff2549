package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/go-redis/redis/v8"

	"reviewml.com/sentiment/evaluate"
)

type RunStatus string

const (
	RunStatusCreated      RunStatus = "created"
	RunStatusPreprocessed RunStatus = "preprocessed"
	RunStatusTrained      RunStatus = "trained"
	RunStatusDeployed     RunStatus = "deployed"
	RunStatusEvaluated    RunStatus = "evaluated"
	RunStatusTornDown     RunStatus = "torn down"
	RunStatusFailed       RunStatus = "failed"
)

// Terminal reports whether the run will see no further transitions.
func (status RunStatus) Terminal() bool {
	return status == RunStatusTornDown || status == RunStatusFailed
}

// Live reports whether the run has an endpoint accepting requests.
func (status RunStatus) Live() bool {
	return status == RunStatusDeployed || status == RunStatusEvaluated
}

// ErrNotFound is returned when a run document or the latest-run
// pointer does not exist.
var ErrNotFound = errors.New("registry: run not found")

// Run is the document tracking one workflow execution end to end.
type Run struct {
	ID                    string             `json:"id"`
	Experiment            string             `json:"experiment"`
	ExperimentFingerprint string             `json:"experiment_fingerprint,omitempty"`
	DatasetPath           string             `json:"dataset_path,omitempty"`
	DatasetFingerprint    string             `json:"dataset_fingerprint,omitempty"`
	LabelsInverted        bool               `json:"labels_inverted"`
	TrainRows             int                `json:"train_rows,omitempty"`
	ValidationRows        int                `json:"validation_rows,omitempty"`
	TestRows              int                `json:"test_rows,omitempty"`
	FeatureDim            int                `json:"feature_dim,omitempty"`
	TrainDataKey          string             `json:"train_data_key,omitempty"`
	ValidationDataKey     string             `json:"validation_data_key,omitempty"`
	TestDataKey           string             `json:"test_data_key,omitempty"`
	TransformerKey        string             `json:"transformer_key,omitempty"`
	TrainingJobName       string             `json:"training_job_name,omitempty"`
	ModelArtifactsURI     string             `json:"model_artifacts_uri,omitempty"`
	ModelName             string             `json:"model_name,omitempty"`
	EndpointConfigName    string             `json:"endpoint_config_name,omitempty"`
	EndpointName          string             `json:"endpoint_name,omitempty"`
	TrainingMetrics       map[string]float64 `json:"training_metrics,omitempty"`
	Evaluation            *evaluate.Summary  `json:"evaluation,omitempty"`
	Baseline              *evaluate.Summary  `json:"baseline,omitempty"`
	Status                RunStatus          `json:"status"`
	ErrorMessages         []string           `json:"error_messages,omitempty"`
	CreatedAt             string             `json:"created_at,omitempty"`
	UpdatedAt             string             `json:"updated_at,omitempty"`
	CompletedAt           string             `json:"completed_at,omitempty"`
}

// Patch is a partial run document applied as a JSON merge patch.
// Keys are the Run json field names.
type Patch map[string]interface{}

const latestRunKey = "runs:latest"

func runKey(id string) string {
	return fmt.Sprintf("run:%s", id)
}

// Client stores run documents in Redis.
type Client struct {
	store store
}

func NewClient() (*Client, error) {
	st, err := newRedisStore(RunsDB)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry client: %w", err)
	}
	return &Client{store: st}, nil
}

func (c *Client) Close() error {
	return c.store.Close()
}

// Create stores a new run document and points runs:latest at it.
func (c *Client) Create(run *Run) error {
	if run.ID == "" {
		return errors.New("registry: run id is empty")
	}
	if run.Status == "" {
		run.Status = RunStatusCreated
	}
	now := formattedNow()
	run.CreatedAt = now
	run.UpdatedAt = now
	body, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run %s: %w", run.ID, err)
	}
	if err = c.store.Set(runKey(run.ID), body); err != nil {
		return fmt.Errorf("failed to store run %s: %w", run.ID, err)
	}
	if err = c.store.Set(latestRunKey, []byte(run.ID)); err != nil {
		return fmt.Errorf("failed to update latest run pointer: %w", err)
	}
	return nil
}

// Get fetches one run document by id.
func (c *Client) Get(id string) (*Run, error) {
	body, err := c.store.Get(runKey(id))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch run %s: %w", id, err)
	}
	var run Run
	if err = json.Unmarshal(body, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run %s: %w", id, err)
	}
	return &run, nil
}

// Latest resolves the runs:latest pointer and fetches that run.
func (c *Client) Latest() (*Run, error) {
	id, err := c.store.Get(latestRunKey)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch latest run pointer: %w", err)
	}
	return c.Get(string(id))
}

// Update applies a merge patch to the stored document under a lock and
// returns the patched run. Absent keys keep their stored values.
func (c *Client) Update(id string, patch Patch) (run *Run, err error) {
	key := runKey(id)
	releaseLock, err := c.store.Lock(key)
	if err != nil {
		return nil, fmt.Errorf("failed to lock run %s: %w", id, err)
	}
	defer func() {
		if releaseErr := releaseLock(); releaseErr != nil && err == nil {
			err = releaseErr
		}
	}()
	current, err := c.store.Get(key)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch run %s: %w", id, err)
	}
	patch["updated_at"] = formattedNow()
	patchBody, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal patch for run %s: %w", id, err)
	}
	merged, err := jsonpatch.MergePatch(current, patchBody)
	if err != nil {
		return nil, fmt.Errorf("failed to patch run %s: %w", id, err)
	}
	if err = c.store.Set(key, merged); err != nil {
		return nil, fmt.Errorf("failed to store run %s: %w", id, err)
	}
	run = &Run{}
	if err = json.Unmarshal(merged, run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run %s: %w", id, err)
	}
	return run, nil
}

// SetStatus patches only the run status.
func (c *Client) SetStatus(id string, status RunStatus) (*Run, error) {
	return c.Update(id, Patch{"status": status})
}

// MarkFailed records the cause and moves the run to the failed status.
func (c *Client) MarkFailed(id string, cause error) (*Run, error) {
	run, err := c.Get(id)
	if err != nil {
		return nil, err
	}
	messages := append(run.ErrorMessages, cause.Error())
	return c.Update(id, Patch{
		"status":         RunStatusFailed,
		"error_messages": messages,
		"completed_at":   formattedNow(),
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, redis.Nil)
}

func formattedNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}
