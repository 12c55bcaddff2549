package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"reviewml.com/sentiment/dataset"
	"reviewml.com/sentiment/features"
	"reviewml.com/sentiment/logger"
	"reviewml.com/sentiment/registry"
	"reviewml.com/sentiment/s3client"
	"reviewml.com/sentiment/sagemaker"
	"reviewml.com/sentiment/textnorm"
	"reviewml.com/sentiment/types"
)

// ErrNoLiveEndpoint marks a run whose model is not currently hosted.
var ErrNoLiveEndpoint = errors.New("run has no live endpoint")

// Scorer answers online scoring requests against a deployed run. The
// fitted transformer of each run is fetched from S3 once and cached.
type Scorer struct {
	registry   registryStore
	storage    artifactStorage
	models     modelService
	normalizer *textnorm.Normalizer
	batchSize  int
	sntLogger  *zerolog.Logger

	mu           sync.RWMutex
	transformers map[string]*features.Transformer
}

func NewScorer() (*Scorer, error) {
	sntLogger := logger.NewLogger("Scorer")

	registryClient, err := registry.NewClient()
	if err != nil {
		return nil, err
	}
	s3Client, err := s3client.New()
	if err != nil {
		return nil, err
	}
	smClient, err := sagemaker.New()
	if err != nil {
		return nil, err
	}
	return &Scorer{
		registry:     &registryWrapper{registryClient},
		storage:      &storageWrapper{s3Client},
		models:       &modelWrapper{smClient},
		normalizer:   textnorm.NewNormalizer(),
		batchSize:    sagemaker.DefaultPredictBatchSize,
		sntLogger:    &sntLogger,
		transformers: map[string]*features.Transformer{},
	}, nil
}

func (s *Scorer) Close() {
	s.registry.close()
	s.storage.close()
}

// Score labels the request's reviews with the model of the requested
// run (the latest run when the id is empty). Results keep request
// order.
func (s *Scorer) Score(ctx context.Context, request types.ScoreRequest) (*types.ScoreResponse, error) {
	if len(request.Reviews) == 0 {
		return nil, errors.New("no reviews to score")
	}

	var run *registry.Run
	var err error
	if request.RunID == "" {
		run, err = s.registry.latestRun()
	} else {
		run, err = s.registry.getRun(request.RunID)
	}
	if err != nil {
		return nil, err
	}
	if !run.Status.Live() || run.EndpointName == "" {
		return nil, fmt.Errorf("run %s (status %q): %w", run.ID, run.Status, ErrNoLiveEndpoint)
	}

	transformer, err := s.transformerFor(run)
	if err != nil {
		return nil, err
	}
	matrix, err := transformer.Transform(s.buildRows(request.Reviews))
	if err != nil {
		return nil, err
	}
	predictions, err := s.models.predict(ctx, run.EndpointName, matrix, s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to invoke endpoint: %w", err)
	}

	results := make([]types.ScoredReview, len(predictions))
	for i, p := range predictions {
		results[i] = types.ScoredReview{Label: p.Label, Score: p.Score}
	}
	return &types.ScoreResponse{
		RunID:    run.ID,
		Endpoint: run.EndpointName,
		Results:  results,
	}, nil
}

func (s *Scorer) transformerFor(run *registry.Run) (*features.Transformer, error) {
	s.mu.RLock()
	cached, ok := s.transformers[run.ID]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}
	if run.TransformerKey == "" {
		return nil, fmt.Errorf("run %s has no transformer artifact", run.ID)
	}
	data, err := s.storage.download(run.TransformerKey)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transformer: %w", err)
	}
	transformer, err := features.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.transformers[run.ID] = transformer
	s.mu.Unlock()
	return transformer, nil
}

func (s *Scorer) buildRows(reviews []types.ReviewInput) *dataset.Dataset {
	rows := make([]dataset.Row, len(reviews))
	for i, review := range reviews {
		row := dataset.Row{
			Time:     review.Time,
			LogVotes: review.LogVotes,
		}
		if review.Verified != nil {
			row.Verified = *review.Verified
		}
		row.ReviewText = normalizedCell(s.normalizer, review.ReviewText)
		row.Summary = normalizedCell(s.normalizer, review.Summary)
		rows[i] = row
	}
	return &dataset.Dataset{Rows: rows}
}
