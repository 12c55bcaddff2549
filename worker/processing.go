package worker

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
	"reviewml.com/sentiment/dataset"
	"reviewml.com/sentiment/features"
	"reviewml.com/sentiment/registry"
	"reviewml.com/sentiment/types"
	"reviewml.com/sentiment/utils"
)

// Message is one scoring request taken off the task queue. An empty
// run id targets the latest run.
type Message struct {
	WorkType  string              `json:"work_type"`
	RunID     string              `json:"run_id"`
	RequestID string              `json:"request_id"`
	Sender    string              `json:"sender"`
	Reviews   []types.ReviewInput `json:"reviews"`
}

// Result is the reply published to the results queue. Error is set
// instead of Results when the run could not serve the request.
type Result struct {
	RequestID string               `json:"request_id"`
	RunID     string               `json:"run_id"`
	Sender    string               `json:"sender"`
	Results   []types.ScoredReview `json:"results,omitempty"`
	Error     string               `json:"error,omitempty"`
}

type Task struct {
	delivery  *amqp.Delivery
	run       *registry.Run
	message   *Message
	runID     string
	result    *Result
	sntLogger *zerolog.Logger
}

func (worker *Worker) processMessage(delivery *amqp.Delivery) {
	task, err := worker.createTask(delivery)
	rejectLogger := worker.sntLogger.With().Str("message_id", delivery.MessageId).Logger()
	if err != nil {
		worker.sntLogger.Err(err).
			Str("message_id", delivery.MessageId).
			Str("body", string(delivery.Body)).
			Msg("Failed to create task for delivery")
		worker.rmq.rejectDelivery(delivery, &rejectLogger)
		return
	}
	worker.processTask(task)
	if err = worker.rmq.publishResults(task); err != nil {
		task.sntLogger.Err(err).Msg("Got error while sending message to results queue")
		worker.rmq.rejectDelivery(delivery, &rejectLogger)
		return
	}
	if err = worker.rmq.acknowledgeDelivery(delivery); err != nil {
		task.sntLogger.Err(err).Msg("Failed to acknowledge delivery")
	}
	task.sntLogger.Info().Msg("Finished processing RMQ message")
}

func (worker *Worker) createTask(delivery *amqp.Delivery) (*Task, error) {
	var message Message
	err := json.Unmarshal(delivery.Body, &message)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal message, got error %w", err)
	}
	if len(message.Reviews) == 0 {
		return nil, errors.New("message contains no reviews")
	}
	run, err := worker.registry.getRun(message.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run for message, got error %w", err)
	}
	taskLogger := worker.sntLogger.With().
		Str("run_id", run.ID).
		Str("request_id", message.RequestID).
		Logger()
	task := Task{
		delivery: delivery,
		run:      run,
		message:  &message,
		runID:    run.ID,
		result: &Result{
			RequestID: message.RequestID,
			RunID:     run.ID,
			Sender:    "scorer",
		},
		sntLogger: &taskLogger,
	}
	return &task, nil
}

// processTask fills task.result. Scoring failures are reported back on
// the results queue rather than retried, so they never return an error
// to the delivery loop.
func (worker *Worker) processTask(task *Task) {
	if !worker.shouldScoreRun(task) {
		return
	}
	if err := worker.scoreReviews(task); err != nil {
		task.sntLogger.Err(err).Msg("Got error while scoring reviews")
		task.result.Error = err.Error()
		return
	}
	task.sntLogger.Info().Msg("Scored reviews, publishing results")
}

func (worker *Worker) scoreReviews(task *Task) (err error) {
	defer utils.RecoverWithError(&err)
	transformer, err := worker.getTransformer(task)
	if err != nil {
		task.sntLogger.Err(err).Caller().Msg("Could not fetch transformer from s3")
		return fmt.Errorf("failed to fetch transformer: %w", err)
	}
	matrix, err := transformer.Transform(worker.buildRows(task.message.Reviews))
	if err != nil {
		return err
	}
	predictions, err := worker.endpoint.predict(task.run.EndpointName, matrix, worker.config.PredictBatchSize)
	if err != nil {
		return fmt.Errorf("failed to invoke endpoint: %w", err)
	}
	results := make([]types.ScoredReview, len(predictions))
	for i, p := range predictions {
		results[i] = types.ScoredReview{Label: p.Label, Score: p.Score}
	}
	task.result.Results = results
	return nil
}

func (worker *Worker) shouldScoreRun(task *Task) bool {
	if !task.run.Status.Live() || task.run.EndpointName == "" {
		task.sntLogger.Info().
			Str("status", string(task.run.Status)).
			Msg("Run has no live endpoint, reporting back without scoring")
		task.result.Error = fmt.Sprintf("run %s has no live endpoint (status %q)", task.run.ID, task.run.Status)
		return false
	}
	return true
}

// getTransformer resolves the fitted transformer of the task's run,
// fetching it from S3 on first use and caching it per run.
func (worker *Worker) getTransformer(task *Task) (*features.Transformer, error) {
	worker.mu.RLock()
	cached, ok := worker.transformers[task.runID]
	worker.mu.RUnlock()
	if ok {
		return cached, nil
	}
	if task.run.TransformerKey == "" {
		return nil, errors.New("run has no transformer artifact")
	}
	data, err := worker.s3.getTransformer(task)
	if err != nil {
		return nil, err
	}
	transformer, err := features.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	worker.mu.Lock()
	worker.transformers[task.runID] = transformer
	worker.mu.Unlock()
	return transformer, nil
}

// buildRows converts raw review inputs into dataset rows with
// normalized text, ready for the transformer.
func (worker *Worker) buildRows(reviews []types.ReviewInput) *dataset.Dataset {
	rows := make([]dataset.Row, len(reviews))
	for i, review := range reviews {
		row := dataset.Row{
			Time:     review.Time,
			LogVotes: review.LogVotes,
		}
		if review.Verified != nil {
			row.Verified = *review.Verified
		}
		if text := worker.normalizer.Normalize(stringValue(review.ReviewText)); text != "" {
			row.ReviewText = &text
		}
		if summary := worker.normalizer.Normalize(stringValue(review.Summary)); summary != "" {
			row.Summary = &summary
		}
		rows[i] = row
	}
	return &dataset.Dataset{Rows: rows}
}

func stringValue(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
