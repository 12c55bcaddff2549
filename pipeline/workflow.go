package pipeline

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"reviewml.com/sentiment/dataset"
	"reviewml.com/sentiment/evaluate"
	"reviewml.com/sentiment/experiment"
	"reviewml.com/sentiment/features"
	"reviewml.com/sentiment/logger"
	"reviewml.com/sentiment/registry"
	"reviewml.com/sentiment/s3client"
	"reviewml.com/sentiment/sagemaker"
	"reviewml.com/sentiment/textnorm"
)

// Report collects what one workflow execution produced, for the CLI and
// the logs. The registry run document holds the same facts durably.
type Report struct {
	RunID             string                 `json:"run_id"`
	DatasetStats      dataset.Stats          `json:"dataset_stats"`
	TrainRows         int                    `json:"train_rows"`
	ValidationRows    int                    `json:"validation_rows"`
	TestRows          int                    `json:"test_rows"`
	FeatureDim        int                    `json:"feature_dim"`
	TrainingJobName   string                 `json:"training_job_name"`
	TrainingMetrics   []sagemaker.Metric     `json:"training_metrics"`
	ModelArtifactsURI string                 `json:"model_artifacts_uri"`
	Endpoint          sagemaker.EndpointInfo `json:"endpoint"`
	Evaluation        evaluate.Summary       `json:"evaluation"`
	Baseline          evaluate.Summary       `json:"baseline"`
}

func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s\n", r.RunID)
	fmt.Fprintf(&b, "dataset: %s\n", r.DatasetStats.String())
	fmt.Fprintf(&b, "split: train=%d validation=%d test=%d\n", r.TrainRows, r.ValidationRows, r.TestRows)
	fmt.Fprintf(&b, "features: dim=%d\n", r.FeatureDim)
	fmt.Fprintf(&b, "training job: %s\n", r.TrainingJobName)
	for _, m := range r.TrainingMetrics {
		fmt.Fprintf(&b, "  %s=%v\n", m.Name, m.Value)
	}
	fmt.Fprintf(&b, "model artifacts: %s\n", r.ModelArtifactsURI)
	fmt.Fprintf(&b, "endpoint: %s\n", r.Endpoint.EndpointName)
	fmt.Fprintf(&b, "model: %s\n", r.Evaluation.String())
	fmt.Fprintf(&b, "vader: %s", r.Baseline.String())
	return b.String()
}

// Workflow drives one run end to end: dataset preparation, feature
// engineering, managed training, hosting and evaluation. Stages run
// sequentially; a failing stage marks the run failed and aborts.
type Workflow struct {
	experiment *experiment.Experiment
	registry   registryStore
	storage    artifactStorage
	models     modelService
	normalizer *textnorm.Normalizer
	sntLogger  *zerolog.Logger
}

func NewWorkflow(exp *experiment.Experiment) (*Workflow, error) {
	sntLogger := logger.NewLogger("Workflow")

	normalizer := textnorm.NewNormalizer()
	if exp.ExtraStopWordsFile != "" {
		if err := normalizer.LoadExtraStopWords(exp.ExtraStopWordsFile); err != nil {
			return nil, err
		}
	}
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
	return &Workflow{
		experiment: exp,
		registry:   &registryWrapper{registryClient},
		storage:    &storageWrapper{s3Client},
		models:     &modelWrapper{smClient},
		normalizer: normalizer,
		sntLogger:  &sntLogger,
	}, nil
}

func (w *Workflow) Close() {
	w.registry.close()
	w.storage.close()
}

// execution carries the intermediate stage products of one run.
type execution struct {
	report *Report
	keys   artifactKeys

	train      *dataset.Dataset
	validation *dataset.Dataset
	test       *dataset.Dataset
	rawTest    *dataset.Dataset

	transformer      *features.Transformer
	trainMatrix      [][]float64
	validationMatrix [][]float64
	testMatrix       [][]float64
}

type artifactKeys struct {
	train       string
	validation  string
	test        string
	transformer string
	modelOutput string
}

func keysFor(runID string) artifactKeys {
	base := path.Join("runs", runID)
	return artifactKeys{
		train:       path.Join(base, "data", "train.csv"),
		validation:  path.Join(base, "data", "validation.csv"),
		test:        path.Join(base, "data", "test.csv"),
		transformer: path.Join(base, "transformer.json"),
		modelOutput: path.Join(base, "model"),
	}
}

func newRunID(name string) string {
	return fmt.Sprintf("%s-%s", name, time.Now().UTC().Format("20060102-150405"))
}

// Execute runs the whole workflow against one dataset file and leaves
// the trained model serving on a live endpoint.
func (w *Workflow) Execute(ctx context.Context, datasetPath string) (*Report, error) {
	x := &execution{report: &Report{}}
	if err := w.prepareData(x, datasetPath); err != nil {
		if x.report.RunID == "" {
			return nil, err
		}
		return x.report, w.fail(x.report.RunID, err)
	}
	if err := w.uploadArtifacts(x); err != nil {
		return x.report, w.fail(x.report.RunID, err)
	}
	if err := w.trainModel(ctx, x); err != nil {
		return x.report, w.fail(x.report.RunID, err)
	}
	if err := w.deployModel(ctx, x); err != nil {
		return x.report, w.fail(x.report.RunID, err)
	}
	if err := w.evaluateModel(ctx, x); err != nil {
		return x.report, w.fail(x.report.RunID, err)
	}
	w.sntLogger.Info().Str("run_id", x.report.RunID).Msg("Run evaluated, endpoint left in service")
	return x.report, nil
}

// prepareData loads and corrects the dataset, normalizes the text
// columns, splits it and fits the feature transformer on the training
// subset only.
func (w *Workflow) prepareData(x *execution, datasetPath string) error {
	ds, err := dataset.LoadColumns(datasetPath, w.experiment.DatasetColumns())
	if err != nil {
		return fmt.Errorf("failed to load dataset: %w", err)
	}

	runID := newRunID(w.experiment.Name)
	run := &registry.Run{
		ID:                    runID,
		Experiment:            w.experiment.Name,
		ExperimentFingerprint: fmt.Sprintf("%016x", w.experiment.Fingerprint()),
		DatasetPath:           datasetPath,
		DatasetFingerprint:    fmt.Sprintf("%016x", ds.Fingerprint),
	}
	if err = w.registry.createRun(run); err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	x.report.RunID = runID
	w.sntLogger.Info().Str("run_id", runID).Str("dataset", datasetPath).Msg("Run created")

	// source labels arrive flipped; correct them exactly once
	ds.InvertLabels()
	raw := ds.Clone()
	w.normalizeText(ds)
	x.report.DatasetStats = ds.Stats()
	w.sntLogger.Info().Str("run_id", runID).Msg(x.report.DatasetStats.String())

	ratios := w.experiment.SplitRatios()
	seed := w.experiment.Split.Seed
	x.train, x.validation, x.test, err = dataset.Split(ds, ratios, seed)
	if err != nil {
		return err
	}
	// same seed, same permutation: the raw test rows line up with the
	// normalized ones, keeping punctuation and casing for the baseline
	_, _, x.rawTest, err = dataset.Split(raw, ratios, seed)
	if err != nil {
		return err
	}
	x.report.TrainRows = x.train.Len()
	x.report.ValidationRows = x.validation.Len()
	x.report.TestRows = x.test.Len()

	x.transformer = features.NewTransformer(w.experiment.FeatureConfig())
	if err = x.transformer.Fit(x.train); err != nil {
		return err
	}
	x.report.FeatureDim = x.transformer.Dim()

	if x.trainMatrix, err = x.transformer.Transform(x.train); err != nil {
		return err
	}
	if x.validationMatrix, err = x.transformer.Transform(x.validation); err != nil {
		return err
	}
	if x.testMatrix, err = x.transformer.Transform(x.test); err != nil {
		return err
	}
	return nil
}

func (w *Workflow) normalizeText(ds *dataset.Dataset) {
	for i := range ds.Rows {
		row := &ds.Rows[i]
		row.ReviewText = normalizedCell(w.normalizer, row.ReviewText)
		row.Summary = normalizedCell(w.normalizer, row.Summary)
	}
}

func normalizedCell(n *textnorm.Normalizer, cell *string) *string {
	if cell == nil {
		return nil
	}
	normalized := n.Normalize(*cell)
	if normalized == "" {
		return nil
	}
	return &normalized
}

// uploadArtifacts writes the three labeled CSV files and the fitted
// transformer document under the run's prefix.
func (w *Workflow) uploadArtifacts(x *execution) error {
	runID := x.report.RunID
	x.keys = keysFor(runID)

	trainCSV, err := sagemaker.EncodeTrainingCSV(features.Labels(x.train), x.trainMatrix)
	if err != nil {
		return err
	}
	validationCSV, err := sagemaker.EncodeTrainingCSV(features.Labels(x.validation), x.validationMatrix)
	if err != nil {
		return err
	}
	testCSV, err := sagemaker.EncodeTrainingCSV(features.Labels(x.test), x.testMatrix)
	if err != nil {
		return err
	}
	transformerDoc, err := x.transformer.Marshal()
	if err != nil {
		return err
	}

	uploads := []struct {
		key  string
		data string
	}{
		{x.keys.train, trainCSV},
		{x.keys.validation, validationCSV},
		{x.keys.test, testCSV},
		{x.keys.transformer, string(transformerDoc)},
	}
	for _, u := range uploads {
		if err = w.storage.upload(u.data, u.key); err != nil {
			return fmt.Errorf("failed to upload %s: %w", u.key, err)
		}
		w.sntLogger.Info().Str("run_id", runID).Str("key", u.key).Msg("Uploaded artifact")
	}

	_, err = w.registry.updateRun(runID, registry.Patch{
		"status":              registry.RunStatusPreprocessed,
		"labels_inverted":     true,
		"train_rows":          x.train.Len(),
		"validation_rows":     x.validation.Len(),
		"test_rows":           x.test.Len(),
		"feature_dim":         x.report.FeatureDim,
		"train_data_key":      x.keys.train,
		"validation_data_key": x.keys.validation,
		"test_data_key":       x.keys.test,
		"transformer_key":     x.keys.transformer,
	})
	return err
}

// trainModel starts the managed training job, waits it out and records
// the final metrics and the model artifact address.
func (w *Workflow) trainModel(ctx context.Context, x *execution) error {
	runID := x.report.RunID
	spec := sagemaker.TrainingSpec{
		JobName:           runID,
		TrainDataURI:      w.storage.uri(x.keys.train),
		ValidationDataURI: w.storage.uri(x.keys.validation),
		OutputURI:         w.storage.uri(x.keys.modelOutput),
		FeatureDim:        x.report.FeatureDim,
		InstanceType:      w.experiment.Training.InstanceType,
		InstanceCount:     w.experiment.Training.InstanceCount,
		VolumeSizeGB:      w.experiment.Training.VolumeSizeGB,
		MaxRuntimeSeconds: w.experiment.Training.MaxRuntimeSeconds,
		Epochs:            w.experiment.Training.Epochs,
		MiniBatchSize:     w.experiment.Training.MiniBatchSize,
		Hyperparameters:   w.experiment.Hyperparameters,
	}
	jobName, err := w.models.train(ctx, spec)
	if err != nil {
		return err
	}
	x.report.TrainingJobName = jobName
	if _, err = w.registry.updateRun(runID, registry.Patch{"training_job_name": jobName}); err != nil {
		return err
	}

	if err = w.models.waitTraining(ctx, jobName); err != nil {
		return err
	}
	metrics, err := w.models.trainingMetrics(ctx, jobName)
	if err != nil {
		return err
	}
	x.report.TrainingMetrics = metrics

	artifactsURI, err := w.models.modelArtifacts(ctx, jobName)
	if err != nil {
		return err
	}
	x.report.ModelArtifactsURI = artifactsURI

	_, err = w.registry.updateRun(runID, registry.Patch{
		"status":              registry.RunStatusTrained,
		"training_metrics":    metricsMap(metrics),
		"model_artifacts_uri": artifactsURI,
	})
	return err
}

// deployModel hosts the trained model and waits for the endpoint to
// accept traffic. Resources created before a failure are released.
func (w *Workflow) deployModel(ctx context.Context, x *execution) error {
	runID := x.report.RunID
	spec := sagemaker.DeploySpec{
		ModelName:          runID + "-model",
		EndpointConfigName: runID + "-config",
		EndpointName:       runID + "-endpoint",
		ModelDataURI:       x.report.ModelArtifactsURI,
		InstanceType:       w.experiment.Endpoint.InstanceType,
		InstanceCount:      w.experiment.Endpoint.InstanceCount,
	}
	info, err := w.models.deploy(ctx, spec)
	if err != nil {
		w.releaseHosting(ctx, info)
		return err
	}
	x.report.Endpoint = info

	_, err = w.registry.updateRun(runID, registry.Patch{
		"model_name":           info.ModelName,
		"endpoint_config_name": info.EndpointConfigName,
		"endpoint_name":        info.EndpointName,
	})
	if err != nil {
		return err
	}

	if err = w.models.waitEndpoint(ctx, info.EndpointName); err != nil {
		w.releaseHosting(ctx, info)
		return err
	}
	_, err = w.registry.updateRun(runID, registry.Patch{"status": registry.RunStatusDeployed})
	return err
}

// evaluateModel scores the held-out test rows on the live endpoint and
// compares the model with the VADER baseline over the raw test text.
func (w *Workflow) evaluateModel(ctx context.Context, x *execution) error {
	runID := x.report.RunID
	predictions, err := w.models.predict(ctx, x.report.Endpoint.EndpointName, x.testMatrix, w.experiment.Endpoint.BatchSize)
	if err != nil {
		return err
	}
	predicted := make([]int, len(predictions))
	for i, p := range predictions {
		predicted[i] = p.Label
	}
	truth := features.Labels(x.test)

	summary, err := evaluate.Metrics(truth, predicted)
	if err != nil {
		return err
	}
	x.report.Evaluation = summary

	baseline, err := evaluate.Metrics(truth, evaluate.VaderBaseline(rawTexts(x.rawTest)))
	if err != nil {
		return err
	}
	x.report.Baseline = baseline

	_, err = w.registry.updateRun(runID, registry.Patch{
		"status":     registry.RunStatusEvaluated,
		"evaluation": summary,
		"baseline":   baseline,
	})
	return err
}

// Teardown removes the hosting resources of a run (the latest one when
// id is empty) and closes out its registry document.
func (w *Workflow) Teardown(ctx context.Context, runID string) error {
	var run *registry.Run
	var err error
	if runID == "" {
		run, err = w.registry.latestRun()
	} else {
		run, err = w.registry.getRun(runID)
	}
	if err != nil {
		return err
	}

	info := sagemaker.EndpointInfo{
		EndpointName:       run.EndpointName,
		EndpointConfigName: run.EndpointConfigName,
		ModelName:          run.ModelName,
	}
	if info.EndpointName == "" && info.EndpointConfigName == "" && info.ModelName == "" {
		return fmt.Errorf("run %s has no hosting resources", run.ID)
	}
	if err = w.models.teardown(ctx, info); err != nil {
		return err
	}

	_, err = w.registry.updateRun(run.ID, registry.Patch{
		"status":       registry.RunStatusTornDown,
		"completed_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	w.sntLogger.Info().Str("run_id", run.ID).Msg("Hosting resources torn down")
	return nil
}

func (w *Workflow) fail(runID string, cause error) error {
	if _, err := w.registry.markFailed(runID, cause); err != nil {
		w.sntLogger.Err(err).Str("run_id", runID).Msg("Failed to record run failure")
	}
	return cause
}

func (w *Workflow) releaseHosting(ctx context.Context, info sagemaker.EndpointInfo) {
	if err := w.models.teardown(ctx, info); err != nil {
		w.sntLogger.Err(err).Msg("Failed to release hosting resources")
	}
}

func metricsMap(metrics []sagemaker.Metric) map[string]float64 {
	out := make(map[string]float64, len(metrics))
	for _, m := range metrics {
		out[m.Name] = m.Value
	}
	return out
}

func rawTexts(d *dataset.Dataset) []string {
	out := make([]string, d.Len())
	for i := range d.Rows {
		if d.Rows[i].ReviewText != nil {
			out[i] = *d.Rows[i].ReviewText
		}
	}
	return out
}
