package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"reviewml.com/sentiment/experiment"
	"reviewml.com/sentiment/features"
	"reviewml.com/sentiment/logger"
	"reviewml.com/sentiment/registry"
	"reviewml.com/sentiment/sagemaker"
	"reviewml.com/sentiment/textnorm"
)

var testCtx = context.Background()

type servicesConfig struct {
	registry registryStoreMockConfig
	storage  storageMockConfig
	models   modelServiceMockConfig
}

type mockedServices struct {
	registry *registryStoreMock
	storage  *storageMock
	models   *modelServiceMock
}

func testExperiment() *experiment.Experiment {
	exp := experiment.Default()
	exp.Vocabulary = experiment.VocabularyConfig{Summary: 5, ReviewText: 10}
	return &exp
}

func configureWorkflow(config servicesConfig) (*Workflow, *mockedServices) {
	sntLogger := logger.NewLogger("Workflow")
	mocks := &mockedServices{
		registry: &registryStoreMock{config: config.registry},
		storage:  &storageMock{config: config.storage},
		models:   &modelServiceMock{config: config.models},
	}
	workflow := &Workflow{
		experiment: testExperiment(),
		registry:   mocks.registry,
		storage:    mocks.storage,
		models:     mocks.models,
		normalizer: textnorm.NewNormalizer(),
		sntLogger:  &sntLogger,
	}
	return workflow, mocks
}

// writeDataset writes a small review file. Every row carries the source
// label 0.0, which the workflow inverts to the positive class, and text
// the lexicon baseline reads as clearly positive.
func writeDataset(t *testing.T, rows int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("reviewText,summary,verified,time,log_votes,isPositive\n")
	for i := 0; i < rows; i++ {
		b.WriteString(`"I love this product, it works great!",Great buy,True,1433462400.0,0.5,0.0` + "\n")
	}
	path := filepath.Join(t.TempDir(), "reviews.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))
	return path
}

func patchedStatuses(patches []recordedPatch) []registry.RunStatus {
	var statuses []registry.RunStatus
	for _, p := range patches {
		if status, ok := p.patch["status"]; ok {
			statuses = append(statuses, status.(registry.RunStatus))
		}
	}
	return statuses
}

func TestExecute(t *testing.T) {
	t.Run("Runs a dataset end to end", func(t *testing.T) {
		workflow, _ := configureWorkflow(servicesConfig{})

		report, err := workflow.Execute(testCtx, writeDataset(t, 10))
		require.NoError(t, err)

		require.True(t, strings.HasPrefix(report.RunID, "review-sentiment-"))
		require.Equal(t, 10, report.DatasetStats.Rows)
		require.Equal(t, 10, report.DatasetStats.Positive)
		require.Equal(t, 8, report.TrainRows)
		require.Equal(t, 1, report.ValidationRows)
		require.Equal(t, 1, report.TestRows)
		require.Equal(t, 9, report.FeatureDim)
		require.Equal(t, report.RunID, report.TrainingJobName)
		require.Equal(t, "s3://test-bucket/runs/"+report.RunID+"/model/model.tar.gz", report.ModelArtifactsURI)
		require.Equal(t, report.RunID+"-endpoint", report.Endpoint.EndpointName)
		require.Equal(t, 1.0, report.Evaluation.Accuracy)
		require.Equal(t, 1, report.Evaluation.TruePositive)
		require.Equal(t, 1.0, report.Baseline.Accuracy)
		require.Contains(t, report.String(), report.RunID)
	})

	t.Run("Registers the run before processing", func(t *testing.T) {
		workflow, mocks := configureWorkflow(servicesConfig{})
		path := writeDataset(t, 10)

		report, err := workflow.Execute(testCtx, path)
		require.NoError(t, err)

		require.Len(t, mocks.registry.created, 1)
		created := mocks.registry.created[0]
		require.Equal(t, report.RunID, created.ID)
		require.Equal(t, "review-sentiment", created.Experiment)
		require.Equal(t, path, created.DatasetPath)
		require.Len(t, created.ExperimentFingerprint, 16)
		require.Len(t, created.DatasetFingerprint, 16)
	})

	t.Run("Uploads the split data and the fitted transformer", func(t *testing.T) {
		workflow, mocks := configureWorkflow(servicesConfig{})

		report, err := workflow.Execute(testCtx, writeDataset(t, 10))
		require.NoError(t, err)

		base := "runs/" + report.RunID
		require.Equal(t, []string{
			base + "/data/train.csv",
			base + "/data/validation.csv",
			base + "/data/test.csv",
			base + "/transformer.json",
		}, mocks.storage.uploadOrder)

		trainCSV := mocks.storage.uploads[base+"/data/train.csv"]
		require.Equal(t, 8, strings.Count(trainCSV, "\n"))
		fields := strings.Split(strings.SplitN(trainCSV, "\n", 2)[0], ",")
		require.Len(t, fields, 10)
		require.Equal(t, "1", fields[0])
		require.Equal(t, 1, strings.Count(mocks.storage.uploads[base+"/data/validation.csv"], "\n"))
		require.Equal(t, 1, strings.Count(mocks.storage.uploads[base+"/data/test.csv"], "\n"))

		transformer, err := features.Unmarshal([]byte(mocks.storage.uploads[base+"/transformer.json"]))
		require.NoError(t, err)
		require.Equal(t, 9, transformer.Dim())
	})

	t.Run("Hands the training job the feature shape and the data channels", func(t *testing.T) {
		workflow, mocks := configureWorkflow(servicesConfig{})

		report, err := workflow.Execute(testCtx, writeDataset(t, 10))
		require.NoError(t, err)

		spec := mocks.models.trainingSpec
		require.Equal(t, report.RunID, spec.JobName)
		require.Equal(t, "s3://test-bucket/runs/"+report.RunID+"/data/train.csv", spec.TrainDataURI)
		require.Equal(t, "s3://test-bucket/runs/"+report.RunID+"/data/validation.csv", spec.ValidationDataURI)
		require.Equal(t, "s3://test-bucket/runs/"+report.RunID+"/model", spec.OutputURI)
		require.Equal(t, 9, spec.FeatureDim)
		require.Equal(t, "ml.m4.xlarge", spec.InstanceType)
		require.Equal(t, 10, spec.Epochs)
		require.Equal(t, 100, spec.MiniBatchSize)
	})

	t.Run("Names the hosting resources after the run", func(t *testing.T) {
		workflow, mocks := configureWorkflow(servicesConfig{})

		report, err := workflow.Execute(testCtx, writeDataset(t, 10))
		require.NoError(t, err)

		spec := mocks.models.deploySpec
		require.Equal(t, report.RunID+"-model", spec.ModelName)
		require.Equal(t, report.RunID+"-config", spec.EndpointConfigName)
		require.Equal(t, report.RunID+"-endpoint", spec.EndpointName)
		require.Equal(t, report.ModelArtifactsURI, spec.ModelDataURI)
		require.Equal(t, "ml.t2.medium", spec.InstanceType)
	})

	t.Run("Advances the run through its statuses", func(t *testing.T) {
		workflow, mocks := configureWorkflow(servicesConfig{})

		_, err := workflow.Execute(testCtx, writeDataset(t, 10))
		require.NoError(t, err)

		require.Equal(t, []registry.RunStatus{
			registry.RunStatusPreprocessed,
			registry.RunStatusTrained,
			registry.RunStatusDeployed,
			registry.RunStatusEvaluated,
		}, patchedStatuses(mocks.registry.patches))
		require.Empty(t, mocks.registry.failedRuns)
		require.False(t, mocks.models.calls.teardown)
	})

	t.Run("Rejects a missing dataset before registering a run", func(t *testing.T) {
		workflow, mocks := configureWorkflow(servicesConfig{})

		report, err := workflow.Execute(testCtx, filepath.Join(t.TempDir(), "missing.csv"))
		require.Error(t, err)
		require.Nil(t, report)
		require.Empty(t, mocks.registry.created)
		require.Empty(t, mocks.registry.failedRuns)
	})

	t.Run("Stops when the run cannot be registered", func(t *testing.T) {
		workflow, mocks := configureWorkflow(servicesConfig{
			registry: registryStoreMockConfig{createRun: failingMethod{fail: true}},
		})

		report, err := workflow.Execute(testCtx, writeDataset(t, 10))
		require.Error(t, err)
		require.Nil(t, report)
		require.Empty(t, mocks.registry.failedRuns)
		require.Empty(t, mocks.storage.uploadOrder)
	})

	t.Run("Marks the run failed when an upload fails", func(t *testing.T) {
		workflow, mocks := configureWorkflow(servicesConfig{
			storage: storageMockConfig{upload: failingMethod{fail: true}},
		})

		report, err := workflow.Execute(testCtx, writeDataset(t, 10))
		require.Error(t, err)
		require.NotEmpty(t, report.RunID)
		require.Equal(t, []string{report.RunID}, mocks.registry.failedRuns)
		require.Contains(t, mocks.registry.failedCauses[0], "failed to upload")
		require.False(t, mocks.models.calls.train)
	})

	t.Run("Marks the run failed when training fails", func(t *testing.T) {
		workflow, mocks := configureWorkflow(servicesConfig{
			models: modelServiceMockConfig{waitTraining: failingMethod{fail: true}},
		})

		report, err := workflow.Execute(testCtx, writeDataset(t, 10))
		require.EqualError(t, err, "training job failed")
		require.Equal(t, []string{report.RunID}, mocks.registry.failedRuns)
		require.False(t, mocks.models.calls.deploy)
		require.Equal(t, []registry.RunStatus{registry.RunStatusPreprocessed}, patchedStatuses(mocks.registry.patches))
	})

	t.Run("Releases partial hosting when deployment fails", func(t *testing.T) {
		workflow, mocks := configureWorkflow(servicesConfig{
			models: modelServiceMockConfig{deploy: failingMethod{fail: true}},
		})

		report, err := workflow.Execute(testCtx, writeDataset(t, 10))
		require.EqualError(t, err, "failed to create endpoint")
		require.Equal(t, []string{report.RunID}, mocks.registry.failedRuns)
		require.Equal(t, []sagemaker.EndpointInfo{{ModelName: report.RunID + "-model"}}, mocks.models.tornDown)
	})

	t.Run("Releases fresh hosting when the endpoint never comes up", func(t *testing.T) {
		workflow, mocks := configureWorkflow(servicesConfig{
			models: modelServiceMockConfig{waitEndpoint: failingMethod{fail: true}},
		})

		report, err := workflow.Execute(testCtx, writeDataset(t, 10))
		require.EqualError(t, err, "endpoint failed")
		require.Equal(t, []string{report.RunID}, mocks.registry.failedRuns)
		require.Equal(t, []sagemaker.EndpointInfo{{
			EndpointName:       report.RunID + "-endpoint",
			EndpointConfigName: report.RunID + "-config",
			ModelName:          report.RunID + "-model",
		}}, mocks.models.tornDown)
		require.False(t, mocks.models.calls.predict)
	})

	t.Run("Keeps the endpoint when evaluation fails", func(t *testing.T) {
		workflow, mocks := configureWorkflow(servicesConfig{
			models: modelServiceMockConfig{predict: failingMethod{fail: true}},
		})

		report, err := workflow.Execute(testCtx, writeDataset(t, 10))
		require.EqualError(t, err, "endpoint unavailable")
		require.Equal(t, []string{report.RunID}, mocks.registry.failedRuns)
		require.False(t, mocks.models.calls.teardown)
		require.Equal(t, []registry.RunStatus{
			registry.RunStatusPreprocessed,
			registry.RunStatusTrained,
			registry.RunStatusDeployed,
		}, patchedStatuses(mocks.registry.patches))
	})
}

func TestTeardown(t *testing.T) {
	t.Run("Resolves the latest run", func(t *testing.T) {
		workflow, mocks := configureWorkflow(servicesConfig{})

		require.NoError(t, workflow.Teardown(testCtx, ""))

		require.True(t, mocks.registry.calls.latestRun)
		require.False(t, mocks.registry.calls.getRun)
		require.Equal(t, []sagemaker.EndpointInfo{{
			EndpointName:       "run-1-endpoint",
			EndpointConfigName: "run-1-config",
			ModelName:          "run-1-model",
		}}, mocks.models.tornDown)
		require.Len(t, mocks.registry.patches, 1)
		patch := mocks.registry.patches[0]
		require.Equal(t, "run-1", patch.id)
		require.Equal(t, registry.RunStatusTornDown, patch.patch["status"])
		require.NotEmpty(t, patch.patch["completed_at"])
	})

	t.Run("Targets the requested run", func(t *testing.T) {
		workflow, mocks := configureWorkflow(servicesConfig{})

		require.NoError(t, workflow.Teardown(testCtx, "run-7"))

		require.True(t, mocks.registry.calls.getRun)
		require.False(t, mocks.registry.calls.latestRun)
		require.Equal(t, "run-7", mocks.registry.patches[0].id)
	})

	t.Run("Refuses a run without hosting resources", func(t *testing.T) {
		workflow, mocks := configureWorkflow(servicesConfig{
			registry: registryStoreMockConfig{getRun: withValue{
				returnedValue: registry.Run{ID: "run-2", Status: registry.RunStatusTrained},
			}},
		})

		err := workflow.Teardown(testCtx, "run-2")
		require.EqualError(t, err, "run run-2 has no hosting resources")
		require.False(t, mocks.models.calls.teardown)
	})

	t.Run("Propagates a missing run", func(t *testing.T) {
		workflow, _ := configureWorkflow(servicesConfig{
			registry: registryStoreMockConfig{getRun: withValue{fail: true}},
		})

		err := workflow.Teardown(testCtx, "run-9")
		require.ErrorIs(t, err, registry.ErrNotFound)
	})

	t.Run("Propagates hosting failures", func(t *testing.T) {
		workflow, mocks := configureWorkflow(servicesConfig{
			models: modelServiceMockConfig{teardown: failingMethod{fail: true}},
		})

		err := workflow.Teardown(testCtx, "")
		require.EqualError(t, err, "failed to delete endpoint")
		require.Empty(t, mocks.registry.patches)
	})
}
