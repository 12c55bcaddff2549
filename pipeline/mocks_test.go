package pipeline

import (
	"context"
	"errors"

	"reviewml.com/sentiment/dataset"
	"reviewml.com/sentiment/features"
	"reviewml.com/sentiment/registry"
	"reviewml.com/sentiment/sagemaker"
)

type failingMethod struct {
	fail bool
}

type withValue struct {
	fail          bool
	returnedValue interface{}
}

type recordedPatch struct {
	id    string
	patch registry.Patch
}

type registryStoreMock struct {
	config registryStoreMockConfig
	calls  registryStoreCalls

	created      []*registry.Run
	patches      []recordedPatch
	failedRuns   []string
	failedCauses []string
}

type registryStoreMockConfig struct {
	createRun  failingMethod
	updateRun  failingMethod
	markFailed failingMethod
	getRun     withValue
	latestRun  withValue
}

type registryStoreCalls struct {
	getRun    bool
	latestRun bool
}

func deployedRun() registry.Run {
	return registry.Run{
		ID:                 "run-1",
		Status:             registry.RunStatusDeployed,
		EndpointName:       "run-1-endpoint",
		EndpointConfigName: "run-1-config",
		ModelName:          "run-1-model",
		TransformerKey:     "runs/run-1/transformer.json",
	}
}

func (mock *registryStoreMock) createRun(run *registry.Run) error {
	if mock.config.createRun.fail {
		return errors.New("failed to create run")
	}
	mock.created = append(mock.created, run)
	return nil
}

func (mock *registryStoreMock) getRun(id string) (*registry.Run, error) {
	mock.calls.getRun = true
	if mock.config.getRun.fail {
		return nil, registry.ErrNotFound
	}
	switch mock.config.getRun.returnedValue.(type) {
	case registry.Run:
		run := mock.config.getRun.returnedValue.(registry.Run)
		return &run, nil
	default:
		run := deployedRun()
		run.ID = id
		return &run, nil
	}
}

func (mock *registryStoreMock) latestRun() (*registry.Run, error) {
	mock.calls.latestRun = true
	if mock.config.latestRun.fail {
		return nil, registry.ErrNotFound
	}
	switch mock.config.latestRun.returnedValue.(type) {
	case registry.Run:
		run := mock.config.latestRun.returnedValue.(registry.Run)
		return &run, nil
	default:
		run := deployedRun()
		return &run, nil
	}
}

func (mock *registryStoreMock) updateRun(id string, patch registry.Patch) (*registry.Run, error) {
	if mock.config.updateRun.fail {
		return nil, errors.New("failed to update run")
	}
	mock.patches = append(mock.patches, recordedPatch{id: id, patch: patch})
	return &registry.Run{ID: id}, nil
}

func (mock *registryStoreMock) markFailed(id string, cause error) (*registry.Run, error) {
	if mock.config.markFailed.fail {
		return nil, errors.New("failed to mark run failed")
	}
	mock.failedRuns = append(mock.failedRuns, id)
	mock.failedCauses = append(mock.failedCauses, cause.Error())
	return &registry.Run{ID: id, Status: registry.RunStatusFailed}, nil
}

func (mock *registryStoreMock) close() {}

type storageMock struct {
	config storageMockConfig

	uploads     map[string]string
	uploadOrder []string
	downloads   int
}

type storageMockConfig struct {
	upload   failingMethod
	download withValue
}

func (mock *storageMock) upload(data string, key string) error {
	if mock.config.upload.fail {
		return errors.New("failed to upload")
	}
	if mock.uploads == nil {
		mock.uploads = map[string]string{}
	}
	mock.uploads[key] = data
	mock.uploadOrder = append(mock.uploadOrder, key)
	return nil
}

func (mock *storageMock) download(key string) ([]byte, error) {
	mock.downloads++
	if mock.config.download.fail {
		return nil, errors.New("failed to download")
	}
	switch mock.config.download.returnedValue.(type) {
	case []byte:
		return mock.config.download.returnedValue.([]byte), nil
	default:
		return fittedTransformerBytes(), nil
	}
}

func (mock *storageMock) uri(key string) string {
	return "s3://test-bucket/" + key
}

func (mock *storageMock) close() {}

// fittedTransformerBytes serializes a small transformer fitted the way
// the workflow would fit one.
func fittedTransformerBytes() []byte {
	transformer := features.NewTransformer(features.Config{SummaryVocabSize: 5, ReviewVocabSize: 10})
	review := "love product work great"
	summary := "great buy"
	timeVal := 1433462400.0
	votes := 0.5
	train := &dataset.Dataset{Rows: []dataset.Row{
		{ReviewText: &review, Summary: &summary, Verified: true, Time: &timeVal, LogVotes: &votes, IsPositive: 1},
	}}
	if err := transformer.Fit(train); err != nil {
		panic(err)
	}
	data, err := transformer.Marshal()
	if err != nil {
		panic(err)
	}
	return data
}

type modelServiceMock struct {
	config modelServiceMockConfig
	calls  modelServiceCalls

	trainingSpec  sagemaker.TrainingSpec
	deploySpec    sagemaker.DeploySpec
	predictedRows int
	tornDown      []sagemaker.EndpointInfo
}

type modelServiceMockConfig struct {
	train           failingMethod
	waitTraining    failingMethod
	trainingMetrics withValue
	modelArtifacts  withValue
	deploy          failingMethod
	waitEndpoint    failingMethod
	predict         failingMethod
	teardown        failingMethod
}

type modelServiceCalls struct {
	train           bool
	waitTraining    bool
	trainingMetrics bool
	modelArtifacts  bool
	deploy          bool
	waitEndpoint    bool
	predict         bool
	teardown        bool
}

func (mock *modelServiceMock) train(ctx context.Context, spec sagemaker.TrainingSpec) (string, error) {
	mock.calls.train = true
	if mock.config.train.fail {
		return "", errors.New("failed to create training job")
	}
	mock.trainingSpec = spec
	return spec.JobName, nil
}

func (mock *modelServiceMock) waitTraining(ctx context.Context, jobName string) error {
	mock.calls.waitTraining = true
	if mock.config.waitTraining.fail {
		return errors.New("training job failed")
	}
	return nil
}

func (mock *modelServiceMock) trainingMetrics(ctx context.Context, jobName string) ([]sagemaker.Metric, error) {
	mock.calls.trainingMetrics = true
	if mock.config.trainingMetrics.fail {
		return nil, errors.New("failed to describe training job")
	}
	switch mock.config.trainingMetrics.returnedValue.(type) {
	case []sagemaker.Metric:
		return mock.config.trainingMetrics.returnedValue.([]sagemaker.Metric), nil
	default:
		return []sagemaker.Metric{
			{Name: "validation:binary_classification_accuracy", Value: 0.91},
		}, nil
	}
}

func (mock *modelServiceMock) modelArtifacts(ctx context.Context, jobName string) (string, error) {
	mock.calls.modelArtifacts = true
	if mock.config.modelArtifacts.fail {
		return "", errors.New("training job has no model artifacts")
	}
	switch mock.config.modelArtifacts.returnedValue.(type) {
	case string:
		return mock.config.modelArtifacts.returnedValue.(string), nil
	default:
		return "s3://test-bucket/runs/" + jobName + "/model/model.tar.gz", nil
	}
}

func (mock *modelServiceMock) deploy(ctx context.Context, spec sagemaker.DeploySpec) (sagemaker.EndpointInfo, error) {
	mock.calls.deploy = true
	if mock.config.deploy.fail {
		return sagemaker.EndpointInfo{ModelName: spec.ModelName}, errors.New("failed to create endpoint")
	}
	mock.deploySpec = spec
	return sagemaker.EndpointInfo{
		EndpointName:       spec.EndpointName,
		EndpointConfigName: spec.EndpointConfigName,
		ModelName:          spec.ModelName,
	}, nil
}

func (mock *modelServiceMock) waitEndpoint(ctx context.Context, endpointName string) error {
	mock.calls.waitEndpoint = true
	if mock.config.waitEndpoint.fail {
		return errors.New("endpoint failed")
	}
	return nil
}

func (mock *modelServiceMock) predict(ctx context.Context, endpointName string, matrix [][]float64, batchSize int) ([]sagemaker.Prediction, error) {
	mock.calls.predict = true
	if mock.config.predict.fail {
		return nil, errors.New("endpoint unavailable")
	}
	mock.predictedRows = len(matrix)
	predictions := make([]sagemaker.Prediction, len(matrix))
	for i := range predictions {
		predictions[i] = sagemaker.Prediction{Score: 0.93, Label: 1}
	}
	return predictions, nil
}

func (mock *modelServiceMock) teardown(ctx context.Context, info sagemaker.EndpointInfo) error {
	mock.calls.teardown = true
	mock.tornDown = append(mock.tornDown, info)
	if mock.config.teardown.fail {
		return errors.New("failed to delete endpoint")
	}
	return nil
}
