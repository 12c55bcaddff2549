package worker

import (
	"errors"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
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

type registryMock struct {
	config registryMockConfig
	calls  registryMockCalls
}

type registryMockConfig struct {
	getRun withValue
}

type registryMockCalls struct {
	getRun bool
}

type rmqMock struct {
	config    rmqMockConfig
	calls     rmqMockCalls
	published *Result
}

type rmqMockConfig struct {
	publishResults      failingMethod
	acknowledgeDelivery failingMethod
}

type rmqMockCalls struct {
	publishResults      bool
	acknowledgeDelivery bool
	rejectDelivery      bool
}

type s3Mock struct {
	config  s3MockConfig
	calls   s3MockCalls
	fetches int
}

type s3MockConfig struct {
	getTransformer withValue
}

type s3MockCalls struct {
	getTransformer bool
}

type endpointMock struct {
	config endpointMockConfig
	calls  endpointCalls
}

type endpointMockConfig struct {
	fail      bool
	panicking bool
	score     float64
	label     int
}

type endpointCalls struct {
	predict bool
}

func (mock *registryMock) close() {}

func (mock *rmqMock) close() {}

func (mock *s3Mock) close() {}

func liveRun() registry.Run {
	return registry.Run{
		ID:             "run-1",
		Status:         registry.RunStatusDeployed,
		EndpointName:   "review-sentiment-endpoint",
		TransformerKey: "runs/run-1/transformer.json",
	}
}

// testTransformerBytes builds a small fitted transformer the way the
// workflow would and serializes it.
func testTransformerBytes() []byte {
	transformer := features.NewTransformer(features.Config{SummaryVocabSize: 5, ReviewVocabSize: 5})
	review := "work great"
	summary := "great"
	timeVal := 1000.0
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

func (mock *registryMock) getRun(runID string) (*registry.Run, error) {
	mock.calls.getRun = true
	if mock.config.getRun.fail {
		return nil, errors.New("failed to get run")
	}
	switch mock.config.getRun.returnedValue.(type) {
	case registry.Run:
		run := mock.config.getRun.returnedValue.(registry.Run)
		return &run, nil
	default:
		run := liveRun()
		return &run, nil
	}
}

func (mock *rmqMock) rejectDelivery(delivery *amqp.Delivery, sntLogger *zerolog.Logger) {
	mock.calls.rejectDelivery = true
}

func (mock *rmqMock) getDeliveriesCh() <-chan amqp.Delivery {
	return nil
}

func (mock *rmqMock) getReqChanErrorsCh() <-chan *amqp.Error {
	return nil
}

func (mock *rmqMock) getRespChanErrorsCh() <-chan *amqp.Error {
	return nil
}

func (mock *rmqMock) publishResults(task *Task) error {
	mock.calls.publishResults = true
	mock.published = task.result
	if mock.config.publishResults.fail {
		return errors.New("failed to publish results")
	}
	return nil
}

func (mock *rmqMock) acknowledgeDelivery(delivery *amqp.Delivery) error {
	mock.calls.acknowledgeDelivery = true
	if mock.config.acknowledgeDelivery.fail {
		return errors.New("failed to acknowledge delivery")
	}
	return nil
}

func (mock *s3Mock) getTransformer(task *Task) ([]byte, error) {
	mock.calls.getTransformer = true
	mock.fetches++
	if mock.config.getTransformer.fail {
		return nil, errors.New("mock: failed to load from s3")
	}
	switch mock.config.getTransformer.returnedValue.(type) {
	case []byte:
		return mock.config.getTransformer.returnedValue.([]byte), nil
	default:
		return testTransformerBytes(), nil
	}
}

func (mock *endpointMock) predict(endpointName string, matrix [][]float64, batchSize int) ([]sagemaker.Prediction, error) {
	mock.calls.predict = true
	if mock.config.panicking {
		panic("endpoint exploded")
	}
	if mock.config.fail {
		return nil, errors.New("mock: failed to invoke endpoint")
	}
	predictions := make([]sagemaker.Prediction, len(matrix))
	for i := range predictions {
		predictions[i] = sagemaker.Prediction{Score: mock.config.score, Label: mock.config.label}
	}
	return predictions, nil
}
