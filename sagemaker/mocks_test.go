package sagemaker

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	sm "github.com/aws/aws-sdk-go/service/sagemaker"
	smruntime "github.com/aws/aws-sdk-go/service/sagemakerruntime"
)

type failingMethod struct {
	fail bool
}

type trainingMockConfig struct {
	createTrainingJob    failingMethod
	describeTrainingJob  failingMethod
	createModel          failingMethod
	createEndpointConfig failingMethod
	createEndpoint       failingMethod
	describeEndpoint     failingMethod
	deleteEndpoint       failingMethod
	deleteEndpointConfig failingMethod
	deleteModel          failingMethod

	trainingStatuses []string
	endpointStatuses []string
	failureReason    string
	metrics          []*sm.MetricData
	artifactsURL     string
}

type trainingMock struct {
	config trainingMockConfig

	trainingInputs []*sm.CreateTrainingJobInput
	modelInputs    []*sm.CreateModelInput
	configInputs   []*sm.CreateEndpointConfigInput
	endpointInputs []*sm.CreateEndpointInput
	deleted        []string

	describeTrainingCalls int
	describeEndpointCalls int
}

func (mock *trainingMock) CreateTrainingJobWithContext(_ aws.Context, input *sm.CreateTrainingJobInput, _ ...request.Option) (*sm.CreateTrainingJobOutput, error) {
	mock.trainingInputs = append(mock.trainingInputs, input)
	if mock.config.createTrainingJob.fail {
		return nil, errors.New("mock: failed to create training job")
	}
	return &sm.CreateTrainingJobOutput{}, nil
}

func (mock *trainingMock) DescribeTrainingJobWithContext(_ aws.Context, input *sm.DescribeTrainingJobInput, _ ...request.Option) (*sm.DescribeTrainingJobOutput, error) {
	if mock.config.describeTrainingJob.fail {
		return nil, errors.New("mock: failed to describe training job")
	}
	status := sm.TrainingJobStatusCompleted
	if len(mock.config.trainingStatuses) > 0 {
		status = mock.config.trainingStatuses[0]
		if len(mock.config.trainingStatuses) > 1 {
			mock.config.trainingStatuses = mock.config.trainingStatuses[1:]
		}
	}
	mock.describeTrainingCalls++

	out := &sm.DescribeTrainingJobOutput{
		TrainingJobName:     input.TrainingJobName,
		TrainingJobStatus:   aws.String(status),
		FinalMetricDataList: mock.config.metrics,
	}
	if mock.config.failureReason != "" {
		out.FailureReason = aws.String(mock.config.failureReason)
	}
	if mock.config.artifactsURL != "" {
		out.ModelArtifacts = &sm.ModelArtifacts{S3ModelArtifacts: aws.String(mock.config.artifactsURL)}
	}
	return out, nil
}

func (mock *trainingMock) CreateModelWithContext(_ aws.Context, input *sm.CreateModelInput, _ ...request.Option) (*sm.CreateModelOutput, error) {
	mock.modelInputs = append(mock.modelInputs, input)
	if mock.config.createModel.fail {
		return nil, errors.New("mock: failed to create model")
	}
	return &sm.CreateModelOutput{}, nil
}

func (mock *trainingMock) CreateEndpointConfigWithContext(_ aws.Context, input *sm.CreateEndpointConfigInput, _ ...request.Option) (*sm.CreateEndpointConfigOutput, error) {
	mock.configInputs = append(mock.configInputs, input)
	if mock.config.createEndpointConfig.fail {
		return nil, errors.New("mock: failed to create endpoint config")
	}
	return &sm.CreateEndpointConfigOutput{}, nil
}

func (mock *trainingMock) CreateEndpointWithContext(_ aws.Context, input *sm.CreateEndpointInput, _ ...request.Option) (*sm.CreateEndpointOutput, error) {
	mock.endpointInputs = append(mock.endpointInputs, input)
	if mock.config.createEndpoint.fail {
		return nil, errors.New("mock: failed to create endpoint")
	}
	return &sm.CreateEndpointOutput{}, nil
}

func (mock *trainingMock) DescribeEndpointWithContext(_ aws.Context, input *sm.DescribeEndpointInput, _ ...request.Option) (*sm.DescribeEndpointOutput, error) {
	if mock.config.describeEndpoint.fail {
		return nil, errors.New("mock: failed to describe endpoint")
	}
	status := sm.EndpointStatusInService
	if len(mock.config.endpointStatuses) > 0 {
		status = mock.config.endpointStatuses[0]
		if len(mock.config.endpointStatuses) > 1 {
			mock.config.endpointStatuses = mock.config.endpointStatuses[1:]
		}
	}
	mock.describeEndpointCalls++

	out := &sm.DescribeEndpointOutput{
		EndpointName:   input.EndpointName,
		EndpointStatus: aws.String(status),
	}
	if mock.config.failureReason != "" {
		out.FailureReason = aws.String(mock.config.failureReason)
	}
	return out, nil
}

func (mock *trainingMock) DeleteEndpointWithContext(_ aws.Context, input *sm.DeleteEndpointInput, _ ...request.Option) (*sm.DeleteEndpointOutput, error) {
	mock.deleted = append(mock.deleted, "endpoint:"+aws.StringValue(input.EndpointName))
	if mock.config.deleteEndpoint.fail {
		return nil, errors.New("mock: failed to delete endpoint")
	}
	return &sm.DeleteEndpointOutput{}, nil
}

func (mock *trainingMock) DeleteEndpointConfigWithContext(_ aws.Context, input *sm.DeleteEndpointConfigInput, _ ...request.Option) (*sm.DeleteEndpointConfigOutput, error) {
	mock.deleted = append(mock.deleted, "config:"+aws.StringValue(input.EndpointConfigName))
	if mock.config.deleteEndpointConfig.fail {
		return nil, errors.New("mock: failed to delete endpoint config")
	}
	return &sm.DeleteEndpointConfigOutput{}, nil
}

func (mock *trainingMock) DeleteModelWithContext(_ aws.Context, input *sm.DeleteModelInput, _ ...request.Option) (*sm.DeleteModelOutput, error) {
	mock.deleted = append(mock.deleted, "model:"+aws.StringValue(input.ModelName))
	if mock.config.deleteModel.fail {
		return nil, errors.New("mock: failed to delete model")
	}
	return &sm.DeleteModelOutput{}, nil
}

type runtimeMockConfig struct {
	invokeEndpoint failingMethod
	badJSON        bool
	dropPrediction bool
	score          float64
	label          float64
}

type runtimeMock struct {
	config runtimeMockConfig
	bodies []string
}

func (mock *runtimeMock) InvokeEndpointWithContext(_ aws.Context, input *smruntime.InvokeEndpointInput, _ ...request.Option) (*smruntime.InvokeEndpointOutput, error) {
	body := string(input.Body)
	mock.bodies = append(mock.bodies, body)
	if mock.config.invokeEndpoint.fail {
		return nil, errors.New("mock: failed to invoke endpoint")
	}
	if mock.config.badJSON {
		return &smruntime.InvokeEndpointOutput{Body: []byte("not json")}, nil
	}

	rows := strings.Count(body, "\n")
	if mock.config.dropPrediction && rows > 0 {
		rows--
	}
	preds := make([]string, 0, rows)
	for i := 0; i < rows; i++ {
		preds = append(preds, fmt.Sprintf(`{"score":%v,"predicted_label":%v}`, mock.config.score, mock.config.label))
	}
	payload := fmt.Sprintf(`{"predictions":[%s]}`, strings.Join(preds, ","))
	if !json.Valid([]byte(payload)) {
		return nil, errors.New("mock: built invalid payload")
	}
	return &smruntime.InvokeEndpointOutput{Body: []byte(payload)}, nil
}
