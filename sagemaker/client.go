package sagemaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	sm "github.com/aws/aws-sdk-go/service/sagemaker"
	smruntime "github.com/aws/aws-sdk-go/service/sagemakerruntime"

	"reviewml.com/sentiment/logger"
)

var clientLogger = logger.NewLogger("SageMakerClient")

// DefaultPredictBatchSize caps how many feature rows go into a single
// endpoint invocation.
const DefaultPredictBatchSize = 100

type trainingAPI interface {
	CreateTrainingJobWithContext(aws.Context, *sm.CreateTrainingJobInput, ...request.Option) (*sm.CreateTrainingJobOutput, error)
	DescribeTrainingJobWithContext(aws.Context, *sm.DescribeTrainingJobInput, ...request.Option) (*sm.DescribeTrainingJobOutput, error)
	CreateModelWithContext(aws.Context, *sm.CreateModelInput, ...request.Option) (*sm.CreateModelOutput, error)
	CreateEndpointConfigWithContext(aws.Context, *sm.CreateEndpointConfigInput, ...request.Option) (*sm.CreateEndpointConfigOutput, error)
	CreateEndpointWithContext(aws.Context, *sm.CreateEndpointInput, ...request.Option) (*sm.CreateEndpointOutput, error)
	DescribeEndpointWithContext(aws.Context, *sm.DescribeEndpointInput, ...request.Option) (*sm.DescribeEndpointOutput, error)
	DeleteEndpointWithContext(aws.Context, *sm.DeleteEndpointInput, ...request.Option) (*sm.DeleteEndpointOutput, error)
	DeleteEndpointConfigWithContext(aws.Context, *sm.DeleteEndpointConfigInput, ...request.Option) (*sm.DeleteEndpointConfigOutput, error)
	DeleteModelWithContext(aws.Context, *sm.DeleteModelInput, ...request.Option) (*sm.DeleteModelOutput, error)
}

type runtimeAPI interface {
	InvokeEndpointWithContext(aws.Context, *smruntime.InvokeEndpointInput, ...request.Option) (*smruntime.InvokeEndpointOutput, error)
}

// Client drives the managed training service: it starts linear-learner
// jobs, deploys their models as hosted endpoints, queries them and tears
// them down.
type Client struct {
	api     trainingAPI
	runtime runtimeAPI
	env     EnvironmentConfig
	poll    time.Duration
}

func New() (*Client, error) {
	errLogger := clientLogger.With().Caller().Logger()
	env, err := readEnvironment()
	if err != nil {
		errLogger.Err(err).Msg("Failed to get proper variables from environment")
		return nil, err
	}
	sess, err := newSession(env)
	if err != nil {
		return nil, err
	}
	return &Client{
		api:     sm.New(sess),
		runtime: smruntime.New(sess),
		env:     env,
		poll:    time.Duration(env.PollSeconds) * time.Second,
	}, nil
}

// TrainingSpec describes one training job.
type TrainingSpec struct {
	JobName           string
	TrainDataURI      string
	ValidationDataURI string
	OutputURI         string
	FeatureDim        int
	InstanceType      string
	InstanceCount     int64
	VolumeSizeGB      int64
	MaxRuntimeSeconds int64
	Epochs            int
	MiniBatchSize     int
	Hyperparameters   map[string]string
}

// DeploySpec names the three hosting resources and where the model
// artifact lives.
type DeploySpec struct {
	ModelName          string
	EndpointConfigName string
	EndpointName       string
	ModelDataURI       string
	InstanceType       string
	InstanceCount      int64
}

// EndpointInfo identifies a deployed model, in teardown order.
type EndpointInfo struct {
	EndpointName       string `json:"endpoint_name"`
	EndpointConfigName string `json:"endpoint_config_name"`
	ModelName          string `json:"model_name"`
}

type Metric struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

type Prediction struct {
	Score float64 `json:"score"`
	Label int     `json:"label"`
}

func (c *Client) trainingImage() (string, error) {
	if c.env.TrainingImage != "" {
		return c.env.TrainingImage, nil
	}
	return linearLearnerImage(c.env.Region)
}

// Train starts a binary-classifier linear-learner job over the train and
// validation channels and returns its name. It does not wait.
func (c *Client) Train(ctx context.Context, spec TrainingSpec) (string, error) {
	if spec.JobName == "" {
		return "", errors.New("training job name is empty")
	}
	if spec.FeatureDim <= 0 {
		return "", errors.New("feature dimension must be positive")
	}
	image, err := c.trainingImage()
	if err != nil {
		return "", err
	}

	hyperparameters := map[string]*string{
		"predictor_type":  aws.String("binary_classifier"),
		"feature_dim":     aws.String(strconv.Itoa(spec.FeatureDim)),
		"epochs":          aws.String(strconv.Itoa(spec.Epochs)),
		"mini_batch_size": aws.String(strconv.Itoa(spec.MiniBatchSize)),
	}
	for k, v := range spec.Hyperparameters {
		hyperparameters[k] = aws.String(v)
	}

	input := &sm.CreateTrainingJobInput{
		TrainingJobName: aws.String(spec.JobName),
		RoleArn:         aws.String(c.env.RoleArn),
		AlgorithmSpecification: &sm.AlgorithmSpecification{
			TrainingImage:     aws.String(image),
			TrainingInputMode: aws.String(sm.TrainingInputModeFile),
		},
		InputDataConfig: []*sm.Channel{
			dataChannel("train", spec.TrainDataURI),
			dataChannel("validation", spec.ValidationDataURI),
		},
		OutputDataConfig: &sm.OutputDataConfig{
			S3OutputPath: aws.String(spec.OutputURI),
		},
		ResourceConfig: &sm.ResourceConfig{
			InstanceType:   aws.String(spec.InstanceType),
			InstanceCount:  aws.Int64(spec.InstanceCount),
			VolumeSizeInGB: aws.Int64(spec.VolumeSizeGB),
		},
		StoppingCondition: &sm.StoppingCondition{
			MaxRuntimeInSeconds: aws.Int64(spec.MaxRuntimeSeconds),
		},
		HyperParameters: hyperparameters,
	}

	if _, err := c.api.CreateTrainingJobWithContext(ctx, input); err != nil {
		return "", fmt.Errorf("failed to create training job: %w", err)
	}
	clientLogger.Info().Str("job", spec.JobName).Msg("Training job created")
	return spec.JobName, nil
}

func dataChannel(name, uri string) *sm.Channel {
	return &sm.Channel{
		ChannelName: aws.String(name),
		ContentType: aws.String("text/csv"),
		DataSource: &sm.DataSource{
			S3DataSource: &sm.S3DataSource{
				S3DataType:             aws.String(sm.S3DataTypeS3prefix),
				S3Uri:                  aws.String(uri),
				S3DataDistributionType: aws.String(sm.S3DataDistributionFullyReplicated),
			},
		},
	}
}

// WaitTraining polls the job until it completes. A failed or stopped job
// comes back as an error carrying the service failure reason.
func (c *Client) WaitTraining(ctx context.Context, jobName string) error {
	for {
		out, err := c.api.DescribeTrainingJobWithContext(ctx, &sm.DescribeTrainingJobInput{
			TrainingJobName: aws.String(jobName),
		})
		if err != nil {
			return fmt.Errorf("failed to describe training job: %w", err)
		}

		switch status := aws.StringValue(out.TrainingJobStatus); status {
		case sm.TrainingJobStatusCompleted:
			clientLogger.Info().Str("job", jobName).Msg("Training job completed")
			return nil
		case sm.TrainingJobStatusFailed:
			return fmt.Errorf("training job %s failed: %s", jobName, aws.StringValue(out.FailureReason))
		case sm.TrainingJobStatusStopped, sm.TrainingJobStatusStopping:
			return fmt.Errorf("training job %s was stopped", jobName)
		default:
			clientLogger.Debug().Str("job", jobName).Str("status", status).Msg("Training job in progress")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.poll):
		}
	}
}

// TrainingMetrics returns the final metric list the algorithm reported.
func (c *Client) TrainingMetrics(ctx context.Context, jobName string) ([]Metric, error) {
	out, err := c.api.DescribeTrainingJobWithContext(ctx, &sm.DescribeTrainingJobInput{
		TrainingJobName: aws.String(jobName),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe training job: %w", err)
	}

	metrics := make([]Metric, 0, len(out.FinalMetricDataList))
	for _, m := range out.FinalMetricDataList {
		metrics = append(metrics, Metric{
			Name:  aws.StringValue(m.MetricName),
			Value: aws.Float64Value(m.Value),
		})
	}
	return metrics, nil
}

// ModelArtifacts returns the S3 address of the trained model archive.
func (c *Client) ModelArtifacts(ctx context.Context, jobName string) (string, error) {
	out, err := c.api.DescribeTrainingJobWithContext(ctx, &sm.DescribeTrainingJobInput{
		TrainingJobName: aws.String(jobName),
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe training job: %w", err)
	}
	if out.ModelArtifacts == nil || aws.StringValue(out.ModelArtifacts.S3ModelArtifacts) == "" {
		return "", fmt.Errorf("training job %s has no model artifacts", jobName)
	}
	return aws.StringValue(out.ModelArtifacts.S3ModelArtifacts), nil
}

// Deploy hosts a trained model: model, endpoint configuration, endpoint,
// in that order. It does not wait for the endpoint to come up.
func (c *Client) Deploy(ctx context.Context, spec DeploySpec) (EndpointInfo, error) {
	info := EndpointInfo{}
	image, err := c.trainingImage()
	if err != nil {
		return info, err
	}

	_, err = c.api.CreateModelWithContext(ctx, &sm.CreateModelInput{
		ModelName:        aws.String(spec.ModelName),
		ExecutionRoleArn: aws.String(c.env.RoleArn),
		PrimaryContainer: &sm.ContainerDefinition{
			Image:        aws.String(image),
			ModelDataUrl: aws.String(spec.ModelDataURI),
		},
	})
	if err != nil {
		return info, fmt.Errorf("failed to create model: %w", err)
	}
	info.ModelName = spec.ModelName

	_, err = c.api.CreateEndpointConfigWithContext(ctx, &sm.CreateEndpointConfigInput{
		EndpointConfigName: aws.String(spec.EndpointConfigName),
		ProductionVariants: []*sm.ProductionVariant{
			{
				VariantName:          aws.String("AllTraffic"),
				ModelName:            aws.String(spec.ModelName),
				InstanceType:         aws.String(spec.InstanceType),
				InitialInstanceCount: aws.Int64(spec.InstanceCount),
				InitialVariantWeight: aws.Float64(1),
			},
		},
	})
	if err != nil {
		return info, fmt.Errorf("failed to create endpoint config: %w", err)
	}
	info.EndpointConfigName = spec.EndpointConfigName

	_, err = c.api.CreateEndpointWithContext(ctx, &sm.CreateEndpointInput{
		EndpointName:       aws.String(spec.EndpointName),
		EndpointConfigName: aws.String(spec.EndpointConfigName),
	})
	if err != nil {
		return info, fmt.Errorf("failed to create endpoint: %w", err)
	}
	info.EndpointName = spec.EndpointName

	clientLogger.Info().Str("endpoint", spec.EndpointName).Msg("Endpoint creation started")
	return info, nil
}

// WaitEndpoint polls the endpoint until it is in service.
func (c *Client) WaitEndpoint(ctx context.Context, endpointName string) error {
	for {
		out, err := c.api.DescribeEndpointWithContext(ctx, &sm.DescribeEndpointInput{
			EndpointName: aws.String(endpointName),
		})
		if err != nil {
			return fmt.Errorf("failed to describe endpoint: %w", err)
		}

		switch status := aws.StringValue(out.EndpointStatus); status {
		case sm.EndpointStatusInService:
			clientLogger.Info().Str("endpoint", endpointName).Msg("Endpoint in service")
			return nil
		case sm.EndpointStatusFailed:
			return fmt.Errorf("endpoint %s failed: %s", endpointName, aws.StringValue(out.FailureReason))
		case sm.EndpointStatusDeleting, sm.EndpointStatusOutOfService:
			return fmt.Errorf("endpoint %s entered status %s", endpointName, status)
		default:
			clientLogger.Debug().Str("endpoint", endpointName).Str("status", status).Msg("Endpoint not ready")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.poll):
		}
	}
}

type linearLearnerResponse struct {
	Predictions []struct {
		Score          float64 `json:"score"`
		PredictedLabel float64 `json:"predicted_label"`
	} `json:"predictions"`
}

// Predict sends the feature matrix to the endpoint in CSV batches and
// returns one prediction per row, in row order.
func (c *Client) Predict(ctx context.Context, endpointName string, matrix [][]float64, batchSize int) ([]Prediction, error) {
	if batchSize <= 0 {
		batchSize = DefaultPredictBatchSize
	}

	predictions := make([]Prediction, 0, len(matrix))
	for start := 0; start < len(matrix); start += batchSize {
		end := start + batchSize
		if end > len(matrix) {
			end = len(matrix)
		}
		batch := matrix[start:end]

		out, err := c.runtime.InvokeEndpointWithContext(ctx, &smruntime.InvokeEndpointInput{
			EndpointName: aws.String(endpointName),
			ContentType:  aws.String("text/csv"),
			Accept:       aws.String("application/json"),
			Body:         []byte(encodeBatchCSV(batch)),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to invoke endpoint: %w", err)
		}

		var response linearLearnerResponse
		if err := json.Unmarshal(out.Body, &response); err != nil {
			return nil, fmt.Errorf("failed to decode endpoint response: %w", err)
		}
		if len(response.Predictions) != len(batch) {
			return nil, fmt.Errorf("endpoint returned %d predictions for %d rows", len(response.Predictions), len(batch))
		}
		for _, p := range response.Predictions {
			predictions = append(predictions, Prediction{
				Score: p.Score,
				Label: int(p.PredictedLabel),
			})
		}
	}
	return predictions, nil
}

// Teardown removes the hosting resources. It keeps going past individual
// failures so a partial removal still frees what it can, and reports the
// first error it met.
func (c *Client) Teardown(ctx context.Context, info EndpointInfo) error {
	var firstErr error

	if info.EndpointName != "" {
		_, err := c.api.DeleteEndpointWithContext(ctx, &sm.DeleteEndpointInput{
			EndpointName: aws.String(info.EndpointName),
		})
		if err != nil {
			clientLogger.Error().Err(err).Str("endpoint", info.EndpointName).Msg("Failed to delete endpoint")
			firstErr = fmt.Errorf("failed to delete endpoint: %w", err)
		}
	}
	if info.EndpointConfigName != "" {
		_, err := c.api.DeleteEndpointConfigWithContext(ctx, &sm.DeleteEndpointConfigInput{
			EndpointConfigName: aws.String(info.EndpointConfigName),
		})
		if err != nil {
			clientLogger.Error().Err(err).Str("config", info.EndpointConfigName).Msg("Failed to delete endpoint config")
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to delete endpoint config: %w", err)
			}
		}
	}
	if info.ModelName != "" {
		_, err := c.api.DeleteModelWithContext(ctx, &sm.DeleteModelInput{
			ModelName: aws.String(info.ModelName),
		})
		if err != nil {
			clientLogger.Error().Err(err).Str("model", info.ModelName).Msg("Failed to delete model")
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to delete model: %w", err)
			}
		}
	}

	if firstErr == nil {
		clientLogger.Info().Str("endpoint", info.EndpointName).Msg("Hosting resources removed")
	}
	return firstErr
}
