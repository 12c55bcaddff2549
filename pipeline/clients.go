package pipeline

import (
	"context"

	"reviewml.com/sentiment/registry"
	"reviewml.com/sentiment/s3client"
	"reviewml.com/sentiment/sagemaker"
)

type registryStore interface {
	createRun(run *registry.Run) error
	getRun(id string) (*registry.Run, error)
	latestRun() (*registry.Run, error)
	updateRun(id string, patch registry.Patch) (*registry.Run, error)
	markFailed(id string, cause error) (*registry.Run, error)
	close()
}

type registryWrapper struct {
	client *registry.Client
}

func (wrapper *registryWrapper) createRun(run *registry.Run) error {
	return wrapper.client.Create(run)
}

func (wrapper *registryWrapper) getRun(id string) (*registry.Run, error) {
	return wrapper.client.Get(id)
}

func (wrapper *registryWrapper) latestRun() (*registry.Run, error) {
	return wrapper.client.Latest()
}

func (wrapper *registryWrapper) updateRun(id string, patch registry.Patch) (*registry.Run, error) {
	return wrapper.client.Update(id, patch)
}

func (wrapper *registryWrapper) markFailed(id string, cause error) (*registry.Run, error) {
	return wrapper.client.MarkFailed(id, cause)
}

func (wrapper *registryWrapper) close() {
	_ = wrapper.client.Close()
}

type artifactStorage interface {
	upload(data string, key string) error
	download(key string) ([]byte, error)
	uri(key string) string
	close()
}

type storageWrapper struct {
	client *s3client.Client
}

func (wrapper *storageWrapper) upload(data string, key string) error {
	_, err := wrapper.client.Upload(data, key)
	return err
}

func (wrapper *storageWrapper) download(key string) ([]byte, error) {
	return wrapper.client.Download(key)
}

func (wrapper *storageWrapper) uri(key string) string {
	return wrapper.client.URI(key)
}

func (wrapper *storageWrapper) close() {
	wrapper.client.Close()
}

type modelService interface {
	train(ctx context.Context, spec sagemaker.TrainingSpec) (string, error)
	waitTraining(ctx context.Context, jobName string) error
	trainingMetrics(ctx context.Context, jobName string) ([]sagemaker.Metric, error)
	modelArtifacts(ctx context.Context, jobName string) (string, error)
	deploy(ctx context.Context, spec sagemaker.DeploySpec) (sagemaker.EndpointInfo, error)
	waitEndpoint(ctx context.Context, endpointName string) error
	predict(ctx context.Context, endpointName string, matrix [][]float64, batchSize int) ([]sagemaker.Prediction, error)
	teardown(ctx context.Context, info sagemaker.EndpointInfo) error
}

type modelWrapper struct {
	client *sagemaker.Client
}

func (wrapper *modelWrapper) train(ctx context.Context, spec sagemaker.TrainingSpec) (string, error) {
	return wrapper.client.Train(ctx, spec)
}

func (wrapper *modelWrapper) waitTraining(ctx context.Context, jobName string) error {
	return wrapper.client.WaitTraining(ctx, jobName)
}

func (wrapper *modelWrapper) trainingMetrics(ctx context.Context, jobName string) ([]sagemaker.Metric, error) {
	return wrapper.client.TrainingMetrics(ctx, jobName)
}

func (wrapper *modelWrapper) modelArtifacts(ctx context.Context, jobName string) (string, error) {
	return wrapper.client.ModelArtifacts(ctx, jobName)
}

func (wrapper *modelWrapper) deploy(ctx context.Context, spec sagemaker.DeploySpec) (sagemaker.EndpointInfo, error) {
	return wrapper.client.Deploy(ctx, spec)
}

func (wrapper *modelWrapper) waitEndpoint(ctx context.Context, endpointName string) error {
	return wrapper.client.WaitEndpoint(ctx, endpointName)
}

func (wrapper *modelWrapper) predict(ctx context.Context, endpointName string, matrix [][]float64, batchSize int) ([]sagemaker.Prediction, error) {
	return wrapper.client.Predict(ctx, endpointName, matrix, batchSize)
}

func (wrapper *modelWrapper) teardown(ctx context.Context, info sagemaker.EndpointInfo) error {
	return wrapper.client.Teardown(ctx, info)
}
