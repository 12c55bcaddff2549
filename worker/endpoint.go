package worker

import (
	"context"

	"reviewml.com/sentiment/sagemaker"
)

type endpointTransactions interface {
	predict(endpointName string, matrix [][]float64, batchSize int) ([]sagemaker.Prediction, error)
}

type endpointClientWrapper struct {
	smClient *sagemaker.Client
}

func (wrapper *endpointClientWrapper) predict(endpointName string, matrix [][]float64, batchSize int) ([]sagemaker.Prediction, error) {
	return wrapper.smClient.Predict(context.Background(), endpointName, matrix, batchSize)
}
