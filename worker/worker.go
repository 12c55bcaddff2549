package worker

import (
	"fmt"
	"sync"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"reviewml.com/sentiment/features"
	"reviewml.com/sentiment/logger"
	"reviewml.com/sentiment/registry"
	"reviewml.com/sentiment/rmq"
	"reviewml.com/sentiment/s3client"
	"reviewml.com/sentiment/sagemaker"
	"reviewml.com/sentiment/textnorm"
)

type Config struct {
	PredictBatchSize int `envconfig:"SNT_SCORE_BATCH_SIZE" default:"100"`
}

type Worker struct {
	config     Config
	registry   registryTransactions
	s3         s3Transactions
	rmq        rmqTransactions
	endpoint   endpointTransactions
	normalizer *textnorm.Normalizer
	sntLogger  *zerolog.Logger

	mu           sync.RWMutex
	transformers map[string]*features.Transformer
}

func New() (*Worker, error) {
	sntLogger := logger.NewLogger("Worker")

	var config Config
	if err := envconfig.Process("", &config); err != nil {
		sntLogger.Error().Err(err).Msg("Could not read config")
		return nil, err
	}

	worker := Worker{
		config:       config,
		normalizer:   textnorm.NewNormalizer(),
		sntLogger:    &sntLogger,
		transformers: map[string]*features.Transformer{},
	}
	if err := worker.refreshRMQClient(); err != nil {
		sntLogger.Error().Err(err).Msg("Could not create RMQ client")
		return nil, err
	}
	if err := worker.refreshS3Client(); err != nil {
		sntLogger.Error().Err(err).Msg("Could not create S3 client")
		return nil, err
	}
	if err := worker.refreshRegistryClient(); err != nil {
		sntLogger.Error().Err(err).Msg("Could not create registry client")
		return nil, err
	}
	if err := worker.refreshEndpointClient(); err != nil {
		sntLogger.Error().Err(err).Msg("Could not create SageMaker client")
		return nil, err
	}
	return &worker, nil
}

func (worker *Worker) StartWorker() error {
	defer worker.Close()
	for {
		select {
		case delivery, ok := <-worker.rmq.getDeliveriesCh():
			if ok {
				go worker.processMessage(&delivery)
				continue
			}
			worker.sntLogger.Error().Msg("Deliveries channel closed, trying to refresh RMQ client")
			if err := worker.refreshRMQClient(); err != nil {
				return fmt.Errorf(
					"rmq deliveries channel has been closed and refresh returned error: %w",
					err,
				)
			}
		case rmqErr := <-worker.rmq.getRespChanErrorsCh():
			if rmqErr == nil {
				continue
			}
			worker.sntLogger.Err(rmqErr).Msg("Response connection received error, trying to refresh RMQ client")
			if err := worker.refreshRMQClient(); err != nil {
				return fmt.Errorf(
					"response connection received error and refresh failed with: %w",
					err,
				)
			}
		case rmqErr := <-worker.rmq.getReqChanErrorsCh():
			if rmqErr == nil {
				continue
			}
			worker.sntLogger.Err(rmqErr).Msg("Request connection received error, trying to refresh RMQ client")
			if err := worker.refreshRMQClient(); err != nil {
				return fmt.Errorf(
					"request connection received error and refresh failed with: %w",
					err,
				)
			}
		}
	}
}

func (worker *Worker) Close() {
	worker.registry.close()
	worker.s3.close()
	worker.rmq.close()
}

func (worker *Worker) refreshRegistryClient() error {
	worker.sntLogger.Info().Msg("Refreshing registry client")
	if oldClient := worker.registry; oldClient != nil {
		defer oldClient.close()
	}
	registryClient, err := registry.NewClient()
	if err != nil {
		worker.sntLogger.Err(err).Msg("Failed to refresh registry client")
		return err
	}
	worker.registry = &registryClientWrapper{registryClient}
	worker.sntLogger.Info().Msg("Refreshed registry client")
	return nil
}

func (worker *Worker) refreshRMQClient() error {
	worker.sntLogger.Info().Msg("Refreshing RMQ client")
	if oldClient := worker.rmq; oldClient != nil {
		defer oldClient.close()
	}
	rmqClient, err := rmq.NewClient()
	if err != nil {
		worker.sntLogger.Err(err).Msg("Failed to refresh RMQ client")
		return err
	}
	worker.rmq = &rmqClientWrapper{rmqClient}
	worker.sntLogger.Info().Msg("Refreshed RMQ client")
	return nil
}

func (worker *Worker) refreshS3Client() error {
	worker.sntLogger.Info().Msg("Refreshing S3 client")
	if oldClient := worker.s3; oldClient != nil {
		defer oldClient.close()
	}
	s3Client, err := s3client.New()
	if err != nil {
		worker.sntLogger.Err(err).Msg("Failed to refresh S3 client")
		return err
	}
	worker.s3 = &s3ClientWrapper{s3Client}
	worker.sntLogger.Info().Msg("Refreshed S3 client")
	return nil
}

func (worker *Worker) refreshEndpointClient() error {
	worker.sntLogger.Info().Msg("Refreshing SageMaker client")
	smClient, err := sagemaker.New()
	if err != nil {
		worker.sntLogger.Err(err).Msg("Failed to refresh SageMaker client")
		return err
	}
	worker.endpoint = &endpointClientWrapper{smClient}
	worker.sntLogger.Info().Msg("Refreshed SageMaker client")
	return nil
}
