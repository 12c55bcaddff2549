package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"

	"reviewml.com/sentiment/api"
	"reviewml.com/sentiment/experiment"
	"reviewml.com/sentiment/logger"
	"reviewml.com/sentiment/pipeline"
	"reviewml.com/sentiment/worker"
)

type Config struct {
	ExperimentPath string `envconfig:"SNT_EXPERIMENT_PATH" default:""`
	RestAPIActive  bool   `envconfig:"SNT_REST_API_ACTIVE" default:"false"`
	RestAPIPort    string `envconfig:"SNT_REST_API_PORT" default:"10000"`
}

const workerRestartDelay = 5 * time.Second

func main() {
	logger.SetupLogging()
	sntLogger := logger.NewLogger("Main")
	fatalErrLogger := sntLogger.Fatal().Caller()

	datasetPath := flag.String("dataset", "", "path to the labeled review CSV")
	experimentPath := flag.String("experiment", "", "path to the experiment file, defaults to the built-in experiment")
	serve := flag.Bool("serve", false, "start the scoring worker instead of running the workflow")
	teardown := flag.Bool("teardown", false, "release the hosting resources of a run")
	runID := flag.String("run", "", "run id, defaults to the latest run")
	flag.Parse()

	var config Config
	if err := envconfig.Process("", &config); err != nil {
		fatalErrLogger.Err(err).Msg("Failed to read environment")
		os.Exit(1)
	}

	path := *experimentPath
	if path == "" {
		path = config.ExperimentPath
	}
	exp, err := loadExperiment(path)
	if err != nil {
		fatalErrLogger.Err(err).Msg("Failed to load experiment")
		os.Exit(1)
	}
	ctx := context.Background()

	if *teardown {
		workflow, err := pipeline.NewWorkflow(exp)
		if err != nil {
			fatalErrLogger.Err(err).Msg("Failed to initialize workflow")
			os.Exit(1)
		}
		defer workflow.Close()
		if err = workflow.Teardown(ctx, *runID); err != nil {
			fatalErrLogger.Err(err).Msg("Failed to tear down run")
			os.Exit(1)
		}
		return
	}

	if *serve {
		serveScoring(&config, sntLogger, fatalErrLogger)
		return
	}

	if *datasetPath == "" {
		fatalErrLogger.Msg("No dataset given, pass -dataset or start with -serve or -teardown")
		os.Exit(1)
	}
	workflow, err := pipeline.NewWorkflow(exp)
	if err != nil {
		fatalErrLogger.Err(err).Msg("Failed to initialize workflow")
		os.Exit(1)
	}
	defer workflow.Close()

	report, err := workflow.Execute(ctx, *datasetPath)
	if err != nil {
		fatalErrLogger.Err(err).Msg("Workflow failed")
		os.Exit(1)
	}
	fmt.Println(report.String())
}

func loadExperiment(path string) (*experiment.Experiment, error) {
	if path == "" {
		exp := experiment.Default()
		return &exp, nil
	}
	return experiment.Load(path)
}

// serveScoring keeps a scoring worker consuming the task queue and, when
// enabled, serves the REST scoring endpoint next to it.
func serveScoring(config *Config, sntLogger zerolog.Logger, fatalErrLogger *zerolog.Event) {
	if config.RestAPIActive {
		scorer, err := pipeline.NewScorer()
		if err != nil {
			fatalErrLogger.Err(err).Msg("Could not initialize scorer")
			os.Exit(1)
		}
		go func() {
			sntLogger.Info().Msg("Starting API service")
			apiRequest := &api.Request{
				Scorer: scorer,
			}
			http.HandleFunc("/score", apiRequest.ProcessScore)
			host := fmt.Sprintf(":%s", config.RestAPIPort)
			sntLogger.Info().Msgf("REST API on %s", host)
			err := http.ListenAndServe(host, nil)
			fatalErrLogger.Err(err).Msg("REST API stopped with error")
		}()
	}

	sntLogger.Info().Msg("Start scoring worker")
	for {
		rmqWorker, err := worker.New()
		if err != nil {
			sntLogger.Fatal().Err(err).Msg("Could not initialize RMQ worker")
			os.Exit(1)
		}
		err = rmqWorker.StartWorker()
		if err != nil {
			sntLogger.Err(err).Msg("Worker returned with error. Launching new in 5 seconds")
			time.Sleep(workerRestartDelay)
		}
	}
}
