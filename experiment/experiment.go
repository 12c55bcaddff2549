package experiment

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"reviewml.com/sentiment/dataset"
	"reviewml.com/sentiment/features"
	"reviewml.com/sentiment/utils"
)

// Experiment is the run definition read from a YAML file: how to read the
// dataset, how to split it, how wide the vocabularies are and what to ask
// of the training service. Infrastructure settings (credentials, queues,
// buckets) stay in the environment; everything that changes between
// experiments lives here.
type Experiment struct {
	Name               string            `yaml:"name" json:"name"`
	Columns            ColumnsConfig     `yaml:"columns" json:"columns"`
	Split              SplitConfig       `yaml:"split" json:"split"`
	Vocabulary         VocabularyConfig  `yaml:"vocabulary" json:"vocabulary"`
	Hyperparameters    map[string]string `yaml:"hyperparameters" json:"hyperparameters"`
	Training           TrainingConfig    `yaml:"training" json:"training"`
	Endpoint           EndpointConfig    `yaml:"endpoint" json:"endpoint"`
	ExtraStopWordsFile string            `yaml:"extra_stop_words_file" json:"extra_stop_words_file"`
}

type ColumnsConfig struct {
	ReviewText string `yaml:"review_text" json:"review_text"`
	Summary    string `yaml:"summary" json:"summary"`
	Verified   string `yaml:"verified" json:"verified"`
	Time       string `yaml:"time" json:"time"`
	LogVotes   string `yaml:"log_votes" json:"log_votes"`
	Label      string `yaml:"label" json:"label"`
}

type SplitConfig struct {
	Train      float64 `yaml:"train" json:"train"`
	Validation float64 `yaml:"validation" json:"validation"`
	Seed       int64   `yaml:"seed" json:"seed"`
}

type VocabularyConfig struct {
	Summary    int `yaml:"summary" json:"summary"`
	ReviewText int `yaml:"review_text" json:"review_text"`
}

type TrainingConfig struct {
	InstanceType      string `yaml:"instance_type" json:"instance_type"`
	InstanceCount     int64  `yaml:"instance_count" json:"instance_count"`
	VolumeSizeGB      int64  `yaml:"volume_size_gb" json:"volume_size_gb"`
	MaxRuntimeSeconds int64  `yaml:"max_runtime_seconds" json:"max_runtime_seconds"`
	Epochs            int    `yaml:"epochs" json:"epochs"`
	MiniBatchSize     int    `yaml:"mini_batch_size" json:"mini_batch_size"`
}

type EndpointConfig struct {
	InstanceType  string `yaml:"instance_type" json:"instance_type"`
	InstanceCount int64  `yaml:"instance_count" json:"instance_count"`
	BatchSize     int    `yaml:"batch_size" json:"batch_size"`
}

func Default() Experiment {
	return Experiment{
		Name: "review-sentiment",
		Columns: ColumnsConfig{
			ReviewText: "reviewText",
			Summary:    "summary",
			Verified:   "verified",
			Time:       "time",
			LogVotes:   "log_votes",
			Label:      "isPositive",
		},
		Split: SplitConfig{
			Train:      0.8,
			Validation: 0.1,
			Seed:       42,
		},
		Vocabulary: VocabularyConfig{
			Summary:    50,
			ReviewText: 150,
		},
		Training: TrainingConfig{
			InstanceType:      "ml.m4.xlarge",
			InstanceCount:     1,
			VolumeSizeGB:      30,
			MaxRuntimeSeconds: 3600,
			Epochs:            10,
			MiniBatchSize:     100,
		},
		Endpoint: EndpointConfig{
			InstanceType:  "ml.t2.medium",
			InstanceCount: 1,
			BatchSize:     100,
		},
	}
}

// Load reads an experiment file over the defaults and validates it.
func Load(path string) (*Experiment, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read experiment file: %w", err)
	}

	exp := Default()
	if err := yaml.Unmarshal(buf, &exp); err != nil {
		return nil, fmt.Errorf("failed to parse experiment file: %w", err)
	}
	if err := exp.Validate(); err != nil {
		return nil, err
	}
	return &exp, nil
}

func (e *Experiment) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("experiment name is empty")
	}
	if e.Split.Train <= 0 || e.Split.Validation < 0 || e.Split.Train+e.Split.Validation >= 1 {
		return fmt.Errorf("split shares are invalid: train=%v validation=%v", e.Split.Train, e.Split.Validation)
	}
	if e.Vocabulary.Summary <= 0 || e.Vocabulary.ReviewText <= 0 {
		return fmt.Errorf("vocabulary sizes must be positive")
	}
	if e.Training.InstanceCount < 1 || e.Endpoint.InstanceCount < 1 {
		return fmt.Errorf("instance counts must be at least 1")
	}
	if e.Endpoint.BatchSize < 1 {
		return fmt.Errorf("endpoint batch size must be at least 1")
	}
	for _, col := range []string{
		e.Columns.ReviewText, e.Columns.Summary, e.Columns.Verified,
		e.Columns.Time, e.Columns.LogVotes, e.Columns.Label,
	} {
		if col == "" {
			return fmt.Errorf("column names must not be empty")
		}
	}
	return nil
}

// Fingerprint hashes the canonical encoding of the experiment, so the run
// registry can tell two runs with identical settings apart from changed
// ones.
func (e *Experiment) Fingerprint() uint64 {
	buf, err := yaml.Marshal(e)
	if err != nil {
		panic(err)
	}
	return utils.HashBytes(buf)
}

func (e *Experiment) DatasetColumns() dataset.Columns {
	return dataset.Columns{
		ReviewText: e.Columns.ReviewText,
		Summary:    e.Columns.Summary,
		Verified:   e.Columns.Verified,
		Time:       e.Columns.Time,
		LogVotes:   e.Columns.LogVotes,
		Label:      e.Columns.Label,
	}
}

func (e *Experiment) SplitRatios() dataset.SplitRatios {
	return dataset.SplitRatios{
		Train:      e.Split.Train,
		Validation: e.Split.Validation,
	}
}

func (e *Experiment) FeatureConfig() features.Config {
	return features.Config{
		SummaryVocabSize: e.Vocabulary.Summary,
		ReviewVocabSize:  e.Vocabulary.ReviewText,
	}
}
