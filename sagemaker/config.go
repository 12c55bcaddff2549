package sagemaker

import (
	"errors"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sts"
	"github.com/kelseyhightower/envconfig"
)

type EnvironmentConfig struct {
	Region        string `envconfig:"SNT_COMN_AWS_REGION_NAME" required:"true"`
	RoleArn       string `envconfig:"SNT_SAGEMAKER_ROLE_ARN" required:"true"`
	TrainingImage string `envconfig:"SNT_SAGEMAKER_TRAINING_IMAGE" default:""`
	PollSeconds   int    `envconfig:"SNT_SAGEMAKER_POLL_SECONDS" default:"30"`
	Env           string `envconfig:"SNT_ENV" required:"true"`
	AwsEndpoint   string `envconfig:"SNT_COMN_AWS_ENDPOINT_URL" default:""`
	AccessKeyID   string `envconfig:"SNT_COMN_AWS_ACCESS_ID" default:""`
	AccessKey     string `envconfig:"SNT_COMN_AWS_ACCESS_KEY" default:""`
}

func readEnvironment() (EnvironmentConfig, error) {
	var config EnvironmentConfig
	if err := envconfig.Process("", &config); err != nil {
		return config, err
	}
	return config, nil
}

// newSession builds an AWS session the same way the storage client does:
// the EC2 role config is probed first, environment credentials are the
// fallback, both verified with an STS identity call.
func newSession(env EnvironmentConfig) (*session.Session, error) {
	sess, err := session.NewSession(&aws.Config{
		Region:     aws.String(env.Region),
		MaxRetries: aws.Int(4),
	})
	if err != nil {
		clientLogger.Error().Err(err).Msg("Could not initialize session")
		return nil, err
	}
	if _, err = sts.New(sess).GetCallerIdentity(&sts.GetCallerIdentityInput{}); err == nil {
		clientLogger.Info().Msg("Session successfully initialized using EC2")
		return sess, nil
	}

	clientLogger.Info().Msg("Could not initialize session using EC2, trying env credentials")
	creds := credentials.NewStaticCredentials(env.AccessKeyID, env.AccessKey, "")
	if _, err := creds.Get(); err != nil {
		clientLogger.Error().Err(err).Msg("Error with credentials from environment")
		return nil, err
	}
	cfg := aws.NewConfig().
		WithRegion(env.Region).
		WithMaxRetries(4).
		WithCredentials(creds)
	if env.Env == "dev" && len(env.AwsEndpoint) > 0 {
		cfg = cfg.WithEndpoint(env.AwsEndpoint)
	}
	sess, err = session.NewSession(cfg)
	if err != nil {
		clientLogger.Error().Err(err).Msg("Could not initialize session")
		return nil, err
	}
	if _, err = sts.New(sess).GetCallerIdentity(&sts.GetCallerIdentityInput{}); err != nil {
		clientLogger.Error().Err(err).Msg("Could not initialize session")
		return nil, errors.New("could not initialize session")
	}
	clientLogger.Info().Msg("Session successfully initialized using env credentials")
	return sess, nil
}
