package sink

import (
	"context"

	"codeberg.org/mutker/edgetel/internal/errors"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

type awsSettings struct {
	Region   string `json:"region"`
	Profile  string `json:"profile"`
	Endpoint string `json:"endpoint" validate:"omitempty,url"`
}

var loadAWSConfig = func(ctx context.Context, s awsSettings) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if s.Region != "" {
		opts = append(opts, awsconfig.WithRegion(s.Region))
	}
	if s.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(s.Profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, errors.New().Wrap(errors.ErrInitFailed, err)
	}
	if s.Endpoint != "" {
		cfg.BaseEndpoint = aws.String(s.Endpoint)
	}

	return cfg, nil
}
