package sink

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/nats-io/nats.go"
)

// Hooks replacing external clients in tests. Each returns a restore func.

func SetNATSConnect(f func(url string, opts ...nats.Option) (Publisher, error)) func() {
	old := natsConnect
	natsConnect = f
	return func() { natsConnect = old }
}

func SetSQSClient(c SQSSender) func() {
	oldLoad, oldNew := loadAWSConfig, newSQSClient
	loadAWSConfig = func(context.Context, awsSettings) (aws.Config, error) { return aws.Config{}, nil }
	newSQSClient = func(aws.Config) SQSSender { return c }
	return func() { loadAWSConfig, newSQSClient = oldLoad, oldNew }
}

func SetCloudWatchClient(c CloudWatchClient) func() {
	oldLoad, oldNew := loadAWSConfig, newCloudWatchClient
	loadAWSConfig = func(context.Context, awsSettings) (aws.Config, error) { return aws.Config{}, nil }
	newCloudWatchClient = func(aws.Config) CloudWatchClient { return c }
	return func() { loadAWSConfig, newCloudWatchClient = oldLoad, oldNew }
}

func SetPGPool(p PGPool) func() {
	old := newPGPool
	newPGPool = func(context.Context, string) (PGPool, error) { return p, nil }
	return func() { newPGPool = old }
}
