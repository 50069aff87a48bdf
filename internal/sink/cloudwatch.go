package sink

import (
	"context"
	"sort"

	"codeberg.org/mutker/edgetel/internal/event"
	"codeberg.org/mutker/edgetel/internal/params"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

const (
	TypeCloudWatch = "cloudwatch"

	// cloudWatchBatchSize is the PutMetricData datum limit per request.
	cloudWatchBatchSize = 1000
	// cloudWatchMaxDimensions is the per-datum dimension limit.
	cloudWatchMaxDimensions = 30
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var newCloudWatchClient = func(cfg aws.Config) CloudWatchClient {
	return cloudwatch.NewFromConfig(cfg)
}

type cloudWatchSettings struct {
	awsSettings
	Namespace string `json:"namespace" validate:"required"`
}

// CloudWatchSink converts the numeric leaves of each payload into metric
// data, one metric per dotted path, dimensioned by the event tags.
type CloudWatchSink struct {
	cfg    cloudWatchSettings
	client CloudWatchClient
}

func NewCloudWatch() *CloudWatchSink {
	return &CloudWatchSink{}
}

func (s *CloudWatchSink) Configure(ctx context.Context, p map[string]any) error {
	if err := params.Decode(p, &s.cfg); err != nil {
		return err
	}

	awsCfg, err := loadAWSConfig(ctx, s.cfg.awsSettings)
	if err != nil {
		return err
	}
	s.client = newCloudWatchClient(awsCfg)

	return nil
}

func (s *CloudWatchSink) Send(ctx context.Context, ev event.DataEvent) error {
	samples := Samples(ev.Payload)
	if len(samples) == 0 {
		return nil
	}

	dims := dimensions(ev.Tags)
	ts := ev.Timestamp

	data := make([]cwtypes.MetricDatum, 0, len(samples))
	for _, smp := range samples {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(smp.Name(".")),
			Value:      aws.Float64(smp.Value),
			Timestamp:  aws.Time(ts),
			Unit:       cwtypes.StandardUnitNone,
			Dimensions: dims,
		})
	}

	for start := 0; start < len(data); start += cloudWatchBatchSize {
		end := min(start+cloudWatchBatchSize, len(data))
		input := &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(s.cfg.Namespace),
			MetricData: data[start:end],
		}
		if _, err := s.client.PutMetricData(ctx, input); err != nil {
			return deliveryError(TypeCloudWatch, err)
		}
	}

	return nil
}

func (*CloudWatchSink) Close() error { return nil }

func dimensions(tags map[string]string) []cwtypes.Dimension {
	keys := make([]string, 0, len(tags))
	for k, v := range tags {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if len(keys) > cloudWatchMaxDimensions {
		keys = keys[:cloudWatchMaxDimensions]
	}

	dims := make([]cwtypes.Dimension, 0, len(keys))
	for _, k := range keys {
		dims = append(dims, cwtypes.Dimension{
			Name:  aws.String(k),
			Value: aws.String(tags[k]),
		})
	}
	return dims
}
