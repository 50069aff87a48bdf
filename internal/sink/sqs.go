package sink

import (
	"context"
	"encoding/base64"

	"codeberg.org/mutker/edgetel/internal/event"
	"codeberg.org/mutker/edgetel/internal/params"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

const TypeSQS = "sqs"

// SQSSender abstracts the SQS SendMessage operation for testability.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

var newSQSClient = func(cfg aws.Config) SQSSender {
	return sqs.NewFromConfig(cfg)
}

type sqsSettings struct {
	awsSettings
	QueueURL    string `json:"queueUrl" validate:"required,url"`
	Format      Format `json:"format" validate:"omitempty,oneof=json cbor"`
	GroupID     string `json:"messageGroupId"`
}

// SQSSink sends one message per event. CBOR bodies are base64 encoded
// since SQS bodies must be text.
type SQSSink struct {
	cfg    sqsSettings
	client SQSSender
}

func NewSQS() *SQSSink {
	return &SQSSink{}
}

func (s *SQSSink) Configure(ctx context.Context, p map[string]any) error {
	if err := params.Decode(p, &s.cfg); err != nil {
		return err
	}
	if s.cfg.Format == "" {
		s.cfg.Format = FormatJSON
	}

	awsCfg, err := loadAWSConfig(ctx, s.cfg.awsSettings)
	if err != nil {
		return err
	}
	s.client = newSQSClient(awsCfg)

	return nil
}

func (s *SQSSink) Send(ctx context.Context, ev event.DataEvent) error {
	data, err := Encode(ev, s.cfg.Format)
	if err != nil {
		return err
	}

	body := string(data)
	if s.cfg.Format == FormatCBOR {
		body = base64.StdEncoding.EncodeToString(data)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.cfg.QueueURL),
		MessageBody: aws.String(body),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"namespace": {
				DataType:    aws.String("String"),
				StringValue: aws.String(ev.Namespace),
			},
			"origin": {
				DataType:    aws.String("String"),
				StringValue: aws.String(ev.Origin()),
			},
			"format": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(s.cfg.Format)),
			},
		},
	}
	if s.cfg.GroupID != "" {
		input.MessageGroupId = aws.String(s.cfg.GroupID)
		input.MessageDeduplicationId = aws.String(ev.ID)
	}

	if _, err := s.client.SendMessage(ctx, input); err != nil {
		return deliveryError(TypeSQS, err)
	}

	return nil
}

func (*SQSSink) Close() error { return nil }
