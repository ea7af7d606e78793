// Package ses implements a Transport that submits raw messages via AWS SES v2.
package ses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/OliverSchlueter/goutils/sloki"

	"github.com/shineum/maskrelay/internal/transport"
)

// SESTransportConfig holds the configuration for creating a SESTransport.
type SESTransportConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// SESTransport submits messages through the AWS SES v2 API.
// Failures are not retried here; redelivery of the triggering notification is the retry.
type SESTransport struct {
	client SendEmailAPI
	logger *slog.Logger
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a new SESTransport with the given configuration.
func New(ctx context.Context, cfg SESTransportConfig, logger *slog.Logger) (*SESTransport, error) {
	awsCfg, err := LoadAWSConfig(ctx, cfg.Region, cfg.AccessKeyID, cfg.SecretAccessKey)
	if err != nil {
		return nil, err
	}

	return &SESTransport{
		client: sesv2.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// NewWithClient creates a SESTransport with a custom client, used for testing.
func NewWithClient(client SendEmailAPI, logger *slog.Logger) *SESTransport {
	return &SESTransport{
		client: client,
		logger: logger,
	}
}

// LoadAWSConfig resolves AWS configuration for region, using static
// credentials when both key parts are set and the default chain otherwise.
func LoadAWSConfig(ctx context.Context, region, accessKeyID, secretAccessKey string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(region))

	if accessKeyID != "" && secretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

// SendRaw submits msg as raw MIME content and returns the SES message id.
func (s *SESTransport) SendRaw(ctx context.Context, msg transport.RawMessage) (string, error) {
	input := buildRawInput(msg)

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		terr := toTransportError(err)
		s.logger.Error("ses_client_error_raw_email",
			slog.String("code", terr.Code),
			slog.String("message", terr.Message),
			sloki.WrapError(err),
		)
		return "", terr
	}

	messageID := aws.ToString(out.MessageId)
	if messageID == "" {
		return "", &transport.TransportError{
			Provider: s.Name(),
			Message:  "SES accepted the message without a message id",
		}
	}
	return messageID, nil
}

// Name returns the transport name.
func (s *SESTransport) Name() string {
	return "ses"
}

// buildRawInput maps a RawMessage onto a SendEmail request with raw content.
func buildRawInput(msg transport.RawMessage) *sesv2.SendEmailInput {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.Source),
		Destination: &types.Destination{
			ToAddresses: msg.Destinations,
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{
				Data: msg.Data,
			},
		},
	}
	if msg.ConfigurationSet != "" {
		input.ConfigurationSetName = aws.String(msg.ConfigurationSet)
	}
	return input
}

// toTransportError extracts the API error code and message when the SDK
// returned a structured service error.
func toTransportError(err error) *transport.TransportError {
	terr := &transport.TransportError{
		Provider: "ses",
		Message:  err.Error(),
		Err:      err,
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		terr.Code = apiErr.ErrorCode()
		terr.Message = apiErr.ErrorMessage()
	}
	return terr
}
