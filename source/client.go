package source

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// AWSConfig describes one credential scope. Every queue sharing a scope
// shares one client.
type AWSConfig struct {
	Region        string
	STSRoleARN    string
	STSExternalID string
	// Endpoint overrides the SQS endpoint, e.g. for LocalStack.
	Endpoint string
}

// LoadAWSConfig resolves credentials through the default provider chain and
// optionally assumes cfg.STSRoleARN on top of them.
func LoadAWSConfig(ctx context.Context, cfg AWSConfig) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}

	if cfg.STSRoleARN != "" {
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(awsCfg), cfg.STSRoleARN, func(o *stscreds.AssumeRoleOptions) {
			if cfg.STSExternalID != "" {
				o.ExternalID = aws.String(cfg.STSExternalID)
			}
		})
		awsCfg.Credentials = aws.NewCredentialsCache(provider)
	}
	return awsCfg, nil
}

// NewClient builds the SQS client for one credential scope.
func NewClient(ctx context.Context, cfg AWSConfig) (*SQS, error) {
	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewSQS(client), nil
}
