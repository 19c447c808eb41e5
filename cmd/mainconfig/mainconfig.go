// Package mainconfig holds process wiring shared by the binaries under cmd.
package mainconfig

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"

	appconfig "github.com/wolfman30/slot-offer-engine/internal/config"
)

// AWSLoader defers LoadAWSConfig until bootstrap decides AWS is needed.
func AWSLoader(cfg *appconfig.Config) func(context.Context) (aws.Config, error) {
	return func(ctx context.Context) (aws.Config, error) {
		return LoadAWSConfig(ctx, cfg)
	}
}

// LoadAWSConfig resolves region and credentials the usual SDK way. Static
// keys win when both halves are set, and AWS_ENDPOINT_OVERRIDE becomes the
// base endpoint for every client so LocalStack serves DynamoDB, SQS and SES.
func LoadAWSConfig(ctx context.Context, cfg *appconfig.Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWSRegion)}

	keyID, secret := strings.TrimSpace(cfg.AWSAccessKeyID), strings.TrimSpace(cfg.AWSSecretAccessKey)
	if keyID != "" && secret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(keyID, secret, "")))
	}
	if endpoint := strings.TrimSpace(cfg.AWSEndpointOverride); endpoint != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(endpoint))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("mainconfig: load aws config: %w", err)
	}
	return awsCfg, nil
}
