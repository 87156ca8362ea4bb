package sfn

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awssfn "github.com/aws/aws-sdk-go-v2/service/sfn"
)

// NewClient builds a Step Functions client from the config.
func NewClient(ctx context.Context, cfg *Config) (*awssfn.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sfn: load aws config: %w", err)
	}
	return awssfn.NewFromConfig(awsCfg), nil
}
