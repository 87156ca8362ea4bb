package s3transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config holds connection parameters for the s3transfer backend.
type Config struct {
	Bucket string
	// Prefix is the key prefix under which uploads for a run are stored.
	// It should be unique per deployment so different runs do not overwrite
	// each other's outputs.
	Prefix         string
	Region         string
	Endpoint       string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool

	// TagTemporary tags every uploaded object so a bucket lifecycle rule can
	// expire intermediate outputs.
	TagTemporary bool

	// CacheEnabled turns on the call cache: a task's outputs are published
	// under cache/<key>.json below Prefix, and an identical later task reuses
	// them instead of transferring again.
	CacheEnabled bool
}

// Validate checks that required connection parameters are present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("s3transfer: bucket is required")
	}
	return nil
}

// NewClient builds an S3 client from the config. A custom endpoint switches
// to path-style addressing for S3-compatible services.
func NewClient(ctx context.Context, cfg *Config) (*awss3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3transfer: load aws config: %w", err)
	}

	var s3Opts []func(*awss3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *awss3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	} else if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *awss3.Options) {
			o.UsePathStyle = true
		})
	}

	return awss3.NewFromConfig(awsCfg, s3Opts...), nil
}
