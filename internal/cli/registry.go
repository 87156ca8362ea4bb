package cli

import (
	"context"
	"log/slog"

	"github.com/floe-run/floe/internal/backend"
	"github.com/floe-run/floe/internal/backend/s3transfer"
	"github.com/floe-run/floe/internal/backend/sfn"
	"github.com/floe-run/floe/internal/backend/subprocess"
	"github.com/floe-run/floe/internal/config"
)

// buildRegistry assembles the backend registry from configuration. The
// subprocess backend is always available; the remote backends are registered
// only when their connection settings are present.
func buildRegistry(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backend.Registry, error) {
	reg := backend.NewRegistry()
	reg.Register(backend.Subprocess, subprocess.New(logger))

	if cfg.S3.Bucket != "" {
		s3cfg := s3transfer.Config{
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			Region:         cfg.S3.Region,
			Endpoint:       cfg.S3.Endpoint,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			TagTemporary:   cfg.S3.TagTemporary,
			CacheEnabled:   cfg.S3.CallCache,
		}
		if err := s3cfg.Validate(); err != nil {
			return nil, err
		}
		client, err := s3transfer.NewClient(ctx, &s3cfg)
		if err != nil {
			return nil, err
		}
		reg.Register(backend.S3Transfer, s3transfer.New(client, s3cfg, logger))
	}

	if cfg.SFN.StateMachineARN != "" {
		sfncfg := sfn.Config{
			StateMachineARN: cfg.SFN.StateMachineARN,
			Region:          cfg.SFN.Region,
		}
		if err := sfncfg.Validate(); err != nil {
			return nil, err
		}
		client, err := sfn.NewClient(ctx, &sfncfg)
		if err != nil {
			return nil, err
		}
		reg.Register(backend.SFN, sfn.New(client, sfncfg, logger))
	}

	reg.Freeze()

	// Fail fast on a default backend that nothing registered.
	if _, err := reg.Resolve(cfg.Backend); err != nil {
		return nil, err
	}
	return reg, nil
}
