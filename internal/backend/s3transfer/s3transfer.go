// Package s3transfer implements the object-storage transfer backend. A task
// fetches its declared downloads into the work directory, then publishes its
// declared uploads under a run-scoped key prefix. Uploads happen per task at
// task completion rather than at the end of the whole run, so downstream
// consumers see outputs as soon as the producing task finishes.
package s3transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/floe-run/floe/internal/backend"
)

const temporaryTagKey = "floe_temporary"

// handleRetention is how long a finished handle stays pollable. Re-polls
// within the window return the same terminal status; afterwards the entry is
// dropped so a long-lived server does not retain every transfer it ever ran.
const handleRetention = 5 * time.Minute

// api is the subset of the S3 client the executor uses.
type api interface {
	PutObject(ctx context.Context, in *awss3.PutObjectInput, opts ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *awss3.GetObjectInput, opts ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	PutObjectTagging(ctx context.Context, in *awss3.PutObjectTaggingInput, opts ...func(*awss3.Options)) (*awss3.PutObjectTaggingOutput, error)
}

// Executor performs S3 downloads and uploads for tasks.
type Executor struct {
	client api
	cfg    Config
	logger *slog.Logger

	// retention overrides handleRetention when nonzero.
	retention time.Duration

	mu        sync.Mutex
	transfers map[string]*transfer
}

type transfer struct {
	cancel context.CancelFunc
	done   chan struct{}

	// status is terminal. Written once before done is closed.
	status backend.TaskStatus
}

// New creates an s3transfer executor over the given client.
func New(client api, cfg Config, logger *slog.Logger) *Executor {
	return &Executor{
		client:    client,
		cfg:       cfg,
		logger:    logger,
		transfers: make(map[string]*transfer),
	}
}

// Capabilities implements backend.Executor.
func (e *Executor) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:           backend.S3Transfer,
		Description:    "transfers task payloads to and from object storage",
		MaxConcurrency: 16,
		Remote:         true,
	}
}

// Submit starts the task's transfers in the background and returns a handle.
// With the call cache enabled, a task whose outputs were already published
// under its cache key completes immediately with the cached outputs.
func (e *Executor) Submit(ctx context.Context, spec backend.TaskSpec) (backend.Handle, error) {
	if len(spec.Downloads) == 0 && len(spec.Uploads) == 0 {
		return backend.Handle{}, backend.NewExecutionError(backend.KindTransfer, "task %s declares no transfer payloads", spec.TaskID)
	}

	handleID := spec.RunID + "/" + spec.TaskID

	key := ""
	if e.cfg.CacheEnabled {
		key = cacheKey(spec)
		if outputs, ok := e.cacheLookup(ctx, key); ok {
			e.logger.Info("call cache hit", "task_id", spec.TaskID, "cache_key", key)
			if spec.LogWriter != nil {
				spec.LogWriter("reused cached outputs")
			}
			tr := &transfer{
				cancel: func() {},
				done:   make(chan struct{}),
				status: backend.TaskStatus{Phase: backend.PhaseSucceeded, Outputs: outputs},
			}
			close(tr.done)
			e.mu.Lock()
			e.transfers[handleID] = tr
			e.mu.Unlock()
			e.evictLater(handleID)
			return backend.Handle{ID: handleID, TaskID: spec.TaskID}, nil
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	tr := &transfer{cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	e.transfers[handleID] = tr
	e.mu.Unlock()

	go e.run(runCtx, tr, spec, key)

	return backend.Handle{ID: handleID, TaskID: spec.TaskID}, nil
}

func (e *Executor) run(ctx context.Context, tr *transfer, spec backend.TaskSpec, key string) {
	defer tr.cancel()

	outputs, err := e.doTransfers(ctx, spec)
	switch {
	case err != nil && ctx.Err() != nil:
		tr.status = backend.TaskStatus{
			Phase: backend.PhaseFailed,
			Err:   backend.NewExecutionError(backend.KindCanceled, "task %s canceled", spec.TaskID),
		}
	case err != nil:
		tr.status = backend.TaskStatus{
			Phase: backend.PhaseFailed,
			Err:   backend.NewExecutionError(backend.KindTransfer, "%v", err),
		}
	default:
		tr.status = backend.TaskStatus{Phase: backend.PhaseSucceeded, Outputs: outputs}
		if key != "" {
			e.cachePut(context.Background(), key, outputs)
		}
	}
	close(tr.done)
	e.evictLater(spec.RunID + "/" + spec.TaskID)
}

// evictLater drops a finished handle from the table after the retention
// window.
func (e *Executor) evictLater(handleID string) {
	retention := e.retention
	if retention == 0 {
		retention = handleRetention
	}
	time.AfterFunc(retention, func() {
		e.mu.Lock()
		delete(e.transfers, handleID)
		e.mu.Unlock()
	})
}

// doTransfers performs downloads then uploads, returning the local-path to
// S3-URI mapping for every uploaded file.
func (e *Executor) doTransfers(ctx context.Context, spec backend.TaskSpec) (map[string]string, error) {
	for _, key := range spec.Downloads {
		if err := e.download(ctx, spec, key); err != nil {
			return nil, err
		}
	}

	outputs := make(map[string]string, len(spec.Uploads))
	for _, local := range spec.Uploads {
		uri, err := e.upload(ctx, spec, local)
		if err != nil {
			return nil, err
		}
		outputs[local] = uri
	}
	return outputs, nil
}

func (e *Executor) download(ctx context.Context, spec backend.TaskSpec, key string) error {
	out, err := e.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(e.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("download %s: %w", key, err)
	}
	defer out.Body.Close()

	dest := filepath.Join(spec.Workdir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("download %s: %w", key, err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("download %s: %w", key, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, out.Body); err != nil {
		return fmt.Errorf("download %s: %w", key, err)
	}

	if spec.LogWriter != nil {
		spec.LogWriter(fmt.Sprintf("downloaded s3://%s/%s", e.cfg.Bucket, key))
	}
	return nil
}

func (e *Executor) upload(ctx context.Context, spec backend.TaskSpec, local string) (string, error) {
	abs := local
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(spec.Workdir, local)
	}
	f, err := os.Open(abs)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", local, err)
	}
	defer f.Close()

	key := path.Join(e.cfg.Prefix, spec.RunID, filepath.Base(local))
	if _, err := e.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(e.cfg.Bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return "", fmt.Errorf("upload %s: %w", local, err)
	}

	if e.cfg.TagTemporary {
		if err := e.flagTemporary(ctx, key); err != nil {
			e.logger.Warn("tag uploaded object", "key", key, "error", err)
		}
	}

	uri := fmt.Sprintf("s3://%s/%s", e.cfg.Bucket, key)
	if spec.LogWriter != nil {
		spec.LogWriter("uploaded " + local + " to " + uri)
	}
	return uri, nil
}

// flagTemporary tags an uploaded object so lifecycle rules can expire it.
func (e *Executor) flagTemporary(ctx context.Context, key string) error {
	_, err := e.client.PutObjectTagging(ctx, &awss3.PutObjectTaggingInput{
		Bucket: aws.String(e.cfg.Bucket),
		Key:    aws.String(key),
		Tagging: &s3types.Tagging{
			TagSet: []s3types.Tag{
				{Key: aws.String(temporaryTagKey), Value: aws.String("true")},
			},
		},
	})
	return err
}

// Poll implements backend.Executor. Re-polling a completed handle returns the
// same terminal status.
func (e *Executor) Poll(_ context.Context, h backend.Handle) (backend.TaskStatus, error) {
	e.mu.Lock()
	tr, ok := e.transfers[h.ID]
	e.mu.Unlock()
	if !ok {
		return backend.TaskStatus{}, fmt.Errorf("s3transfer: unknown handle %q", h.ID)
	}

	select {
	case <-tr.done:
		return tr.status, nil
	default:
		return backend.TaskStatus{Phase: backend.PhaseRunning}, nil
	}
}

// Cancel implements backend.Executor. In-flight transfers are aborted via
// context cancellation; a transfer that already completed keeps its outcome.
func (e *Executor) Cancel(_ context.Context, h backend.Handle) error {
	e.mu.Lock()
	tr, ok := e.transfers[h.ID]
	e.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-tr.done:
		// Completed; completion wins.
	default:
		tr.cancel()
	}
	return nil
}
