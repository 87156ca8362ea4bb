package s3transfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"path"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/floe-run/floe/internal/backend"
)

// cacheKey derives a stable identity for a task's work from everything that
// determines its outputs: the command, its environment, and the declared
// transfer payload. Run ids are deliberately excluded so identical tasks
// across runs share one cache entry.
func cacheKey(spec backend.TaskSpec) string {
	h := sha256.New()
	field := func(parts ...string) {
		for _, p := range parts {
			io.WriteString(h, p)
			h.Write([]byte{0})
		}
	}
	field(spec.Command...)
	envKeys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for _, k := range envKeys {
		field(k, spec.Env[k])
	}
	field(spec.Downloads...)
	field(spec.Uploads...)
	return hex.EncodeToString(h.Sum(nil))
}

// cacheObjectKey is where a cached result lives under the configured prefix.
func (e *Executor) cacheObjectKey(key string) string {
	return path.Join(e.cfg.Prefix, "cache", key+".json")
}

// cacheLookup fetches a previously published result for the key. A missing or
// unreadable cache object is a miss, never an error.
func (e *Executor) cacheLookup(ctx context.Context, key string) (map[string]string, bool) {
	out, err := e.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(e.cfg.Bucket),
		Key:    aws.String(e.cacheObjectKey(key)),
	})
	if err != nil {
		return nil, false
	}
	defer out.Body.Close()

	var outputs map[string]string
	if err := json.NewDecoder(out.Body).Decode(&outputs); err != nil {
		e.logger.Warn("corrupt cache object", "cache_key", key, "error", err)
		return nil, false
	}
	return outputs, true
}

// cachePut publishes a task's outputs under its cache key. Best effort: a
// failed insert only means the next identical task re-executes.
func (e *Executor) cachePut(ctx context.Context, key string, outputs map[string]string) {
	data, err := json.Marshal(outputs)
	if err != nil {
		return
	}

	objKey := e.cacheObjectKey(key)
	if _, err := e.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(e.cfg.Bucket),
		Key:    aws.String(objKey),
		Body:   bytes.NewReader(data),
	}); err != nil {
		e.logger.Warn("cache insert", "cache_key", key, "error", err)
		return
	}

	if e.cfg.TagTemporary {
		if err := e.flagTemporary(ctx, objKey); err != nil {
			e.logger.Warn("tag cache object", "key", objKey, "error", err)
		}
	}
	e.logger.Info("call cache insert", "cache_key", key)
}
