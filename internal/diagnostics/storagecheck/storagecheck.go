// Package storagecheck runs round-trip diagnostics against a snapshot backend.
package storagecheck

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pkt.systems/kolabd/internal/correlation"
	"pkt.systems/kolabd/internal/storage"
)

// ProbeKey is the object rewritten by every verification run.
const ProbeKey = "kolabd-diagnostics/probe.json"

// DefaultTimeout bounds a full verification run.
const DefaultTimeout = 15 * time.Second

// Result captures the outcome of store verification checks.
type Result struct {
	Provider          string
	Location          string
	Checks            []CheckResult
	RecommendedPolicy string
}

// Passed reports whether all checks succeeded.
func (r Result) Passed() bool {
	for _, check := range r.Checks {
		if check.Err != nil {
			return false
		}
	}
	return true
}

// CheckResult is the outcome of a single verification step.
type CheckResult struct {
	Name string
	Err  error
}

// Target describes the backend under test.
type Target struct {
	Provider string
	Location string
	// Bucket and Prefix feed the recommended IAM policy for aws stores.
	Bucket string
	Prefix string
}

type probe struct {
	Diagnostic bool      `json:"diagnostic"`
	RunID      string    `json:"run_id"`
	WrittenAt  time.Time `json:"written_at"`
}

// Run writes a probe document to backend, reads it back and compares the
// payload. Failed checks are recorded in the result; the returned error is
// reserved for a nil backend.
func Run(ctx context.Context, backend storage.Backend, target Target) (Result, error) {
	if backend == nil {
		return Result{}, errors.New("storagecheck: backend required")
	}
	result := Result{Provider: target.Provider, Location: target.Location}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}
	run := func(name string, fn func(context.Context) error) {
		result.Checks = append(result.Checks, CheckResult{Name: name, Err: fn(ctx)})
	}

	payload, err := json.Marshal(probe{Diagnostic: true, RunID: correlation.New(), WrittenAt: time.Now().UTC()})
	if err != nil {
		return Result{}, err
	}
	var etag string
	run("PutProbe", func(ctx context.Context) error {
		info, err := backend.PutObject(ctx, ProbeKey, bytes.NewReader(payload), storage.PutObjectOptions{ContentType: storage.ContentTypeJSON})
		if err != nil {
			return err
		}
		if info != nil {
			etag = info.ETag
		}
		return nil
	})
	var readBack []byte
	run("GetProbe", func(ctx context.Context) error {
		data, info, err := storage.ReadAll(ctx, backend, ProbeKey)
		if err != nil {
			return err
		}
		readBack = data
		if etag != "" && info != nil && info.ETag != "" && info.ETag != etag {
			return fmt.Errorf("etag mismatch: wrote %s, read %s", etag, info.ETag)
		}
		return nil
	})
	run("CompareProbe", func(context.Context) error {
		if readBack == nil {
			return errors.New("probe not read")
		}
		if !bytes.Equal(readBack, payload) {
			return fmt.Errorf("payload mismatch: wrote %d bytes, read %d", len(payload), len(readBack))
		}
		return nil
	})

	if target.Provider == "aws" && !result.Passed() {
		result.RecommendedPolicy = BuildAWSPolicy(target.Bucket, target.Prefix)
	}
	return result, nil
}

// BuildAWSPolicy renders the minimal IAM policy the aws backend needs.
func BuildAWSPolicy(bucket, prefix string) string {
	bucketARN := fmt.Sprintf("arn:aws:s3:::%s", bucket)
	objects := fmt.Sprintf("arn:aws:s3:::%s/*", bucket)
	if trim := strings.Trim(prefix, "/"); trim != "" {
		objects = fmt.Sprintf("arn:aws:s3:::%s/%s/*", bucket, trim)
	}
	policy := map[string]any{
		"Version": "2012-10-17",
		"Statement": []any{
			map[string]any{
				"Effect":   "Allow",
				"Action":   []string{"s3:ListBucket", "s3:GetBucketLocation"},
				"Resource": []string{bucketARN},
			},
			map[string]any{
				"Effect":   "Allow",
				"Action":   []string{"s3:GetObject", "s3:PutObject"},
				"Resource": []string{objects},
			},
		},
	}
	enc, _ := json.MarshalIndent(policy, "", "  ")
	return string(enc)
}
