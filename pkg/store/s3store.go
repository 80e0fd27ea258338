package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// maxSnapshotSize is the maximum allowed size for an archived snapshot (100 MiB).
const maxSnapshotSize = 100 << 20

// S3Client is the subset of the AWS S3 client API used by S3Archive.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Archive stores the last fully successful snapshot as a single JSON object
// at s3://<bucket>/<keyPrefix>/snapshot.json.
type S3Archive struct {
	client S3Client
	bucket string
	key    string

	persistMu sync.Mutex
}

// NewS3Archive creates an S3Archive.
func NewS3Archive(client S3Client, bucket, keyPrefix string) *S3Archive {
	return &S3Archive{
		client: client,
		bucket: bucket,
		key:    keyPrefix + "/snapshot.json",
	}
}

// Key returns the object key snapshots are written to.
func (a *S3Archive) Key() string { return a.key }

// Persist serialises snap to S3 as JSON.
func (a *S3Archive) Persist(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return errors.New("persist: nil snapshot")
	}
	a.persistMu.Lock()
	defer a.persistMu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &a.bucket,
		Key:         &a.key,
		Body:        bytes.NewReader(data),
		ContentType: strPtr("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", a.bucket, a.key, err)
	}

	slog.Debug("archived snapshot to S3",
		"bucket", a.bucket,
		"key", a.key,
		"cycle", snap.Cycle,
		"clusters", len(snap.Clusters),
	)
	return nil
}

// Restore loads the archived snapshot. A missing object yields (nil, nil).
func (a *S3Archive) Restore(ctx context.Context) (*Snapshot, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &a.bucket,
		Key:    &a.key,
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			slog.Warn("no archived snapshot found",
				"bucket", a.bucket,
				"key", a.key,
			)
			return nil, nil
		}
		return nil, fmt.Errorf("get s3://%s/%s: %w", a.bucket, a.key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxSnapshotSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxSnapshotSize {
		return nil, fmt.Errorf("archived snapshot exceeds maximum allowed size of %d bytes", maxSnapshotSize)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode archived snapshot: %w", err)
	}

	slog.Info("restored archived snapshot from S3",
		"bucket", a.bucket,
		"key", a.key,
		"cycle", snap.Cycle,
		"capturedAt", snap.CapturedAt,
	)
	return &snap, nil
}

// NewS3Client creates a real AWS S3 client using the default credential chain.
// If endpoint is non-empty, path-style addressing is enabled (for MinIO, LocalStack, etc.).
func NewS3Client(ctx context.Context, region, endpoint string) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}

	opts := []func(*s3.Options){}
	if endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
			o.UsePathStyle = true
		})
	}

	return s3.NewFromConfig(awsCfg, opts...), nil
}

func strPtr(s string) *string { return &s }
