package sync

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const ndjson = "application/x-ndjson"

// objectPutter is the part of the S3 client the destination uses.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Destination keeps every snapshot under <prefix>/snapshots/ keyed by
// the time it was taken, and overwrites <prefix>/latest.jsonl with the
// newest one. Objects carry the node and edge counts as metadata.
type S3Destination struct {
	client objectPutter
	bucket string
	prefix string
}

// NewS3Destination creates an S3 destination. If endpoint is non-empty,
// path-style addressing is enabled (for MinIO and similar).
func NewS3Destination(ctx context.Context, bucket, prefix, region, endpoint string) (*S3Destination, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3opts []func(*s3.Options)
	if endpoint != "" {
		s3opts = append(s3opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}
	return newS3Destination(s3.NewFromConfig(cfg, s3opts...), bucket, prefix), nil
}

func newS3Destination(client objectPutter, bucket, prefix string) *S3Destination {
	return &S3Destination{client: client, bucket: bucket, prefix: prefix}
}

// Name returns "s3".
func (d *S3Destination) Name() string { return "s3" }

// SnapshotKey returns the object key of a snapshot taken at t.
func (d *S3Destination) SnapshotKey(t time.Time) string {
	return path.Join(d.prefix, "snapshots", t.UTC().Format("20060102T150405Z")+".jsonl")
}

// LatestKey returns the key always holding the newest snapshot.
func (d *S3Destination) LatestKey() string {
	return path.Join(d.prefix, "latest.jsonl")
}

// Write uploads the snapshot under its timestamped key, then as latest.
func (d *S3Destination) Write(ctx context.Context, snap Snapshot) error {
	meta := map[string]string{
		"nodes": strconv.Itoa(snap.Stats.Nodes),
		"edges": strconv.Itoa(snap.Stats.Edges),
		"taken": snap.Taken.UTC().Format(time.RFC3339),
	}
	for _, key := range []string{d.SnapshotKey(snap.Taken), d.LatestKey()} {
		_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(d.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(snap.Data),
			ContentType: aws.String(ndjson),
			Metadata:    meta,
		})
		if err != nil {
			return fmt.Errorf("s3 put %s: %w", key, err)
		}
	}
	return nil
}
