package driftdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3RemoteConfig configures an S3-backed remote endpoint. Every wire
// document is stored as one JSON object under Prefix, keyed by its primary
// key; pulls walk the bucket in key order using the last pulled document as
// the resume marker.
type S3RemoteConfig struct {
	// Bucket is the S3 bucket name.
	Bucket string

	// Prefix is prepended to all object keys (e.g. "collections/orders/").
	Prefix string

	// Region is the AWS region.
	Region string

	// Endpoint optionally points at an S3-compatible service such as MinIO.
	Endpoint string

	// AccessKeyID and SecretAccessKey configure static credentials. When
	// empty, the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string

	// UsePathStyle forces path-style addressing (needed for MinIO).
	UsePathStyle bool

	// BatchSize caps the number of documents per pull page and per push.
	BatchSize int

	// Timeout bounds a single S3 operation.
	Timeout time.Duration
}

// DefaultS3RemoteConfig returns defaults for the given bucket and prefix.
func DefaultS3RemoteConfig(bucket, prefix string) S3RemoteConfig {
	return S3RemoteConfig{
		Bucket:    bucket,
		Prefix:    prefix,
		BatchSize: 100,
		Timeout:   30 * time.Second,
	}
}

// S3Remote turns an S3 bucket (or compatible object store) into pull and
// push handlers, letting an edge database sync its documents against cloud
// object storage without a dedicated replication server.
type S3Remote struct {
	config      S3RemoteConfig
	client      *s3.Client
	primaryPath string
}

// NewS3Remote creates an S3-backed remote for documents keyed at the given
// primary path.
func NewS3Remote(ctx context.Context, primaryPath string, cfg S3RemoteConfig) (*S3Remote, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 remote: bucket is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3 remote: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Remote{config: cfg, client: client, primaryPath: primaryPath}, nil
}

// PullOptions returns pull options backed by this remote.
func (r *S3Remote) PullOptions() *PullOptions {
	return &PullOptions{Handler: r.pullHandler}
}

// PushOptions returns push options backed by this remote.
func (r *S3Remote) PushOptions() *PushOptions {
	return &PushOptions{Handler: r.pushHandler, BatchSize: r.config.BatchSize}
}

func (r *S3Remote) objectKey(id string) string {
	return r.config.Prefix + id
}

func (r *S3Remote) pullHandler(ctx context.Context, lastPulled DocumentData) (*PullResult, error) {
	opCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(r.config.Bucket),
		Prefix:  aws.String(r.config.Prefix),
		MaxKeys: aws.Int32(int32(r.config.BatchSize)),
	}
	if lastPulled != nil {
		if id, ok := lastPulled.Primary(r.primaryPath); ok {
			input.StartAfter = aws.String(r.objectKey(id))
		}
	}

	listing, err := r.client.ListObjectsV2(opCtx, input)
	if err != nil {
		return nil, fmt.Errorf("s3 remote: list objects: %w", err)
	}

	docs := make([]DocumentData, 0, len(listing.Contents))
	for _, object := range listing.Contents {
		doc, err := r.getDocument(opCtx, aws.ToString(object.Key))
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}

	return &PullResult{
		Documents:        docs,
		HasMoreDocuments: aws.ToBool(listing.IsTruncated),
	}, nil
}

func (r *S3Remote) getDocument(ctx context.Context, key string) (DocumentData, error) {
	object, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 remote: get object %s: %w", key, err)
	}
	defer func() { _ = object.Body.Close() }()

	raw, err := io.ReadAll(object.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 remote: read object %s: %w", key, err)
	}
	var doc DocumentData
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("s3 remote: decode object %s: %w", key, err)
	}
	return doc, nil
}

func (r *S3Remote) pushHandler(ctx context.Context, docs []DocumentData) error {
	for _, doc := range docs {
		id, ok := doc.Primary(r.primaryPath)
		if !ok {
			return fmt.Errorf("s3 remote: document misses primary key %q: %w", r.primaryPath, ErrMissingPrimary)
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("s3 remote: encode document %s: %w", id, err)
		}

		opCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
		_, err = r.client.PutObject(opCtx, &s3.PutObjectInput{
			Bucket:      aws.String(r.config.Bucket),
			Key:         aws.String(r.objectKey(id)),
			Body:        bytes.NewReader(raw),
			ContentType: aws.String("application/json"),
		})
		cancel()
		if err != nil {
			return fmt.Errorf("s3 remote: put object %s: %w", id, err)
		}
	}
	return nil
}
