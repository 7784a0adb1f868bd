package driftdb

import (
	"context"
	"testing"
)

func TestNewS3RemoteValidation(t *testing.T) {
	ctx := context.Background()

	if _, err := NewS3Remote(ctx, "id", S3RemoteConfig{}); err == nil {
		t.Error("expected error for missing bucket")
	}

	cfg := DefaultS3RemoteConfig("bucket", "collections/docs/")
	cfg.Region = "eu-west-1"
	cfg.Endpoint = "http://localhost:9000"
	cfg.AccessKeyID = "key"
	cfg.SecretAccessKey = "secret"
	cfg.UsePathStyle = true

	remote, err := NewS3Remote(ctx, "id", cfg)
	if err != nil {
		t.Fatalf("new s3 remote: %v", err)
	}
	if remote.objectKey("doc-1") != "collections/docs/doc-1" {
		t.Errorf("object key = %s", remote.objectKey("doc-1"))
	}
	if remote.PullOptions().Handler == nil || remote.PushOptions().Handler == nil {
		t.Error("handlers not wired")
	}
	if remote.PushOptions().BatchSize != cfg.BatchSize {
		t.Errorf("push batch size = %d, want %d", remote.PushOptions().BatchSize, cfg.BatchSize)
	}
}
