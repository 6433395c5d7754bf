package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/atmx/updown-engine/internal/model"
)

// S3Config holds the settings for an S3-compatible archive bucket.
type S3Config struct {
	// Endpoint is the S3-compatible endpoint URL. Leave empty for AWS S3.
	Endpoint string

	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string

	// UseSSL picks the scheme when Endpoint has none.
	UseSSL bool

	// ForcePathStyle puts the bucket in the path. MinIO needs it.
	ForcePathStyle bool
}

// ObjectPutter is the part of the S3 client the journal uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Journal writes one JSON object per settled session. A repeated summary
// overwrites the same key.
type S3Journal struct {
	client ObjectPutter
	bucket string
	prefix string
}

// NewS3Journal builds an S3 client from cfg.
func NewS3Journal(ctx context.Context, cfg S3Config) (*S3Journal, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("journal: s3 bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("journal: s3 region is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("journal: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := normaliseEndpoint(cfg.Endpoint, cfg.UseSSL)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return NewS3JournalWithClient(s3.NewFromConfig(awsCfg, s3Opts...), cfg.Bucket, cfg.Prefix), nil
}

// NewS3JournalWithClient wraps an existing client.
func NewS3JournalWithClient(client ObjectPutter, bucket, prefix string) *S3Journal {
	return &S3Journal{client: client, bucket: bucket, prefix: prefix}
}

func (j *S3Journal) Name() string { return "s3" }

// Record uploads the summary under {prefix}/YYYY/MM/DD/{session}.json.
func (j *S3Journal) Record(ctx context.Context, summary model.SessionSummary) error {
	body, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("journal: marshal summary: %w", err)
	}

	key := j.Key(summary)
	_, err = j.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(j.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("journal: put object %s: %w", key, err)
	}
	return nil
}

// Key returns the object key for a summary.
func (j *S3Journal) Key(summary model.SessionSummary) string {
	return path.Join(j.prefix, summary.StartTime.UTC().Format("2006/01/02"), summary.SessionID+".json")
}

func normaliseEndpoint(endpoint string, useSSL bool) string {
	parsed, err := url.Parse(endpoint)
	if err == nil && parsed.Scheme != "" {
		return endpoint
	}
	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	return scheme + "://" + endpoint
}
