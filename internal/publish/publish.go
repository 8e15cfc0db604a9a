// Package publish uploads exported artifacts to S3-compatible storage.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/JonMunkholm/cnpjsync/internal/config"
	"github.com/JonMunkholm/cnpjsync/internal/retry"
)

// API is the subset of the S3 client the publisher uses.
type API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Result is the outcome of one upload.
type Result struct {
	Path    string
	Key     string
	Skipped bool
	Err     error
}

// Publisher uploads artifacts under Bucket/Prefix/partition/.
type Publisher struct {
	client API
	bucket string
	prefix string
	retry  retry.Config
	log    *slog.Logger
}

// New creates a publisher from cfg using the default AWS credential chain.
// A custom Endpoint switches to path-style addressing for S3-compatible servers.
func New(ctx context.Context, cfg config.S3Config, rc retry.Config, log *slog.Logger) (*Publisher, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix, rc, log), nil
}

// NewWithClient creates a publisher on an existing client.
func NewWithClient(client API, bucket, prefix string, rc retry.Config, log *slog.Logger) *Publisher {
	return &Publisher{
		client: client,
		bucket: bucket,
		prefix: prefix,
		retry:  rc,
		log:    log.With("component", "publish", "bucket", bucket),
	}
}

// Key returns the object key for an artifact of partition.
func (p *Publisher) Key(partition, file string) string {
	return path.Join(p.prefix, partition, filepath.Base(file))
}

// Publish uploads files in order. An object that already exists with the
// same size is skipped. Per-file failures are returned in the results.
func (p *Publisher) Publish(ctx context.Context, partition string, files []string) []Result {
	results := make([]Result, 0, len(files))
	for _, f := range files {
		if ctx.Err() != nil {
			results = append(results, Result{Path: f, Err: ctx.Err()})
			continue
		}
		res := p.publishOne(ctx, partition, f)
		if res.Err != nil {
			p.log.Error("upload failed", "file", f, "key", res.Key, "error", res.Err)
		} else if res.Skipped {
			p.log.Info("upload skipped, object unchanged", "key", res.Key)
		} else {
			p.log.Info("uploaded", "key", res.Key)
		}
		results = append(results, res)
	}
	return results
}

func (p *Publisher) publishOne(ctx context.Context, partition, file string) Result {
	res := Result{Path: file, Key: p.Key(partition, file)}

	info, err := os.Stat(file)
	if err != nil {
		res.Err = err
		return res
	}

	if size, ok := p.remoteSize(ctx, res.Key); ok && size == info.Size() {
		res.Skipped = true
		return res
	}

	res.Err = retry.Do(ctx, p.retry, func(ctx context.Context, attempt int) error {
		f, err := os.Open(file)
		if err != nil {
			return retry.Permanent(err)
		}
		defer f.Close()

		_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(p.bucket),
			Key:           aws.String(res.Key),
			Body:          f,
			ContentLength: aws.Int64(info.Size()),
			ContentType:   aws.String(contentType(file)),
		})
		return err
	})
	return res
}

func (p *Publisher) remoteSize(ctx context.Context, key string) (int64, bool) {
	out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil || out.ContentLength == nil {
		return 0, false
	}
	return *out.ContentLength, true
}

// Errors joins the errors of failed results.
func Errors(results []Result) error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Key, r.Err))
		}
	}
	return errors.Join(errs...)
}

func contentType(file string) string {
	switch filepath.Ext(file) {
	case ".csv":
		return "text/csv"
	case ".jsonl":
		return "application/x-ndjson"
	case ".parquet":
		return "application/vnd.apache.parquet"
	default:
		return "application/octet-stream"
	}
}
