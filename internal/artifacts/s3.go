// Package artifacts stores attempt logs and batch reports in S3.
package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/izavyalov-dev/signup-broker/protocol"
)

// S3Config configures the S3 uploader.
type S3Config struct {
	Bucket string
	Prefix string
	Region string
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader uploads attempt logs and batch summaries to AWS S3.
type S3Uploader struct {
	client objectPutter
	bucket string
	prefix string
}

// NewS3Uploader loads AWS config and prepares an uploader.
func NewS3Uploader(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	loadOpts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	return newUploader(s3.NewFromConfig(awsCfg), cfg), nil
}

func newUploader(client objectPutter, cfg S3Config) *S3Uploader {
	return &S3Uploader{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}
}

// UploadLog uploads one attempt's log and returns its s3:// URI.
func (u *S3Uploader) UploadLog(ctx context.Context, batchID string, attempt int, logPath string) (string, error) {
	key := u.objectKey("batches", batchID, "attempts", fmt.Sprintf("%03d.log", attempt))
	file, err := os.Open(logPath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &u.bucket,
		Key:         &key,
		Body:        file,
		ContentType: ptr("text/plain"),
	})
	if err != nil {
		return "", err
	}
	return u.uri(key), nil
}

// ReportBatch stores the final summary of a batch as JSON.
func (u *S3Uploader) ReportBatch(ctx context.Context, summary protocol.BatchSummary) error {
	_, err := u.UploadSummary(ctx, summary)
	return err
}

// UploadSummary stores summary under the batch's key and returns its URI.
func (u *S3Uploader) UploadSummary(ctx context.Context, summary protocol.BatchSummary) (string, error) {
	if summary.BatchID == "" {
		return "", fmt.Errorf("batch id is required")
	}
	body, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", err
	}
	key := u.objectKey("batches", summary.BatchID, "summary.json")
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &u.bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: ptr("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("upload batch summary: %w", err)
	}
	return u.uri(key), nil
}

func (u *S3Uploader) uri(key string) string {
	return fmt.Sprintf("s3://%s/%s", u.bucket, key)
}

func (u *S3Uploader) objectKey(parts ...string) string {
	if u.prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{u.prefix}, parts...)...)
}

func ptr[T any](v T) *T {
	return &v
}
