// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// S3Options configures S3Store.
type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
	AccessKey string
	SecretKey string
}

// S3Store writes objects to an S3-compatible bucket. SDK retries are disabled;
// the uploader owns the retry policy.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store loads the default AWS configuration chain, overridden by static
// keys when given.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
		awsconfig.WithHTTPClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}),
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3StoreFromConfig(cfg, opts), nil
}

// NewS3StoreFromConfig builds an S3Store from an explicit aws.Config.
func NewS3StoreFromConfig(cfg aws.Config, opts S3Options) *S3Store {
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
		o.Retryer = aws.NopRetryer{}
	})
	return &S3Store{client: client, bucket: opts.Bucket}
}

func (s *S3Store) PutObject(ctx context.Context, key string, body io.ReadSeeker, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	return classify("put", key, err)
}

func (s *S3Store) CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", classify("create_multipart", key, err)
	}
	return aws.ToString(out.UploadId), nil
}

func (s *S3Store) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.ReadSeeker, size int64) (string, error) {
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(partNumber),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return "", classify("upload_part", key, err)
	}
	return aws.ToString(out.ETag), nil
}

func (s *S3Store) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.Number),
		})
	}
	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	return classify("complete_multipart", key, err)
}

func (s *S3Store) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	return classify("abort_multipart", key, err)
}

func (s *S3Store) HeadBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return classify("head_bucket", "", err)
}

var (
	permanentCodes = map[string]bool{
		"AccessDenied":          true,
		"AllAccessDisabled":     true,
		"AccountProblem":        true,
		"InvalidAccessKeyId":    true,
		"InvalidBucketName":     true,
		"NoSuchBucket":          true,
		"NotFound":              true,
		"Forbidden":             true,
		"QuotaExceeded":         true,
		"SignatureDoesNotMatch": true,
		"EntityTooLarge":        true,
	}
	transientCodes = map[string]bool{
		"RequestTimeout":       true,
		"RequestTimeTooSkewed": true,
		"SlowDown":             true,
		"InternalError":        true,
		"ServiceUnavailable":   true,
		"Throttling":           true,
		"NoSuchUpload":         true,
	}
)

// classify maps SDK errors onto the storage error taxonomy. Unknown errors,
// including network failures, are transient.
func classify(op, key string, err error) error {
	if err == nil {
		return nil
	}

	code := ""
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
		switch {
		case permanentCodes[code]:
			return Permanent(op, key, code, err)
		case transientCodes[code]:
			return &Error{Op: op, Key: key, Kind: KindTransient, Code: code, Err: err}
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		switch {
		case status == http.StatusTooManyRequests || status >= 500:
			return &Error{Op: op, Key: key, Kind: KindTransient, Code: code, Err: err}
		case status >= 400:
			return Permanent(op, key, code, err)
		}
	}
	return &Error{Op: op, Key: key, Kind: KindTransient, Code: code, Err: err}
}

var _ ObjectStore = (*S3Store)(nil)
