// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package objstore

import (
	"context"
	stderrors "errors"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/pingcap/jobflow/pkg/errors"
)

// S3Config locates a job store in an S3 or S3-compatible bucket.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	Profile         string
	ForcePathStyle  bool
	AccessKeyID     string
	SecretAccessKey string
}

// s3API is the subset of the S3 client used by S3Bucket.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	manager.UploadAPIClient
}

// S3Bucket stores objects under a key prefix of an S3 bucket. Uploads go
// through the transfer manager, which switches to a multipart upload for
// large objects. Both kinds of upload become visible atomically.
type S3Bucket struct {
	client   s3API
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

var _ Bucket = (*S3Bucket)(nil)

// NewS3Bucket creates a bucket using the default AWS credential chain unless
// static credentials are configured.
func NewS3Bucket(ctx context.Context, cfg S3Config) (*S3Bucket, error) {
	if cfg.Bucket == "" {
		return nil, errors.ErrInvalidArgument.GenWithStackByArgs("empty s3 bucket")
	}
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.WrapError(errors.ErrJobStoreIO, err)
	}
	if awsCfg.Region == "" {
		awsCfg.Region = "us-east-1"
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newS3BucketWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3BucketWithClient(client s3API, bucket, prefix string) *S3Bucket {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3Bucket{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
	}
}

func (b *S3Bucket) fullKey(key string) string {
	return b.prefix + key
}

// Put implements Bucket.
func (b *S3Bucket) Put(ctx context.Context, key string, r io.Reader) error {
	_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.fullKey(key)),
		Body:   r,
	})
	return b.wrapError("Upload", key, err)
}

// Get implements Bucket.
func (b *S3Bucket) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.fullKey(key)),
	})
	if err != nil {
		return nil, b.wrapError("GetObject", key, err)
	}
	return out.Body, nil
}

// Delete implements Bucket.
func (b *S3Bucket) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.fullKey(key)),
	})
	err = b.wrapError("DeleteObject", key, err)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// Exists implements Bucket.
func (b *S3Bucket) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.fullKey(key)),
	})
	if err == nil {
		return true, nil
	}
	err = b.wrapError("HeadObject", key, err)
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// List implements Bucket.
func (b *S3Bucket) List(ctx context.Context, prefix string, fn func(key string) error) error {
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.fullKey(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return b.wrapError("ListObjectsV2", prefix, err)
		}
		for _, obj := range page.Contents {
			key := strings.TrimPrefix(aws.ToString(obj.Key), b.prefix)
			if err := fn(key); err != nil {
				return err
			}
		}
	}
	return nil
}

// DeleteAll implements Bucket.
func (b *S3Bucket) DeleteAll(ctx context.Context) error {
	count := 0
	err := b.List(ctx, "", func(key string) error {
		count++
		return b.Delete(ctx, key)
	})
	if err != nil {
		return err
	}
	log.Info("removed s3 job store objects",
		zap.String("bucket", b.bucket),
		zap.String("prefix", b.prefix),
		zap.Int("count", count))
	return nil
}

// Close implements Bucket.
func (b *S3Bucket) Close() error {
	return nil
}

// wrapError maps S3 errors onto the bucket error classes. Not found becomes
// ErrObjectNotFound, everything else is a retryable io error.
func (b *S3Bucket) wrapError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var (
		notFound  *types.NotFound
		noSuchKey *types.NoSuchKey
		apiErr    smithy.APIError
	)
	switch {
	case stderrors.As(err, &notFound), stderrors.As(err, &noSuchKey):
		return ErrObjectNotFound
	case stderrors.As(err, &apiErr):
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return ErrObjectNotFound
		}
	}
	return errors.Annotatef(errors.WrapError(errors.ErrJobStoreIO, err),
		"%s s3://%s", op, path.Join(b.bucket, b.fullKey(key)))
}
