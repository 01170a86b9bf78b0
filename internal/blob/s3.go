package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"

	"github.com/texel/promptstore/pkg/contracts"
)

// S3Config selects the bucket and how to reach it.
type S3Config struct {
	Bucket       string
	Region       string
	Endpoint     string // S3-compatible endpoint (LocalStack, MinIO); empty for AWS
	UsePathStyle bool
	Prefix       string // root prefix prepended to every key

	// Static credentials. Empty uses the default AWS credential chain.
	AccessKeyID     string
	SecretAccessKey string
}

// s3API is the subset of *s3.Client the backend uses.
type s3API interface {
	s3.ListObjectsV2APIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// S3 implements contracts.BlobAccessor and contracts.BlobCopier on a bucket.
// Preconditions are sent as S3 conditional headers so the bucket enforces
// them atomically.
type S3 struct {
	client s3API
	bucket string
	region string
	prefix string

	bucketMu    sync.Mutex
	bucketReady bool
}

// NewS3 builds an S3 backend from the default AWS config chain.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, contracts.Misconfigured("s3 bucket is not set")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	log.Info().
		Str("bucket", cfg.Bucket).
		Str("region", awsCfg.Region).
		Str("endpoint", cfg.Endpoint).
		Msg("S3 blob store configured")

	return newS3(client, cfg.Bucket, awsCfg.Region, cfg.Prefix), nil
}

func newS3(client s3API, bucket, region, prefix string) *S3 {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3{client: client, bucket: bucket, region: region, prefix: prefix}
}

func (s *S3) objectKey(key string) string { return s.prefix + key }

func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err == nil {
		return true, nil
	}
	if err = translateError(key, err); errors.Is(err, contracts.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (s *S3) currentETag(ctx context.Context, key string) (string, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return "", translateError(key, err)
	}
	return aws.ToString(head.ETag), nil
}

func (s *S3) Get(ctx context.Context, key string, opts contracts.GetOptions) (*contracts.Blob, error) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	}
	if opts.IfNoneMatch != "" {
		in.IfNoneMatch = aws.String(contracts.QuoteETag(opts.IfNoneMatch))
	}
	out, err := s.client.GetObject(ctx, in)
	if err != nil {
		err = translateError(key, err)
		if errors.Is(err, contracts.ErrNotModified) {
			etag := opts.IfNoneMatch
			if len(contracts.SplitETags(etag)) > 1 {
				if etag, err = s.currentETag(ctx, key); err != nil {
					return nil, err
				}
			}
			return nil, contracts.NotModified(key, etag)
		}
		return nil, err
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return &contracts.Blob{
		Key:          key,
		Data:         data,
		ETag:         aws.ToString(out.ETag),
		ContentType:  aws.ToString(out.ContentType),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

func (s *S3) Put(ctx context.Context, key string, data []byte, opts contracts.PutOptions) (string, error) {
	// S3 has no "must exist" form of If-Match, so the wildcard is checked
	// with a HEAD first.
	ifMatch := opts.IfMatch
	if ifMatch == contracts.Wildcard {
		ok, err := s.Exists(ctx, key)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", contracts.PreconditionFailed(key)
		}
	}
	// PutObject takes a single If-Match ETag, so a list is narrowed to the
	// current one; the write stays conditional on it.
	if len(contracts.SplitETags(ifMatch)) > 1 {
		cur, err := s.currentETag(ctx, key)
		if errors.Is(err, contracts.ErrNotFound) {
			return "", contracts.PreconditionFailed(key)
		}
		if err != nil {
			return "", err
		}
		if !contracts.ETagMatch(ifMatch, cur) {
			return "", contracts.PreconditionFailed(key)
		}
		ifMatch = cur
	}

	put := func() (*s3.PutObjectOutput, error) {
		in := &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(s.objectKey(key)),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(opts.ContentType),
		}
		if ifMatch != "" && ifMatch != contracts.Wildcard {
			in.IfMatch = aws.String(contracts.QuoteETag(ifMatch))
		}
		if opts.IfNoneMatch == contracts.Wildcard {
			in.IfNoneMatch = aws.String(contracts.Wildcard)
		}
		return s.client.PutObject(ctx, in)
	}

	out, err := put()
	if isNoSuchBucket(err) {
		if err := s.ensureBucket(ctx); err != nil {
			return "", err
		}
		out, err = put()
	}
	if err != nil {
		return "", translateError(key, err)
	}
	return aws.ToString(out.ETag), nil
}

func (s *S3) Delete(ctx context.Context, key string, opts contracts.DeleteOptions) (bool, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if err = translateError(key, err); errors.Is(err, contracts.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	in := &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	}
	if opts.IfMatch != "" && opts.IfMatch != contracts.Wildcard {
		if !contracts.ETagMatch(opts.IfMatch, aws.ToString(head.ETag)) {
			return false, contracts.PreconditionFailed(key)
		}
		in.IfMatch = head.ETag
	}

	if _, err := s.client.DeleteObject(ctx, in); err != nil {
		if err = translateError(key, err); errors.Is(err, contracts.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *S3) List(ctx context.Context, prefix string) iter.Seq2[contracts.BlobInfo, error] {
	return func(yield func(contracts.BlobInfo, error) bool) {
		paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(s.objectKey(prefix)),
		})

		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				yield(contracts.BlobInfo{}, translateError(prefix, err))
				return
			}
			for _, obj := range page.Contents {
				info := contracts.BlobInfo{
					Key:          strings.TrimPrefix(aws.ToString(obj.Key), s.prefix),
					Size:         aws.ToInt64(obj.Size),
					LastModified: aws.ToTime(obj.LastModified),
					ETag:         aws.ToString(obj.ETag),
				}
				if !yield(info, nil) {
					return
				}
			}
		}
	}
}

// Copy duplicates src into dst server-side.
func (s *S3) Copy(ctx context.Context, src, dst string, overwrite bool) (string, error) {
	ok, err := s.Exists(ctx, src)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", contracts.NotFound(src)
	}
	if !overwrite {
		exists, err := s.Exists(ctx, dst)
		if err != nil {
			return "", err
		}
		if exists {
			return "", contracts.Conflict(dst, "destination already exists")
		}
	}

	in := &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(s.objectKey(dst)),
		CopySource: aws.String(s.bucket + "/" + escapeKey(s.objectKey(src))),
	}
	if !overwrite {
		// Refuse a destination created after the check above.
		in.IfNoneMatch = aws.String(contracts.Wildcard)
	}
	out, err := s.client.CopyObject(ctx, in)
	if err != nil {
		err = translateError(src, err)
		if !overwrite && errors.Is(err, contracts.ErrPreconditionFailed) {
			return "", contracts.Conflict(dst, "destination already exists")
		}
		return "", err
	}
	if out.CopyObjectResult == nil {
		return "", nil
	}
	return aws.ToString(out.CopyObjectResult.ETag), nil
}

// ensureBucket creates the bucket once. Creating a bucket we already own is
// not an error.
func (s *S3) ensureBucket(ctx context.Context) error {
	s.bucketMu.Lock()
	defer s.bucketMu.Unlock()
	if s.bucketReady {
		return nil
	}

	in := &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}
	if s.region != "" && s.region != "us-east-1" {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}
	if _, err := s.client.CreateBucket(ctx, in); err != nil {
		code := errorCode(err)
		if code != "BucketAlreadyOwnedByYou" && code != "BucketAlreadyExists" {
			return fmt.Errorf("create bucket %s: %w", s.bucket, translateError(s.bucket, err))
		}
	}
	log.Info().Str("bucket", s.bucket).Msg("Bucket created")
	s.bucketReady = true
	return nil
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func httpStatus(err error) int {
	var se interface{ HTTPStatusCode() int }
	if errors.As(err, &se) {
		return se.HTTPStatusCode()
	}
	return 0
}

func isNoSuchBucket(err error) bool {
	return err != nil && errorCode(err) == "NoSuchBucket"
}

// translateError maps S3 errors onto the contracts taxonomy.
func translateError(key string, err error) error {
	if err == nil {
		return nil
	}
	code, status := errorCode(err), httpStatus(err)

	var e *contracts.Error
	switch {
	case code == "NoSuchKey" || code == "NotFound" || code == "NoSuchBucket" || status == 404:
		e = contracts.NotFound(key)
	case code == "PreconditionFailed" || status == 412:
		e = contracts.PreconditionFailed(key)
	case code == "ConditionalRequestConflict" || status == 409:
		// A concurrent conditional write won the race.
		e = contracts.PreconditionFailed(key)
	case code == "NotModified" || status == 304:
		e = contracts.NotModified(key, "")
	default:
		return contracts.Upstream(status, []byte(err.Error()), err)
	}
	e.Err = err
	return e
}
