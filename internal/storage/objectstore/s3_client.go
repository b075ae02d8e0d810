package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/hybridvault/hybridvault/internal/logging"
	"github.com/hybridvault/hybridvault/internal/metrics"
)

// S3Config configures the S3 client.
type S3Config struct {
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	// MaxAttempts is passed to the SDK retryer. Zero keeps the SDK default.
	MaxAttempts int
	// RequestTimeout bounds each call. Zero means no extra bound.
	RequestTimeout time.Duration
}

// S3Client implements Client with aws-sdk-go-v2. It works against AWS and
// S3-compatible stores such as MinIO (path style, custom endpoint).
type S3Client struct {
	client  *s3.Client
	region  string
	timeout time.Duration
}

// NewS3Client loads the AWS config and builds the client. Static credentials
// are used when AccessKey is set; the default chain otherwise.
func NewS3Client(ctx context.Context, cfg S3Config) (*S3Client, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	if cfg.MaxAttempts > 0 {
		loadOpts = append(loadOpts, config.WithRetryMaxAttempts(cfg.MaxAttempts))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &S3Client{client: client, region: cfg.Region, timeout: cfg.RequestTimeout}, nil
}

func (c *S3Client) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// mapErr converts missing bucket/key/version API errors into ErrNoSuchKey.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var noKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	var noBucket *s3types.NoSuchBucket
	if errors.As(err, &noKey) || errors.As(err, &notFound) || errors.As(err, &noBucket) {
		return fmt.Errorf("%w: %v", ErrNoSuchKey, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchVersion", "NoSuchBucket":
			return fmt.Errorf("%w: %v", ErrNoSuchKey, err)
		}
	}
	return err
}

// mapReadErr is mapErr for reads pinned to a version, where S3 answers a
// malformed or unknown version id with InvalidArgument.
func mapReadErr(err error, versionID string) error {
	var apiErr smithy.APIError
	if versionID != "" && errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidArgument" {
		return fmt.Errorf("%w: %v", ErrNoSuchKey, err)
	}
	return mapErr(err)
}

func record(op string, start time.Time, err error) {
	metrics.RecordS3Operation(op, time.Since(start), err == nil || errors.Is(err, ErrNoSuchKey))
}

// EnsureBucket implements Client.
func (c *S3Client) EnsureBucket(ctx context.Context, bucket string, versioning bool) (err error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	start := time.Now()
	defer func() { record("ensure_bucket", start, err) }()

	if _, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err == nil {
		return nil
	}

	in := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	if c.region != "" && c.region != "us-east-1" {
		in.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(c.region),
		}
	}
	if _, err := c.client.CreateBucket(ctx, in); err != nil {
		var owned *s3types.BucketAlreadyOwnedByYou
		if !errors.As(err, &owned) {
			return fmt.Errorf("bucket %s does not exist and cannot create: %w", bucket, err)
		}
		return nil
	}
	logging.Info("created S3 bucket", zap.String("bucket", bucket), zap.Bool("versioning", versioning))

	if versioning {
		_, err := c.client.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
			Bucket: aws.String(bucket),
			VersioningConfiguration: &s3types.VersioningConfiguration{
				Status: s3types.BucketVersioningStatusEnabled,
			},
		})
		if err != nil {
			return fmt.Errorf("enable versioning on %s: %w", bucket, err)
		}
	}
	return nil
}

// PutObject implements Client.
func (c *S3Client) PutObject(ctx context.Context, in PutInput) (info ObjectInfo, err error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	start := time.Now()
	defer func() { record("put_object", start, err) }()

	input := &s3.PutObjectInput{
		Bucket:        aws.String(in.Bucket),
		Key:           aws.String(in.Key),
		Body:          bytes.NewReader(in.Body),
		ContentLength: aws.Int64(int64(len(in.Body))),
		Metadata:      in.Metadata,
	}
	if in.ContentType != "" {
		input.ContentType = aws.String(in.ContentType)
	}
	if in.SSE != "" {
		input.ServerSideEncryption = s3types.ServerSideEncryption(in.SSE)
		if in.KMSKeyID != "" {
			input.SSEKMSKeyId = aws.String(in.KMSKeyID)
		}
	}

	out, err := c.client.PutObject(ctx, input)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("put object %s: %w", in.Key, mapErr(err))
	}
	return ObjectInfo{
		Key:          in.Key,
		Size:         int64(len(in.Body)),
		ETag:         aws.ToString(out.ETag),
		VersionID:    aws.ToString(out.VersionId),
		LastModified: time.Now().UTC(),
		ContentType:  in.ContentType,
		Metadata:     in.Metadata,
		IsLatest:     true,
	}, nil
}

// GetObject implements Client.
func (c *S3Client) GetObject(ctx context.Context, bucket, key, versionID string) (obj *Object, err error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	start := time.Now()
	defer func() { record("get_object", start, err) }()

	input := &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}
	if versionID != "" {
		input.VersionId = aws.String(versionID)
	}
	out, err := c.client.GetObject(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, mapReadErr(err, versionID))
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return &Object{
		ObjectInfo: ObjectInfo{
			Key:          key,
			Size:         int64(len(body)),
			ETag:         aws.ToString(out.ETag),
			VersionID:    aws.ToString(out.VersionId),
			LastModified: aws.ToTime(out.LastModified),
			ContentType:  aws.ToString(out.ContentType),
			Metadata:     out.Metadata,
			IsLatest:     versionID == "",
		},
		Body: body,
	}, nil
}

// HeadObject implements Client.
func (c *S3Client) HeadObject(ctx context.Context, bucket, key, versionID string) (info ObjectInfo, err error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	start := time.Now()
	defer func() { record("head_object", start, err) }()

	input := &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}
	if versionID != "" {
		input.VersionId = aws.String(versionID)
	}
	out, err := c.client.HeadObject(ctx, input)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("head object %s: %w", key, mapReadErr(err, versionID))
	}
	return ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ETag:         aws.ToString(out.ETag),
		VersionID:    aws.ToString(out.VersionId),
		LastModified: aws.ToTime(out.LastModified),
		ContentType:  aws.ToString(out.ContentType),
		Metadata:     out.Metadata,
		IsLatest:     versionID == "",
	}, nil
}

// DeleteObject implements Client.
func (c *S3Client) DeleteObject(ctx context.Context, bucket, key string) (err error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	start := time.Now()
	defer func() { record("delete_object", start, err) }()

	_, err = c.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, mapErr(err))
	}
	return nil
}

// ListObjects implements Client with one ListObjectsV2 page.
func (c *S3Client) ListObjects(ctx context.Context, in ListInput) (lo ListOutput, err error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	start := time.Now()
	defer func() { record("list_objects", start, err) }()

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(in.Bucket),
		Prefix: aws.String(in.Prefix),
	}
	if in.Delimiter != "" {
		input.Delimiter = aws.String(in.Delimiter)
	}
	if in.MaxKeys > 0 {
		input.MaxKeys = aws.Int32(int32(in.MaxKeys))
	}
	out, err := c.client.ListObjectsV2(ctx, input)
	if err != nil {
		return ListOutput{}, fmt.Errorf("list objects %s: %w", in.Prefix, mapErr(err))
	}

	lo.Truncated = aws.ToBool(out.IsTruncated)
	for _, o := range out.Contents {
		lo.Objects = append(lo.Objects, ObjectInfo{
			Key:          aws.ToString(o.Key),
			Size:         aws.ToInt64(o.Size),
			ETag:         aws.ToString(o.ETag),
			LastModified: aws.ToTime(o.LastModified),
			IsLatest:     true,
		})
	}
	for _, p := range out.CommonPrefixes {
		lo.Prefixes = append(lo.Prefixes, aws.ToString(p.Prefix))
	}
	return lo, nil
}

// ListObjectVersions implements Client. Delete markers are returned with
// DeleteMarker set.
func (c *S3Client) ListObjectVersions(ctx context.Context, bucket, key string, maxKeys int) (versions []ObjectInfo, err error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	start := time.Now()
	defer func() { record("list_object_versions", start, err) }()

	input := &s3.ListObjectVersionsInput{Bucket: aws.String(bucket), Prefix: aws.String(key)}
	if maxKeys > 0 {
		input.MaxKeys = aws.Int32(int32(maxKeys))
	}
	out, err := c.client.ListObjectVersions(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("list object versions %s: %w", key, mapErr(err))
	}

	for _, v := range out.Versions {
		if aws.ToString(v.Key) != key {
			continue
		}
		versions = append(versions, ObjectInfo{
			Key:          key,
			Size:         aws.ToInt64(v.Size),
			ETag:         aws.ToString(v.ETag),
			VersionID:    aws.ToString(v.VersionId),
			LastModified: aws.ToTime(v.LastModified),
			IsLatest:     aws.ToBool(v.IsLatest),
		})
	}
	for _, m := range out.DeleteMarkers {
		if aws.ToString(m.Key) != key {
			continue
		}
		versions = append(versions, ObjectInfo{
			Key:          key,
			VersionID:    aws.ToString(m.VersionId),
			LastModified: aws.ToTime(m.LastModified),
			IsLatest:     aws.ToBool(m.IsLatest),
			DeleteMarker: true,
		})
	}
	sortNewestFirst(versions)
	return versions, nil
}
