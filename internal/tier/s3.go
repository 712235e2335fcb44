package tier

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	"github.com/pirlsquiz/cachekit/internal/config"
	"github.com/pirlsquiz/cachekit/pkg/errors"
	"github.com/pirlsquiz/cachekit/pkg/types"
)

const (
	recordExt = ".json"

	cargoShipMultipartThreshold = 32 * 1024 * 1024
	cargoShipMultipartChunkSize = 16 * 1024 * 1024
)

// s3API is the subset of the S3 client the store uses.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Store is a large tier keeping each record as a JSON object under a key
// prefix in one bucket.
type S3Store struct {
	client       s3API
	transporter  *cargoships3.Transporter
	bucket       string
	prefix       string
	storageClass string
	logger       *slog.Logger
}

// NewS3Store builds an S3 client from cfg and verifies the bucket is
// reachable. Static credentials are used when both keys are set, and a
// custom endpoint enables MinIO or LocalStack.
func NewS3Store(ctx context.Context, cfg config.S3Config, maxRetries int) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "bucket name cannot be empty").
			WithComponent("s3-store")
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}

	opts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Region),
		awscfg.WithRetryMaxAttempts(maxRetries),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeTierUnavailable, "failed to load AWS config").
			WithComponent("s3-store").WithCause(err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	store := newS3Store(client, cfg)

	if cfg.CargoShip {
		store.transporter = cargoships3.NewTransporter(client, awsconfig.S3Config{
			Bucket:             cfg.Bucket,
			StorageClass:       cargoShipStorageClass(cfg.StorageClass),
			MultipartThreshold: cargoShipMultipartThreshold,
			MultipartChunkSize: cargoShipMultipartChunkSize,
			Concurrency:        cfg.Concurrency,
		})
		store.logger.Info("CargoShip uploads enabled", "concurrency", cfg.Concurrency)
	}

	if err := store.HealthCheck(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func newS3Store(client s3API, cfg config.S3Config) *S3Store {
	storageClass := cfg.StorageClass
	if storageClass == "" {
		storageClass = string(s3types.StorageClassStandard)
	}
	return &S3Store{
		client:       client,
		bucket:       cfg.Bucket,
		prefix:       cfg.KeyPrefix,
		storageClass: storageClass,
		logger:       slog.Default().With("component", "s3-store", "bucket", cfg.Bucket),
	}
}

// HealthCheck verifies the bucket is reachable.
func (s *S3Store) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return errors.NewError(errors.ErrCodeTierUnavailable, "S3 health check failed").
			WithComponent("s3-store").
			WithOperation("health-check").
			WithCause(err)
	}
	return nil
}

// Get returns the record stored under key, or nil when there is none.
func (s *S3Store) Get(ctx context.Context, key string) (*types.Entry, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isErrorType[*s3types.NoSuchKey](err) {
			return nil, nil
		}
		return nil, s.translateError(err, "get", key)
	}
	defer func() { _ = result.Body.Close() }()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, s.translateError(err, "get", key)
	}

	var entry types.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, errors.NewError(errors.ErrCodeCorruptEntry, "record is not valid JSON").
			WithComponent("s3-store").
			WithOperation("get").
			WithDetail("key", key).
			WithCause(err)
	}
	return &entry, nil
}

// Put uploads entry, through the CargoShip transporter when configured and
// falling back to a plain PutObject if that fails.
func (s *S3Store) Put(ctx context.Context, entry types.Entry) error {
	data, err := types.Encode(entry)
	if err != nil {
		return errors.NewError(errors.ErrCodeStorageWrite, "failed to encode record").
			WithComponent("s3-store").WithOperation("put").WithCause(err)
	}
	objectKey := s.objectKey(entry.Key)
	metadata := map[string]string{
		"cachekit-version":   entry.Version,
		"cachekit-timestamp": strconv.FormatInt(entry.Timestamp, 10),
	}

	if s.transporter != nil {
		archive := cargoships3.Archive{
			Key:          objectKey,
			Reader:       bytes.NewReader(data),
			Size:         int64(len(data)),
			StorageClass: cargoShipStorageClass(s.storageClass),
			Metadata:     metadata,
		}
		result, uploadErr := s.transporter.Upload(ctx, archive)
		if uploadErr == nil {
			s.logger.Debug("CargoShip upload completed",
				"key", entry.Key,
				"size", len(data),
				"throughput", result.Throughput,
				"duration", result.Duration)
			return nil
		}
		s.logger.Warn("CargoShip upload failed, falling back to PutObject", "key", entry.Key, "error", uploadErr)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
		StorageClass:  s3types.StorageClass(s.storageClass),
		Metadata:      metadata,
	})
	if err != nil {
		return s.translateError(err, "put", entry.Key)
	}
	return nil
}

// Delete removes key. S3 treats deleting a missing object as success.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return s.translateError(err, "delete", key)
	}
	return nil
}

// Scan visits every record under the prefix until fn returns false.
func (s *S3Store) Scan(ctx context.Context, fn func(types.Entry) bool) error {
	return s.list(ctx, func(page []s3types.Object) (bool, error) {
		for _, obj := range page {
			entry, err := s.Get(ctx, s.recordKey(aws.ToString(obj.Key)))
			if err != nil {
				s.logger.Warn("Skipping unreadable record", "object", aws.ToString(obj.Key), "error", err)
				continue
			}
			if entry != nil && !fn(*entry) {
				return false, nil
			}
		}
		return true, nil
	})
}

// Range visits records with from <= timestamp < to in ascending order.
// An object is uploaded after its record is stamped, so objects last
// modified at or after to are skipped without being fetched.
func (s *S3Store) Range(ctx context.Context, from, to time.Time, fn func(types.Entry) bool) error {
	var candidates []s3types.Object
	err := s.list(ctx, func(page []s3types.Object) (bool, error) {
		for _, obj := range page {
			if aws.ToTime(obj.LastModified).Before(to) {
				candidates = append(candidates, obj)
			}
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	var entries []types.Entry
	fromMs, toMs := from.UnixMilli(), to.UnixMilli()
	for _, obj := range candidates {
		entry, err := s.Get(ctx, s.recordKey(aws.ToString(obj.Key)))
		if err != nil || entry == nil {
			continue
		}
		if entry.Timestamp >= fromMs && entry.Timestamp < toMs {
			entries = append(entries, *entry)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Timestamp != entries[j].Timestamp {
			return entries[i].Timestamp < entries[j].Timestamp
		}
		return entries[i].Key < entries[j].Key
	})
	for _, entry := range entries {
		if !fn(entry) {
			return nil
		}
	}
	return nil
}

// Clear deletes every object under the prefix, one batch per listed page.
func (s *S3Store) Clear(ctx context.Context) error {
	return s.list(ctx, func(page []s3types.Object) (bool, error) {
		if len(page) == 0 {
			return true, nil
		}
		ids := make([]s3types.ObjectIdentifier, 0, len(page))
		for _, obj := range page {
			ids = append(ids, s3types.ObjectIdentifier{Key: obj.Key})
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return false, s.translateError(err, "clear", s.prefix)
		}
		if out != nil && len(out.Errors) > 0 {
			return false, errors.NewError(errors.ErrCodeStorageWrite, "some objects could not be deleted").
				WithComponent("s3-store").
				WithOperation("clear").
				WithDetail("failed", len(out.Errors)).
				WithDetail("first_key", aws.ToString(out.Errors[0].Key))
		}
		return true, nil
	})
}

// Stats counts the objects under the prefix and sums their sizes.
func (s *S3Store) Stats(ctx context.Context) (types.TierStats, error) {
	var stats types.TierStats
	err := s.list(ctx, func(page []s3types.Object) (bool, error) {
		for _, obj := range page {
			stats.Add(aws.ToInt64(obj.Size))
		}
		return true, nil
	})
	return stats, err
}

// Close releases nothing; the SDK client has no connections to drain.
func (s *S3Store) Close() error {
	return nil
}

// list walks ListObjectsV2 pages of record objects under the prefix until
// fn returns false or an error.
func (s *S3Store) list(ctx context.Context, fn func([]s3types.Object) (bool, error)) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return s.translateError(err, "list", s.prefix)
		}

		records := make([]s3types.Object, 0, len(page.Contents))
		for _, obj := range page.Contents {
			if strings.HasSuffix(aws.ToString(obj.Key), recordExt) {
				records = append(records, obj)
			}
		}

		more, err := fn(records)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

func (s *S3Store) objectKey(key string) string {
	return s.prefix + url.PathEscape(key) + recordExt
}

func (s *S3Store) recordKey(objectKey string) string {
	name := strings.TrimSuffix(strings.TrimPrefix(objectKey, s.prefix), recordExt)
	if key, err := url.PathUnescape(name); err == nil {
		return key
	}
	return name
}

func (s *S3Store) translateError(err error, operation, key string) error {
	var code errors.ErrorCode
	switch {
	case isErrorType[*s3types.NoSuchBucket](err):
		code = errors.ErrCodeTierUnavailable
	case operation == "get" || operation == "list":
		code = errors.ErrCodeStorageRead
	default:
		code = errors.ErrCodeStorageWrite
	}
	return errors.NewError(code, fmt.Sprintf("%s failed for %s", operation, key)).
		WithComponent("s3-store").
		WithOperation(operation).
		WithDetail("bucket", s.bucket).
		WithCause(err)
}

// cargoShipStorageClass maps an S3 storage class name to CargoShip's.
func cargoShipStorageClass(class string) awsconfig.StorageClass {
	switch s3types.StorageClass(class) {
	case s3types.StorageClassStandardIa:
		return awsconfig.StorageClassStandardIA
	case s3types.StorageClassOnezoneIa:
		return awsconfig.StorageClassOneZoneIA
	case s3types.StorageClassIntelligentTiering:
		return awsconfig.StorageClassIntelligentTiering
	case s3types.StorageClassGlacier, s3types.StorageClassGlacierIr:
		return awsconfig.StorageClassGlacier
	case s3types.StorageClassDeepArchive:
		return awsconfig.StorageClassDeepArchive
	default:
		return awsconfig.StorageClassStandard
	}
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return stderrors.As(err, &target)
}
