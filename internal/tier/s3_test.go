package tier

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pirlsquiz/cachekit/internal/config"
	"github.com/pirlsquiz/cachekit/pkg/errors"
	"github.com/pirlsquiz/cachekit/pkg/types"
)

type fakeObject struct {
	data         []byte
	lastModified time.Time
	storageClass s3types.StorageClass
}

// fakeS3 is an in-memory bucket that pages ListObjectsV2 results.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string]fakeObject
	pageSize int
	now      func() time.Time
	failPut  error
	headErr  error
	lists    int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects:  make(map[string]fakeObject),
		pageSize: 2,
		now:      time.Now,
	}
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("not found")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.failPut != nil {
		return nil, f.failPut
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = fakeObject{data: data, lastModified: f.now(), storageClass: in.StorageClass}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range in.Delete.Objects {
		delete(f.objects, aws.ToString(id.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	// The continuation token is the last key returned, so deletes between
	// pages do not shift the listing.
	start := 0
	if in.ContinuationToken != nil {
		start = sort.SearchStrings(keys, *in.ContinuationToken)
		if start < len(keys) && keys[start] == *in.ContinuationToken {
			start++
		}
	}
	end := start + f.pageSize
	if end > len(keys) {
		end = len(keys)
	}

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		obj := f.objects[k]
		out.Contents = append(out.Contents, s3types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(obj.data))),
			LastModified: aws.Time(obj.lastModified),
		})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(keys[end-1])
	}
	return out, nil
}

func (f *fakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, f.headErr
}

func newTestS3Store(fake *fakeS3) *S3Store {
	return newS3Store(fake, config.S3Config{Bucket: "quiz-cache", KeyPrefix: "cachekit/"})
}

func TestS3Store_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	s := newTestS3Store(fake)

	got, err := s.Get(ctx, "article/1")
	require.NoError(t, err)
	assert.Nil(t, got)

	e := entryAt("article/1", 0)
	require.NoError(t, s.Put(ctx, e))

	_, stored := fake.objects["cachekit/article%2F1.json"]
	assert.True(t, stored, "keys are escaped into a flat namespace")
	assert.Equal(t, s3types.StorageClassStandard, fake.objects["cachekit/article%2F1.json"].storageClass)

	got, err = s.Get(ctx, "article/1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, e.Key, got.Key)
	assert.Equal(t, e.Timestamp, got.Timestamp)

	require.NoError(t, s.Delete(ctx, "article/1"))
	got, err = s.Get(ctx, "article/1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestS3Store_ScanPagesAndSkipsForeignObjects(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	s := newTestS3Store(fake)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Put(ctx, entryAt(fmt.Sprintf("k%d", i), time.Duration(i)*time.Minute)))
	}
	fake.objects["cachekit/README.txt"] = fakeObject{data: []byte("hello")}
	fake.objects["other/k9.json"] = fakeObject{data: []byte("{}")}

	var keys []string
	require.NoError(t, s.Scan(ctx, func(e types.Entry) bool {
		keys = append(keys, e.Key)
		return true
	}))
	sort.Strings(keys)
	assert.Equal(t, []string{"k0", "k1", "k2", "k3", "k4"}, keys)
	assert.GreaterOrEqual(t, fake.lists, 3, "five records with page size two need three pages")

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Count)
}

func TestS3Store_RangeUsesLastModified(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	s := newTestS3Store(fake)

	for i, offset := range []time.Duration{3 * time.Hour, 0, time.Hour} {
		when := baseTime.Add(offset)
		fake.now = func() time.Time { return when }
		require.NoError(t, s.Put(ctx, entryAt(fmt.Sprintf("k%d", i), offset)))
	}

	var keys []string
	require.NoError(t, s.Range(ctx, time.Time{}, baseTime.Add(2*time.Hour), func(e types.Entry) bool {
		keys = append(keys, e.Key)
		return true
	}))
	assert.Equal(t, []string{"k1", "k2"}, keys, "ascending by timestamp, newer objects skipped")
}

func TestS3Store_Clear(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	s := newTestS3Store(fake)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Put(ctx, entryAt(fmt.Sprintf("k%d", i), 0)))
	}
	fake.objects["other/keep.json"] = fakeObject{data: []byte("{}")}

	require.NoError(t, s.Clear(ctx))
	assert.Len(t, fake.objects, 1)
	_, kept := fake.objects["other/keep.json"]
	assert.True(t, kept, "objects outside the prefix survive")
}

func TestS3Store_Errors(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	s := newTestS3Store(fake)

	fake.failPut = fmt.Errorf("access denied")
	err := s.Put(ctx, entryAt("a", 0))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeStorageWrite, errors.CodeOf(err))

	fake.objects["cachekit/bad.json"] = fakeObject{data: []byte("not json")}
	_, err = s.Get(ctx, "bad")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeCorruptEntry, errors.CodeOf(err))

	fake.headErr = &s3types.NoSuchBucket{}
	err = s.HealthCheck(ctx)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeTierUnavailable, errors.CodeOf(err))
}

func TestNewS3Store_EmptyBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), config.S3Config{Region: "us-east-1"}, 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket name cannot be empty")
}

func TestCargoShipStorageClass(t *testing.T) {
	assert.Equal(t, cargoShipStorageClass("STANDARD"), cargoShipStorageClass(""))
	assert.NotEqual(t, cargoShipStorageClass("STANDARD"), cargoShipStorageClass("INTELLIGENT_TIERING"))
}
