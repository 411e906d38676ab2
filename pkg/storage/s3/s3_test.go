package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/packet-processor/pkg/logger"
)

type object struct {
	data     []byte
	modified time.Time
}

type fakeBucket struct {
	objects map[string]object
	now     time.Time
}

func (f *fakeBucket) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = object{data: b, modified: f.now}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeBucket) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("not found")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.data))}, nil
}

func (f *fakeBucket) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeBucket) ListObjectsV2(_ context.Context, _ *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	out := &s3.ListObjectsV2Output{}
	for k, o := range f.objects {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k), LastModified: aws.Time(o.modified)})
	}
	return out, nil
}

func newTestStorage() (*S3Storage, *fakeBucket) {
	fake := &fakeBucket{objects: map[string]object{}, now: time.Now()}
	return &S3Storage{client: fake, bucketName: "packets", logger: logger.NewNop()}, fake
}

func TestS3Storage_StoreGetDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStorage()

	key, err := s.Store(ctx, strings.NewReader(`{"entities":{}}`), "documents/p1/p1_anamnesi.json")
	require.NoError(t, err)

	rc, err := s.Get(ctx, key)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	assert.JSONEq(t, `{"entities":{}}`, string(data))

	require.NoError(t, s.Delete(ctx, key))
	_, err = s.Get(ctx, key)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestS3Storage_CleanupBefore(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestStorage()

	fake.now = time.Now().Add(-72 * time.Hour)
	_, err := s.Store(ctx, strings.NewReader("old"), "uploads/p1/r1/old.pdf")
	require.NoError(t, err)
	fake.now = time.Now()
	_, err = s.Store(ctx, strings.NewReader("new"), "uploads/p2/r2/new.pdf")
	require.NoError(t, err)

	require.NoError(t, s.CleanupBefore(ctx, time.Now().Add(-24*time.Hour)))
	assert.NotContains(t, fake.objects, "uploads/p1/r1/old.pdf")
	assert.Contains(t, fake.objects, "uploads/p2/r2/new.pdf")
}
