package blobstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/kilupskalvis/filevault/internal/fingerprint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 is an in-memory S3API.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	pageMax int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, pageMax: 1000}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		start = sort.SearchStrings(keys, aws.ToString(in.ContinuationToken))
	}
	end := start + f.pageMax
	if end > len(keys) {
		end = len(keys)
	}

	out := &s3.ListObjectsV2Output{}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

func newTestS3Store(t *testing.T) (*S3Store, *fakeS3) {
	t.Helper()
	fake := newFakeS3()
	return NewS3Store(fake, "vault", "/blobs/", fingerprint.SHA256), fake
}

func TestS3Store_PutAndGet(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestS3Store(t)

	data := []byte("object storage payload")
	fp := fpOf(data)

	path, err := s.Put(ctx, fp, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "s3://vault/blobs/"+fp.String()[:2]+"/"+fp.String(), path)
	assert.Contains(t, fake.objects, "blobs/"+fp.String()[:2]+"/"+fp.String())

	assert.Equal(t, data, readBlob(t, s, fp))
}

func TestS3Store_Put_NonSeekable(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestS3Store(t)

	data := []byte("streamed from a pipe")
	fp := fpOf(data)

	_, err := s.Put(ctx, fp, io.NopCloser(bytes.NewReader(data)))
	require.NoError(t, err)
	assert.Equal(t, data, readBlob(t, s, fp))
}

func TestS3Store_Put_HashMismatch(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestS3Store(t)

	fp := fpOf([]byte("expected"))
	_, err := s.Put(ctx, fp, strings.NewReader("other"))
	assert.ErrorIs(t, err, ErrHashMismatch)

	_, err = s.Put(ctx, fp, io.NopCloser(strings.NewReader("other")))
	assert.ErrorIs(t, err, ErrHashMismatch)
	assert.Zero(t, fake.puts)
}

func TestS3Store_Put_Idempotent(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestS3Store(t)

	data := []byte("once")
	fp := fpOf(data)
	_, err := s.Put(ctx, fp, bytes.NewReader(data))
	require.NoError(t, err)
	_, err = s.Put(ctx, fp, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 1, fake.puts)
}

func TestS3Store_HasGetDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestS3Store(t)

	data := []byte("lifecycle")
	fp := fpOf(data)

	has, err := s.Has(ctx, fp)
	require.NoError(t, err)
	assert.False(t, has)

	_, err = s.Get(ctx, fp)
	assert.ErrorIs(t, err, ErrBlobNotFound)

	_, err = s.Put(ctx, fp, bytes.NewReader(data))
	require.NoError(t, err)
	has, err = s.Has(ctx, fp)
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, s.Delete(ctx, fp))
	require.NoError(t, s.Delete(ctx, fp))
	has, err = s.Has(ctx, fp)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestS3Store_List_Paginates(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestS3Store(t)
	fake.pageMax = 2

	want := map[fingerprint.Fingerprint]bool{}
	for i := 0; i < 5; i++ {
		data := []byte{byte(i), 'x'}
		fp := fpOf(data)
		_, err := s.Put(ctx, fp, bytes.NewReader(data))
		require.NoError(t, err)
		want[fp] = true
	}
	fake.objects["blobs/not-a-blob"] = []byte("ignored")
	fake.objects["elsewhere/"+fpOf([]byte("x")).String()] = []byte("x")

	fps, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, fps, 5)
	for _, fp := range fps {
		assert.True(t, want[fp])
	}
}

func TestS3Store_PublishStaged(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestS3Store(t)

	stager := newTestStager(t)
	data := []byte("staged for s3")
	st, err := stager.Stage(ctx, bytes.NewReader(data), 0)
	require.NoError(t, err)
	defer st.Discard()

	_, err = Publish(ctx, s, st)
	require.NoError(t, err)
	assert.Equal(t, data, readBlob(t, s, st.Fingerprint()))
}
