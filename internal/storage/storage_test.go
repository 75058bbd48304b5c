package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/razvanmarinn/weave/internal/config"
	"github.com/razvanmarinn/weave/internal/core"
)

func writeAll(t *testing.T, s Store, dno core.DNO, name string, data []byte) {
	t.Helper()
	w, err := s.Create(context.Background(), dno, name)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func readAll(t *testing.T, s Store, dno core.DNO, name string) []byte {
	t.Helper()
	r, err := s.Open(context.Background(), dno, name)
	require.NoError(t, err)
	defer r.Close()
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	return b
}

func TestLocalStore(t *testing.T) {
	root := t.TempDir()
	s := NewLocalStore(root)
	ctx := context.Background()

	assert.Equal(t, filepath.Join(root, "ssen", "2024-02-12.csv.gz"), s.Path(core.SSEN, "2024-02-12.csv.gz"))

	writeAll(t, s, core.SSEN, "2024-02-12.csv.gz", []byte("payload"))
	assert.Equal(t, []byte("payload"), readAll(t, s, core.SSEN, "2024-02-12.csv.gz"))

	_, err := s.Open(ctx, core.NGED, "2024-02-12.csv.gz")
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, s.Delete(ctx, core.SSEN, "2024-02-12.csv.gz"))
	_, err = s.Open(ctx, core.SSEN, "2024-02-12.csv.gz")
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.NoError(t, s.Delete(ctx, core.SSEN, "2024-02-12.csv.gz"), "deleting twice is fine")
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	s, err := New(ctx, "file://"+t.TempDir(), config.S3Config{})
	require.NoError(t, err)
	assert.IsType(t, &LocalStore{}, s)

	s, err = New(ctx, "s3://weave-raw/beta", config.S3Config{Region: "eu-west-2", AccessKey: "k", SecretKey: "s", BaseEndpoint: "http://localhost:9000"})
	require.NoError(t, err)
	require.IsType(t, &S3Store{}, s)
	assert.Equal(t, "s3://weave-raw/beta/ons/onspd.zip", s.Path(core.ONS, "onspd.zip"))

	_, err = New(ctx, "s3:///nobucket", config.S3Config{})
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

type fakeS3 struct {
	mu        sync.Mutex
	objects   map[string][]byte
	uploads   map[string]map[int32][]byte
	aborted   int
	failParts bool
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, uploads: map[string]map[int32][]byte{}}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, _ := io.ReadAll(in.Body)
	f.objects[*in.Key] = b
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "upload-" + strconv.Itoa(len(f.uploads)+1)
	f.uploads[id] = map[int32][]byte{}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (f *fakeS3) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failParts && *in.PartNumber > 1 {
		return nil, errors.New("connection reset")
	}
	b, _ := io.ReadAll(in.Body)
	f.uploads[*in.UploadId][*in.PartNumber] = b
	return &s3.UploadPartOutput{ETag: aws.String("etag-" + strconv.Itoa(int(*in.PartNumber)))}, nil
}

func (f *fakeS3) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var whole []byte
	for _, p := range in.MultipartUpload.Parts {
		whole = append(whole, f.uploads[*in.UploadId][*p.PartNumber]...)
	}
	f.objects[*in.Key] = whole
	delete(f.uploads, *in.UploadId)
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(_ context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted++
	delete(f.uploads, *in.UploadId)
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[key]
	return b, ok
}

func (f *fakeS3) abortedUploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aborted
}

// payload is larger than one upload part.
func payload(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestS3Store(t *testing.T) {
	ctx := context.Background()

	t.Run("small object uses a single put", func(t *testing.T) {
		api := newFakeS3()
		s := NewS3Store(api, "weave", "raw")
		writeAll(t, s, core.SSEN, "small.csv.gz", []byte("abc"))
		got, ok := api.object("raw/ssen/small.csv.gz")
		require.True(t, ok)
		assert.Equal(t, []byte("abc"), got)
		assert.Empty(t, api.uploads)
	})

	t.Run("large object is uploaded in parts", func(t *testing.T) {
		api := newFakeS3()
		s := NewS3Store(api, "weave", "raw")
		data := payload(11 << 20)

		w, err := s.Create(ctx, core.SSEN, "big.csv.gz")
		require.NoError(t, err)
		for chunk := data; len(chunk) > 0; {
			n := min(len(chunk), 1<<20)
			_, err := w.Write(chunk[:n])
			require.NoError(t, err)
			chunk = chunk[n:]
		}
		require.NoError(t, w.Close())
		assert.Equal(t, data, readAll(t, s, core.SSEN, "big.csv.gz"))
		assert.Zero(t, api.abortedUploads())
	})

	t.Run("missing object", func(t *testing.T) {
		s := NewS3Store(newFakeS3(), "weave", "raw")
		_, err := s.Open(ctx, core.SSEN, "absent")
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("delete", func(t *testing.T) {
		s := NewS3Store(newFakeS3(), "weave", "raw")
		writeAll(t, s, core.SSEN, "small.csv.gz", []byte("abc"))
		require.NoError(t, s.Delete(ctx, core.SSEN, "small.csv.gz"))
		_, err := s.Open(ctx, core.SSEN, "small.csv.gz")
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("failed part aborts the upload", func(t *testing.T) {
		api := newFakeS3()
		api.failParts = true
		s := NewS3Store(api, "weave", "raw")

		w, err := s.Create(ctx, core.SSEN, "broken.csv.gz")
		require.NoError(t, err)
		// The write may or may not see the failure, depending on how far the
		// upload read before the part failed.
		_, _ = w.Write(payload(11 << 20))
		assert.Error(t, w.Close())
		assert.Equal(t, 1, api.abortedUploads())
		_, ok := api.object("raw/ssen/broken.csv.gz")
		assert.False(t, ok)
	})

	t.Run("abandoned small object is never put", func(t *testing.T) {
		api := newFakeS3()
		s := NewS3Store(api, "weave", "raw")

		w, err := s.Create(ctx, core.SSEN, "partial.csv.gz")
		require.NoError(t, err)
		_, err = w.Write([]byte("partial"))
		require.NoError(t, err)
		assert.Error(t, Abort(w, errors.New("download failed")))
		_, ok := api.object("raw/ssen/partial.csv.gz")
		assert.False(t, ok)
	})

	t.Run("abandoned multipart upload is aborted", func(t *testing.T) {
		api := newFakeS3()
		s := NewS3Store(api, "weave", "raw")

		w, err := s.Create(ctx, core.SSEN, "partial.csv.gz")
		require.NoError(t, err)
		_, err = w.Write(payload(6 << 20))
		require.NoError(t, err)
		assert.Error(t, Abort(w, errors.New("download failed")))
		assert.Equal(t, 1, api.abortedUploads())
		_, ok := api.object("raw/ssen/partial.csv.gz")
		assert.False(t, ok)
		assert.Empty(t, api.uploads)
	})

	t.Run("close is idempotent", func(t *testing.T) {
		s := NewS3Store(newFakeS3(), "weave", "raw")
		w, err := s.Create(ctx, core.SSEN, "twice.csv.gz")
		require.NoError(t, err)
		require.NoError(t, w.Close())
		assert.NoError(t, w.Close())
	})
}

func TestAbortLocalWriter(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	w, err := s.Create(context.Background(), core.SSEN, "partial.csv.gz")
	require.NoError(t, err)
	assert.NoError(t, Abort(w, errors.New("download failed")), "writers without CloseWithError are closed")
}
