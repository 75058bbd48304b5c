package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/razvanmarinn/weave/internal/config"
	"github.com/razvanmarinn/weave/internal/core"
)

// S3API is the subset of *s3.Client the store uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

var _ S3API = (*s3.Client)(nil)

// NewS3Client builds a client from static credentials when given, the
// default chain otherwise. BaseEndpoint points it at MinIO or similar.
func NewS3Client(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BaseEndpoint)
			o.UsePathStyle = true
		}
	}), nil
}

type S3Store struct {
	api      S3API
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

func NewS3Store(api S3API, bucket, prefix string) *S3Store {
	return &S3Store{api: api, uploader: manager.NewUploader(api), bucket: bucket, prefix: prefix}
}

func (s *S3Store) key(dno core.DNO, filename string) string {
	return path.Join(s.prefix, dno.String(), filename)
}

func (s *S3Store) Path(dno core.DNO, filename string) string {
	return "s3://" + s.bucket + "/" + s.key(dno, filename)
}

// Create returns a writer that streams into a managed upload. The object
// appears on Close; CloseWithError abandons the upload instead.
func (s *S3Store) Create(ctx context.Context, dno core.DNO, filename string) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	w := &s3Writer{pw: pw, done: make(chan error, 1)}
	path := s.Path(dno, filename)
	go func() {
		_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(dno, filename)),
			Body:   pr,
		})
		if err != nil {
			err = fmt.Errorf("upload %s: %w", path, err)
		}
		// Unblocks a writer still waiting on an upload that stopped reading.
		pr.CloseWithError(err)
		w.done <- err
	}()
	return w, nil
}

func (s *S3Store) Open(ctx context.Context, dno core.DNO, filename string) (io.ReadCloser, error) {
	key := s.key(dno, filename)
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("open %s: %w", s.Path(dno, filename), os.ErrNotExist)
		}
		return nil, fmt.Errorf("open %s: %w", s.Path(dno, filename), err)
	}
	return out.Body, nil
}

func (s *S3Store) Delete(ctx context.Context, dno core.DNO, filename string) error {
	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(dno, filename))})
	if err != nil {
		return fmt.Errorf("delete %s: %w", s.Path(dno, filename), err)
	}
	return nil
}

var errUploadAbandoned = errors.New("upload abandoned")

type s3Writer struct {
	pw     *io.PipeWriter
	done   chan error
	closed bool
	err    error
}

func (w *s3Writer) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *s3Writer) Close() error {
	return w.finish(nil)
}

// CloseWithError stops the upload with cause. Parts already sent are aborted
// and no object is created.
func (w *s3Writer) CloseWithError(cause error) error {
	if cause == nil {
		cause = errUploadAbandoned
	}
	return w.finish(cause)
}

func (w *s3Writer) finish(cause error) error {
	if w.closed {
		return w.err
	}
	w.closed = true
	w.pw.CloseWithError(cause)
	w.err = <-w.done
	return w.err
}
