package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/kilupskalvis/filevault/internal/fingerprint"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config holds connection settings for an S3-compatible backend.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string // empty for AWS; set for MinIO and friends
	AccessKey string
	SecretKey string
	Prefix    string
	PathStyle bool
}

// NewS3Client builds an S3 client from cfg. Static credentials are used when
// an access key is configured, otherwise the default AWS credential chain.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
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
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// S3Store implements BlobStore on an S3 bucket. Objects are keyed
// "<prefix>/<first two hex chars>/<fingerprint>". A PutObject is atomic, so
// readers never see a partial blob.
type S3Store struct {
	client S3API
	bucket string
	prefix string
	alg    fingerprint.Algorithm
}

// NewS3Store wraps an S3 client.
func NewS3Store(client S3API, bucket, prefix string, alg fingerprint.Algorithm) *S3Store {
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		alg:    alg,
	}
}

func (s *S3Store) key(fp fingerprint.Fingerprint) string {
	return path.Join(s.prefix, shardName(fp), fp.String())
}

// Path returns an s3:// URL for the blob.
func (s *S3Store) Path(fp fingerprint.Fingerprint) string {
	return "s3://" + s.bucket + "/" + s.key(fp)
}

// Has checks whether the object exists.
func (s *S3Store) Has(ctx context.Context, fp fingerprint.Fingerprint) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(fp)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("head object %s: %w", fp, err)
	}
	return true, nil
}

// Get streams the object body.
func (s *S3Store) Get(ctx context.Context, fp fingerprint.Fingerprint) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(fp)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("get object %s: %w", fp, err)
	}
	return out.Body, nil
}

// Put verifies r against fp and uploads it. Non-seekable readers are spooled
// to a temporary file first so the upload has a known length.
func (s *S3Store) Put(ctx context.Context, fp fingerprint.Fingerprint, r io.Reader) (string, error) {
	exists, err := s.Has(ctx, fp)
	if err != nil {
		return "", err
	}
	if exists {
		return s.Path(fp), nil
	}

	rs, size, cleanup, err := s.seekable(ctx, fp, r)
	if err != nil {
		return "", err
	}
	defer cleanup()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(fp)),
		Body:          rs,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", fp, err)
	}
	return s.Path(fp), nil
}

// seekable returns a verified, rewound reader over r's bytes.
func (s *S3Store) seekable(ctx context.Context, fp fingerprint.Fingerprint, r io.Reader) (io.ReadSeeker, int64, func(), error) {
	noop := func() {}

	if rs, ok := r.(io.ReadSeeker); ok {
		got, n, err := fingerprint.Of(s.alg, &ctxReader{ctx: ctx, r: rs})
		if err != nil {
			return nil, 0, noop, fmt.Errorf("hash blob data: %w", err)
		}
		if got != fp {
			return nil, 0, noop, fmt.Errorf("expected %s, got %s: %w", fp, got, ErrHashMismatch)
		}
		if _, err := rs.Seek(0, io.SeekStart); err != nil {
			return nil, 0, noop, fmt.Errorf("rewind blob data: %w", err)
		}
		return rs, n, noop, nil
	}

	tmp, err := os.CreateTemp("", "filevault-s3-*")
	if err != nil {
		return nil, 0, noop, fmt.Errorf("create spool file: %w", err)
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}

	hasher := fingerprint.New(s.alg)
	n, err := io.Copy(io.MultiWriter(tmp, hasher), &ctxReader{ctx: ctx, r: r})
	if err != nil {
		cleanup()
		return nil, 0, noop, fmt.Errorf("spool blob data: %w", err)
	}
	if got := hasher.Sum(); got != fp {
		cleanup()
		return nil, 0, noop, fmt.Errorf("expected %s, got %s: %w", fp, got, ErrHashMismatch)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, 0, noop, fmt.Errorf("rewind spool file: %w", err)
	}
	return tmp, n, cleanup, nil
}

// Delete removes the object. S3 deletes are idempotent.
func (s *S3Store) Delete(ctx context.Context, fp fingerprint.Fingerprint) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(fp)),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("delete object %s: %w", fp, err)
	}
	return nil
}

// List pages through every object under the prefix.
func (s *S3Store) List(ctx context.Context) ([]fingerprint.Fingerprint, error) {
	listPrefix := ""
	if s.prefix != "" {
		listPrefix = s.prefix + "/"
	}

	var fps []fingerprint.Fingerprint
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(listPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			fp, err := fingerprint.Parse(path.Base(aws.ToString(obj.Key)))
			if err != nil {
				continue
			}
			fps = append(fps, fp)
		}
	}
	return fps, nil
}

func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}
