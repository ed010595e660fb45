// Package awsstore is the durable media store backed by Amazon S3 through
// aws-sdk-go-v2. It is selected with MEDIAGATE_OBJECT_BACKEND=s3 and exposes
// the same methods as the MinIO store.
package awsstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/MediaGate/internal/failure"
)

// Config holds configuration for the S3 client.
type Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string // custom endpoint for S3-compatible storage
	AccessKey string // optional, default credential chain when empty
	SecretKey string
}

// Store provides the object operations the moderation pipeline needs.
type Store struct {
	client *s3.Client
	cfg    Config
	logger logrus.FieldLogger
}

// New builds a Store. Explicit keys win over the default credential chain.
func New(ctx context.Context, cfg Config, logger logrus.FieldLogger) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	logger.WithFields(logrus.Fields{
		"bucket":   cfg.Bucket,
		"region":   cfg.Region,
		"endpoint": cfg.Endpoint,
	}).Info("s3 media store initialized")
	return &Store{client: s3.NewFromConfig(awsCfg, s3Opts...), cfg: cfg, logger: logger}, nil
}

func (s *Store) fullKey(key string) string {
	if s.cfg.Prefix == "" {
		return key
	}
	return strings.TrimSuffix(s.cfg.Prefix, "/") + "/" + strings.TrimPrefix(key, "/")
}

// Put uploads one object. r should be an io.ReadSeeker so the SDK can sign
// the payload.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(s.fullKey(key)),
		Body:          r,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return classify("put object "+key, err)
	}
	return nil
}

// Exists checks for key with HeadObject.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, classify("head object "+key, err)
}

// Get streams an object. The caller closes the body.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, failure.Wrap(failure.PermanentServiceError, "get object "+key, err)
		}
		return nil, classify("get object "+key, err)
	}
	return out.Body, nil
}

// Delete removes an object. S3 treats deleting a missing key as success.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		return classify("delete object "+key, err)
	}
	s.logger.WithField("key", s.fullKey(key)).Debug("deleted media object")
	return nil
}

// URI returns the s3:// reference stored on the media item.
func (s *Store) URI(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.cfg.Bucket, s.fullKey(key))
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	return httpStatus(err) == http.StatusNotFound
}

func httpStatus(err error) int {
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}

var permanentCodes = map[string]bool{
	"AccessDenied":          true,
	"NoSuchBucket":          true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"EntityTooLarge":        true,
	"InvalidBucketName":     true,
	"InvalidArgument":       true,
}

func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return failure.Wrap(failure.Timeout, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if permanentCodes[apiErr.ErrorCode()] || apiErr.ErrorFault() == smithy.FaultClient && !retryableStatus(httpStatus(err)) {
			return failure.Wrap(failure.PermanentServiceError, op, err)
		}
	}
	return failure.Wrap(failure.TransientServiceError, op, err)
}

func retryableStatus(code int) bool {
	return code == 0 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
