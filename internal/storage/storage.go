// Package storage is the thin S3 client layer under the blob compensation
// store. The bucket must have versioning enabled: every write returns the
// version token the compensation protocol targets later.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/fx"

	"github.com/lattice-hq/lattice/internal/config"
	"github.com/lattice-hq/lattice/pkg/logger"
)

var Module = fx.Module("storage",
	fx.Provide(NewService),
	fx.Provide(func(s *Service) ObjectAPI { return s }),
)

// ErrObjectNotFound is returned by GetObject for missing keys.
var ErrObjectNotFound = errors.New("object not found")

// ObjectAPI is the versioned blob backend contract consumed by the
// compensation store. Version strings are opaque tokens.
type ObjectAPI interface {
	// GetObject returns the current body and its version.
	GetObject(ctx context.Context, key string) ([]byte, string, error)
	// PutObject writes a new version and returns its token.
	PutObject(ctx context.Context, key string, body []byte) (string, error)
	// DeleteObject performs a plain delete and returns the delete-marker
	// version, which DeleteVersion can later remove to restore the object.
	DeleteObject(ctx context.Context, key string) (string, error)
	// DeleteVersion permanently removes one version (or delete marker).
	// Removing a version the backend no longer knows about is not an error.
	DeleteVersion(ctx context.Context, key, version string) error
}

// Service provides S3-compatible versioned storage operations
type Service struct {
	client *s3.Client
	cfg    *config.StorageConfig
	log    *slog.Logger
	bucket string
}

// NewService creates a new storage service
func NewService(cfg *config.Config, log *slog.Logger) (*Service, error) {
	sc := &cfg.Storage
	if !sc.IsConfigured() {
		log.Warn("storage service disabled - no configuration provided")
		return &Service{
			cfg: sc,
			log: log.With(logger.Scope("storage")),
		}, nil
	}

	// Custom endpoint resolver for MinIO
	customResolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               sc.Endpoint,
				HostnameImmutable: true,
				SigningRegion:     sc.Region,
			}, nil
		},
	)

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(sc.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			sc.AccessKey,
			sc.SecretKey,
			"",
		)),
		awsconfig.WithEndpointResolverWithOptions(customResolver),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Path-style addressing (required for MinIO)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	log.Info("storage service initialized",
		slog.String("endpoint", sc.Endpoint),
		slog.String("bucket", sc.Bucket),
	)

	return &Service{
		client: client,
		cfg:    sc,
		log:    log.With(logger.Scope("storage")),
		bucket: sc.Bucket,
	}, nil
}

// Enabled returns true if the storage service is properly configured
func (s *Service) Enabled() bool {
	return s.client != nil
}

// GetObject retrieves the current version of an object
func (s *Service) GetObject(ctx context.Context, key string) ([]byte, string, error) {
	if !s.Enabled() {
		return nil, "", fmt.Errorf("storage service not enabled")
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, "", ErrObjectNotFound
		}
		s.log.Error("failed to get object",
			slog.String("key", key),
			logger.Error(err),
		)
		return nil, "", fmt.Errorf("get failed: %w", err)
	}
	defer result.Body.Close()

	body, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, "", fmt.Errorf("get body read failed: %w", err)
	}

	return body, aws.ToString(result.VersionId), nil
}

// PutObject writes a new version of an object
func (s *Service) PutObject(ctx context.Context, key string, body []byte) (string, error) {
	if !s.Enabled() {
		return "", fmt.Errorf("storage service not enabled")
	}

	result, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		s.log.Error("failed to put object",
			slog.String("key", key),
			logger.Error(err),
		)
		return "", fmt.Errorf("put failed: %w", err)
	}

	s.log.Debug("object written",
		slog.String("key", key),
		slog.Int("size", len(body)),
	)

	return aws.ToString(result.VersionId), nil
}

// DeleteObject deletes an object (plain delete, leaves a delete marker)
func (s *Service) DeleteObject(ctx context.Context, key string) (string, error) {
	if !s.Enabled() {
		return "", fmt.Errorf("storage service not enabled")
	}

	result, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.log.Error("failed to delete object",
			slog.String("key", key),
			logger.Error(err),
		)
		return "", fmt.Errorf("delete failed: %w", err)
	}

	s.log.Debug("object deleted", slog.String("key", key))
	return aws.ToString(result.VersionId), nil
}

// DeleteVersion removes a specific version or delete marker
func (s *Service) DeleteVersion(ctx context.Context, key, version string) error {
	if !s.Enabled() {
		return fmt.Errorf("storage service not enabled")
	}

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket:    aws.String(s.bucket),
		Key:       aws.String(key),
		VersionId: aws.String(version),
	})
	if err != nil {
		if isNotFound(err) {
			// Already gone; the caller's intent holds
			return nil
		}
		s.log.Error("failed to delete object version",
			slog.String("key", key),
			slog.String("version", version),
			logger.Error(err),
		)
		return fmt.Errorf("delete version failed: %w", err)
	}

	s.log.Debug("object version deleted",
		slog.String("key", key),
		slog.String("version", version),
	)
	return nil
}

func isNotFound(err error) bool {
	errStr := err.Error()
	return strings.Contains(errStr, "NotFound") ||
		strings.Contains(errStr, "404") ||
		strings.Contains(errStr, "NoSuchKey") ||
		strings.Contains(errStr, "NoSuchVersion")
}
