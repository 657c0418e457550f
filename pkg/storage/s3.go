package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// S3Config holds S3 client configuration.
type S3Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	MediaBucket     string
	ImagesBucket    string
}

// S3 provides private object access for both containers: presigned reads and uploads.
type S3 struct {
	client   *s3.Client
	presign  *s3.PresignClient
	uploader *manager.Uploader
	cfg      S3Config
	logger   *zap.Logger
}

// NewS3 creates an S3 client using credentials from config or the default chain.
func NewS3(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	accessKey := cfg.AccessKeyID
	secretKey := cfg.SecretAccessKey
	if accessKey == "" || secretKey == "" {
		accessKey = os.Getenv("AWS_ACCESS_KEY_ID")
		secretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey, secretKey, "",
		)))
		logger.Info("S3 client using static credentials", zap.String("region", cfg.Region),
			zap.String("media_bucket", cfg.MediaBucket), zap.String("images_bucket", cfg.ImagesBucket))
	} else {
		logger.Warn("S3 client using default credential chain (AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY not set)")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 5 * 1024 * 1024 // 5MB parts for streaming
	})
	return &S3{
		client:   client,
		presign:  s3.NewPresignClient(client),
		uploader: uploader,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Bucket returns the container backing an access class.
func (s *S3) Bucket(class AccessClass) (string, error) {
	switch class {
	case ClassMedia:
		return s.cfg.MediaBucket, nil
	case ClassImage:
		return s.cfg.ImagesBucket, nil
	default:
		return "", fmt.Errorf("unknown access class %q", class)
	}
}

// IssueGrant returns a presigned GET URL for objectPath in the class's container, valid for ttl.
func (s *S3) IssueGrant(ctx context.Context, class AccessClass, objectPath string, ttl time.Duration) (string, error) {
	bucket, err := s.Bucket(class)
	if err != nil {
		return "", err
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(objectPath),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return req.URL, nil
}

// Upload streams a reader into the class's container and returns the object key.
func (s *S3) Upload(ctx context.Context, class AccessClass, key, contentType string, body io.Reader, contentLength int64) (string, error) {
	return s.put(ctx, class, key, contentType, "", body, contentLength)
}

// UploadAttachment is Upload with a Content-Disposition that makes browsers save the
// object as filename.
func (s *S3) UploadAttachment(ctx context.Context, class AccessClass, key, contentType, filename string, body io.Reader, contentLength int64) (string, error) {
	return s.put(ctx, class, key, contentType, AttachmentDisposition(filename), body, contentLength)
}

// AttachmentDisposition formats an attachment Content-Disposition; non-ASCII names use RFC 2231 encoding.
func AttachmentDisposition(filename string) string {
	return mime.FormatMediaType("attachment", map[string]string{"filename": filename})
}

func (s *S3) put(ctx context.Context, class AccessClass, key, contentType, disposition string, body io.Reader, contentLength int64) (string, error) {
	bucket, err := s.Bucket(class)
	if err != nil {
		return "", err
	}
	var contentLengthPtr *int64
	if contentLength > 0 {
		contentLengthPtr = &contentLength
	}
	in := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentType:   aws.String(contentType),
		ContentLength: contentLengthPtr,
	}
	if disposition != "" {
		in.ContentDisposition = aws.String(disposition)
	}
	if _, err = s.uploader.Upload(ctx, in); err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	s.logger.Debug("object uploaded", zap.String("bucket", bucket), zap.String("key", key))
	return key, nil
}
