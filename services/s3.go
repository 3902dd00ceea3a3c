package services

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"gigovert/config"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3Service offloads completed artifacts to object storage for durable
// retention. Local disk stays the source of truth for downloads; offload is
// enabled only when a bucket is configured.
type S3Service struct {
	session  *session.Session
	bucket   string
	uploader *s3manager.Uploader
}

// NewS3Service returns nil when no bucket is configured.
func NewS3Service(cfg *config.Config) *S3Service {
	if cfg.S3Bucket == "" {
		return nil
	}

	awsCfg := &aws.Config{
		Region: aws.String(cfg.S3Region),
		Credentials: credentials.NewStaticCredentials(
			cfg.AWSS3AccessKey,
			cfg.AWSS3SecretKey,
			"",
		),
	}

	if cfg.S3Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.S3Endpoint)
	}

	if cfg.S3UsePathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess := session.Must(session.NewSession(awsCfg))

	return &S3Service{
		session:  sess,
		bucket:   cfg.S3Bucket,
		uploader: s3manager.NewUploader(sess),
	}
}

// OffloadArtifact uploads a converted file under artifacts/<basename>.
func (s *S3Service) OffloadArtifact(ctx context.Context, localPath string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open artifact: %w", err)
	}
	defer file.Close()

	contentType := mime.TypeByExtension(filepath.Ext(localPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := "artifacts/" + filepath.Base(localPath)
	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload artifact to S3: %w", err)
	}
	return nil
}
