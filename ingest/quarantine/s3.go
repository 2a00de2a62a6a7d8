package quarantine

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/voltaic-systems/ingest/core/logger"
)

// S3Configuration is the configuration for the S3 payload archiver
type S3Configuration struct {
	AWSBucketName string `env:"QUARANTINE_S3_BUCKET,optional" description:"bucket for archived quarantine payloads, archiving disabled if empty"`
	AWSRegion     string `env:"QUARANTINE_S3_REGION,default=eu-central-1"`
	AccessID      string `env:"QUARANTINE_S3_ACCESS_ID,optional"`
	AccessKey     string `env:"QUARANTINE_S3_ACCESS_KEY,optional"`
	KeyPrefix     string `env:"QUARANTINE_S3_KEY_PREFIX,default=quarantine/"`
}

// S3Archiver implements Archiver on AWS S3
type S3Archiver struct {
	config      aws.Config
	bucket      string
	baseKeyName string
}

// NewS3Archiver returns a new S3Archiver
func NewS3Archiver(archiveConfig S3Configuration) (*S3Archiver, error) {
	if archiveConfig.AWSBucketName == "" {
		return nil, fmt.Errorf("AWSBucketName must not be empty")
	}

	cfg, err := config.LoadDefaultConfig(
		context.TODO(),
		config.WithRegion(archiveConfig.AWSRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			archiveConfig.AccessID, archiveConfig.AccessKey, "")),
	)
	if err != nil {
		return nil, err
	}
	logger.Default().Debugln("quarantine S3 archiving enabled")
	return &S3Archiver{cfg, archiveConfig.AWSBucketName, archiveConfig.KeyPrefix}, nil
}

// Archive implements Archiver
func (s *S3Archiver) Archive(ctx context.Context, key string, payload []byte) error {
	client := s3.NewFromConfig(s.config)

	fullKey := s.baseKeyName + key
	input := &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &fullKey,
		Body:   bytes.NewReader(payload),
	}
	_, err := client.PutObject(ctx, input)
	if err != nil {
		logger.Default().WithError(err).Error("could not archive ", fullKey)
		return err
	}
	return nil
}
