package network

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const numS3Retries = 3

// S3UploadParams ...
type S3UploadParams struct {
	LocalPath       string
	Key             string
	ContentType     string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// UploadToS3 puts one local file into the user's own bucket using locally
// held credentials, bypassing the control plane entirely. Large files are
// sent as a multipart upload by the SDK's transfer manager.
func UploadToS3(ctx context.Context, params S3UploadParams, logger log.Logger) error {
	if params.Bucket == "" {
		return fmt.Errorf("bucket must not be empty")
	}

	if params.LocalPath == "" {
		return fmt.Errorf("local path must not be empty")
	}

	if params.Key == "" {
		return fmt.Errorf("object key must not be empty")
	}

	cfg, err := loadAWSCredentials(
		ctx,
		params.Region,
		params.AccessKeyID,
		params.SecretAccessKey,
		logger,
	)
	if err != nil {
		return fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg)

	contentType := params.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return retry.Times(numS3Retries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		file, err := os.Open(params.LocalPath)
		if err != nil {
			return fmt.Errorf("open local path: %w", err), true
		}
		defer file.Close() //nolint:errcheck

		uploader := manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = 10 * 1024 * 1024
			u.Concurrency = 4
		})

		_, err = uploader.Upload(ctx, &s3.PutObjectInput{
			Body:        file,
			Bucket:      aws.String(params.Bucket),
			Key:         aws.String(params.Key),
			ContentType: aws.String(contentType),
		})
		if err != nil {
			return fmt.Errorf("upload object: %w", err), false
		}

		return nil, true
	})
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
