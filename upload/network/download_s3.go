package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

// S3DownloadParams ...
type S3DownloadParams struct {
	Key             string
	DownloadPath    string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// ErrObjectNotFound ...
var ErrObjectNotFound = errors.New("object not found in bucket")

// DownloadFromS3 fetches one object from the user's own bucket using
// locally held credentials. If the key does not exist, the error is
// ErrObjectNotFound.
func DownloadFromS3(ctx context.Context, params S3DownloadParams, logger log.Logger) error {
	if params.Bucket == "" {
		return fmt.Errorf("bucket must not be empty")
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

	if err := headObject(ctx, client, params.Bucket, params.Key); err != nil {
		return err
	}

	return retry.Times(numS3Retries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		if err := getObject(ctx, client, params); err != nil {
			return fmt.Errorf("download object: %w", err), false
		}

		return nil, true
	})
}

func headObject(ctx context.Context, client *s3.Client, bucket, key string) error {
	_, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var apiError smithy.APIError
		if errors.As(err, &apiError) {
			switch apiError.(type) {
			case *types.NotFound:
				return ErrObjectNotFound
			default:
				return fmt.Errorf("aws api error: %w", err)
			}
		}
		return fmt.Errorf("generic aws error: %w", err)
	}

	return nil
}

func getObject(ctx context.Context, client *s3.Client, params S3DownloadParams) error {
	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(params.Bucket),
		Key:    aws.String(params.Key),
	})
	if err != nil {
		return fmt.Errorf("get object: %w", err)
	}
	defer result.Body.Close() //nolint:errcheck

	file, err := os.Create(params.DownloadPath)
	if err != nil {
		return fmt.Errorf("creating file: %w", err)
	}
	defer file.Close() //nolint:errcheck

	if _, err := io.Copy(file, result.Body); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	return nil
}
