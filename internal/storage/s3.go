package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/tis24dev/jobsave/internal/config"
	"github.com/tis24dev/jobsave/internal/logging"
)

// S3Target stores archives in AWS S3 or an S3-compatible service.
type S3Target struct {
	logger   *logging.Logger
	bucket   string
	prefix   string
	client   *s3.S3
	uploader *s3manager.Uploader
}

// NewS3Target builds a client for def. Without static keys the default AWS
// credential chain is used.
func NewS3Target(logger *logging.Logger, def config.TargetDefinition) (*S3Target, error) {
	awsConfig := &aws.Config{}
	if def.Region != "" {
		awsConfig.Region = aws.String(def.Region)
	} else {
		awsConfig.Region = aws.String("us-east-1")
	}
	if def.AccessKey != "" || def.SecretKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(def.AccessKey, def.SecretKey, "")
	}
	// S3-compatible storage (MinIO and similar)
	if def.Endpoint != "" {
		awsConfig.Endpoint = aws.String(def.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	logger.Debug("S3 target: bucket=%s region=%s endpoint=%s", def.Bucket, aws.StringValue(awsConfig.Region), def.Endpoint)
	return &S3Target{
		logger:   logger,
		bucket:   def.Bucket,
		prefix:   strings.Trim(def.Path, "/"),
		client:   s3.New(sess),
		uploader: s3manager.NewUploader(sess),
	}, nil
}

func (t *S3Target) Type() string { return "s3" }

func (t *S3Target) Close() error { return nil }

func (t *S3Target) key(name string) string {
	if t.prefix == "" {
		return name
	}
	return path.Join(t.prefix, name)
}

// Upload streams the archive through the multipart uploader.
func (t *S3Target) Upload(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	key := t.key(filepath.Base(localPath))
	_, err = t.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(t.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", t.bucket, key), nil
}

func (t *S3Target) List(ctx context.Context) ([]RemoteFile, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(t.bucket)}
	if t.prefix != "" {
		input.Prefix = aws.String(t.prefix + "/")
	}
	var files []RemoteFile
	err := t.client.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.StringValue(obj.Key), t.prefix+"/")
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			files = append(files, RemoteFile{
				Name:     name,
				Size:     aws.Int64Value(obj.Size),
				Modified: aws.TimeValue(obj.LastModified),
			})
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list S3 objects: %w", err)
	}
	return files, nil
}

func (t *S3Target) Delete(ctx context.Context, name string) error {
	_, err := t.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.key(path.Base(name))),
	})
	if err != nil {
		return fmt.Errorf("failed to delete S3 object: %w", err)
	}
	return nil
}
