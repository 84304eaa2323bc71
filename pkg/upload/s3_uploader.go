package upload

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Uploader struct {
	bucketName string
	key        string
	client     S3Client
}

func NewS3Uploader(dstPath string, cfg aws.Config) (*S3Uploader, error) {
	dstPath = strings.TrimPrefix(dstPath, "s3://")

	bucketName, key, ok := strings.Cut(dstPath, "/")
	if !ok || bucketName == "" {
		return nil, fmt.Errorf("invalid S3 path: %s", dstPath)
	}

	return &S3Uploader{
		client:     s3.NewFromConfig(cfg),
		bucketName: bucketName,
		key:        strings.TrimSuffix(key, "/"),
	}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, name string, data []byte) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucketName),
		Key:         aws.String(path.Join(u.key, name)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType(name)),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s to S3, %w", name, err)
	}

	return nil
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".csv":
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}
