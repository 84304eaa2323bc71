package upload

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/block/shardsync/pkg/destinations"
	"github.com/spf13/afero"
)

// Uploader stores data under name at its destination. name is a slash
// separated relative path, e.g. "answers/answers_1.csv".
type Uploader interface {
	Upload(ctx context.Context, name string, data []byte) error
}
type ConfigLoader func(ctx context.Context, optFns ...func(*config.LoadOptions) error) (aws.Config, error)

func NewUploader(ctx context.Context, tp destinations.DstType, dstPath string, fs afero.Fs, loader ConfigLoader) (Uploader, error) {
	switch tp {
	case destinations.LocalDir:
		return NewFileUploader(fs, dstPath), nil
	case destinations.S3File:
		cfg, err := loader(ctx)
		if err != nil {
			return nil, fmt.Errorf("unable to load AWS SDK config, %w", err)
		}

		return NewS3Uploader(dstPath, cfg)
	}

	return nil, fmt.Errorf("unsupported destination type: %s", tp)
}
