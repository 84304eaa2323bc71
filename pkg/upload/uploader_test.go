package upload

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/block/shardsync/pkg/destinations"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func mockConfigLoader(_ context.Context, _ ...func(*config.LoadOptions) error) (aws.Config, error) {
	return aws.Config{}, nil
}

func TestNewUploader(t *testing.T) {
	fs := afero.NewMemMapFs()
	uploader, err := NewUploader(context.TODO(), destinations.S3File, "s3://testBucket/testDir/testSubDir", fs, mockConfigLoader)
	require.NoError(t, err)
	s3uploader, ok := uploader.(*S3Uploader)
	require.True(t, ok)
	require.NotNil(t, s3uploader)
	require.Equal(t, "testBucket", s3uploader.bucketName)
	require.Equal(t, "testDir/testSubDir", s3uploader.key)

	uploader, err = NewUploader(context.TODO(), destinations.LocalDir, "/out", fs, mockConfigLoader)
	require.NoError(t, err)
	fileUploader, ok := uploader.(*FileUploader)
	require.True(t, ok)
	require.NotNil(t, fileUploader)

	_, err = NewUploader(context.TODO(), destinations.DstType(7), "/out", fs, mockConfigLoader)
	require.ErrorContains(t, err, "unsupported destination type")
}

func TestFileUploader_Upload(t *testing.T) {
	fs := afero.NewMemMapFs()
	u := NewFileUploader(fs, "/out")
	require.NoError(t, u.Upload(context.Background(), "answers/answers_1.csv", []byte("id\n1\n")))
	require.NoError(t, u.Upload(context.Background(), "answers/answers_1.csv", []byte("id\n1\n2\n")))

	data, err := afero.ReadFile(fs, "/out/answers/answers_1.csv")
	require.NoError(t, err)
	require.Equal(t, "id\n1\n2\n", string(data))

	exists, err := afero.Exists(fs, "/out/answers/answers_1.csv.next")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestParseDstType(t *testing.T) {
	tp, err := destinations.Parse("s3")
	require.NoError(t, err)
	require.Equal(t, destinations.S3File, tp)
	tp, err = destinations.Parse("local")
	require.NoError(t, err)
	require.Equal(t, destinations.LocalDir, tp)
	_, err = destinations.Parse("table")
	require.Error(t, err)
}
