package s3

import (
	"testing"

	minio "github.com/minio/minio-go/v7"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/coffeebreak/coldbrew/config"
	"github.com/coffeebreak/coldbrew/secrets"
)

func TestNormalizePrefix(t *testing.T) {
	require.Equal(t, "", normalizePrefix(""))
	require.Equal(t, "backups/", normalizePrefix("backups"))
	require.Equal(t, "backups/", normalizePrefix("/backups/"))
	require.Equal(t, "a/b/", normalizePrefix("a/b"))
}

func TestIsRetriableError(t *testing.T) {
	require.True(t, isRetriableError(minio.ErrorResponse{StatusCode: 500}))
	require.True(t, isRetriableError(minio.ErrorResponse{StatusCode: 503}))
	require.False(t, isRetriableError(minio.ErrorResponse{StatusCode: 403}))
	require.False(t, isRetriableError(minio.ErrorResponse{StatusCode: 404}))

	require.True(t, isRetriableError(errors.New("http: connection reset")))
	require.False(t, isRetriableError(errors.New("invalid object name")))

	// wrapped minio responses still classify by status code
	require.False(t, isRetriableError(errors.Wrap(minio.ErrorResponse{StatusCode: 400}, "PutObject")))
}

func TestNewResolvesCredentials(t *testing.T) {
	t.Setenv("COLDBREW_TEST_S3_KEY", "AKIAEXAMPLE")

	r, err := New(config.RemoteConfig{
		Kind:         config.RemoteS3,
		Bucket:       "coffeebreak-backups",
		Required:     true,
		Prefix:       "/prod",
		AccessKeyRef: "envvar:COLDBREW_TEST_S3_KEY",
		SecretKeyRef: "value:sekrit",
	}, secrets.NewResolver())
	require.NoError(t, err)
	require.Equal(t, "s3 coffeebreak-backups", r.DisplayName())
	require.True(t, r.Required())
	require.Equal(t, "prod/", r.prefix)

	_, err = New(config.RemoteConfig{
		Kind:         config.RemoteS3,
		Bucket:       "coffeebreak-backups",
		AccessKeyRef: "envvar:COLDBREW_TEST_S3_MISSING",
		SecretKeyRef: "value:sekrit",
	}, secrets.NewResolver())
	require.Error(t, err)
}
