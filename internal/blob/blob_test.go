package blob

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
)

func TestObjectKey(t *testing.T) {
	tests := []struct {
		prefix, name, want string
	}{
		{"", "vectors/a.vec", "vectors/a.vec"},
		{"viddedup", "vectors/a.vec", "viddedup/vectors/a.vec"},
		{"viddedup/", "vectors/", "viddedup/vectors/"},
		{"", "vectors/", "vectors/"},
		{"", "", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, objectKey(tt.prefix, tt.name), "%q + %q", tt.prefix, tt.name)
	}
}

func TestBlobName(t *testing.T) {
	assert.Equal(t, "vectors/a.vec", blobName("viddedup", "viddedup/vectors/a.vec"))
	assert.Equal(t, "vectors/a.vec", blobName("viddedup/", "viddedup/vectors/a.vec"))
	assert.Equal(t, "vectors/a.vec", blobName("", "vectors/a.vec"))
}

func TestIsS3NotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"no_such_key", &types.NoSuchKey{}, true},
		{"not_found", &types.NotFound{}, true},
		{"wrapped", fmt.Errorf("operation error S3: GetObject: %w", &types.NoSuchKey{}), true},
		{"no_such_bucket", &types.NoSuchBucket{}, false},
		{"other", errors.New("connection reset"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isS3NotFound(tt.err))
		})
	}
}

func TestIsMinioNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"no_such_key", minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404}, true},
		{"not_found", minio.ErrorResponse{Code: "NotFound", StatusCode: 404}, true},
		{"access_denied", minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403}, false},
		{"other", errors.New("connection reset"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isMinioNotFound(tt.err))
		})
	}
}
