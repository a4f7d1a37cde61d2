package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/alecthomas/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dglo/hitspool/internal/logging"
	"github.com/dglo/hitspool/internal/message"
)

// minioAPI is the subset of *minio.Client ObjectSink drives, so tests can
// substitute a fake without a live S3-compatible endpoint.
type minioAPI interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ObjectSinkConfig configures the optional S3-compatible mirror of the
// status-JSON notification stream.
type ObjectSinkConfig struct {
	Endpoint        string `hcl:"endpoint" help:"S3-compatible endpoint host:port."`
	Bucket          string `hcl:"bucket" help:"Bucket status objects are written to."`
	AccessKeyID     string `hcl:"access-key-id,optional"`
	SecretAccessKey string `hcl:"secret-access-key,optional"`
	UseSSL          bool   `hcl:"use-ssl,optional" default:"true"`
}

// ObjectSink durably mirrors every status JSON so a missed live-socket
// delivery can be replayed by an operator, keyed by request_id/update_time.
type ObjectSink struct {
	client minioAPI
	bucket string
}

// NewObjectSink constructs an ObjectSink backed by a real minio client.
func NewObjectSink(ctx context.Context, config ObjectSinkConfig) (*ObjectSink, error) {
	var creds *credentials.Credentials
	if config.AccessKeyID != "" {
		creds = credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, "")
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.FileAWSCredentials{},
		})
	}
	client, err := minio.New(config.Endpoint, &minio.Options{Creds: creds, Secure: config.UseSSL})
	if err != nil {
		return nil, errors.Wrap(err, "construct minio client")
	}
	logging.FromContext(ctx).InfoContext(ctx, "Constructed status object sink", "endpoint", config.Endpoint, "bucket", config.Bucket)
	return &ObjectSink{client: client, bucket: config.Bucket}, nil
}

// Put writes status to <request_id>/<update_time>.json.
func (o *ObjectSink) Put(ctx context.Context, status message.Status) error {
	data, err := json.Marshal(status)
	if err != nil {
		return errors.Wrap(err, "marshal status")
	}
	key := fmt.Sprintf("%s/%s.json", status.Value.RequestID, objectSafeTime(status.Value.UpdateTime))
	_, err = o.client.PutObject(ctx, o.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/json"})
	return errors.WithStack(err)
}

// objectSafeTime replaces the spaces and colons of a status JSON timestamp,
// which minio object keys tolerate poorly, with underscores.
func objectSafeTime(t string) string {
	out := make([]byte, len(t))
	for i := 0; i < len(t); i++ {
		switch t[i] {
		case ' ', ':':
			out[i] = '_'
		default:
			out[i] = t[i]
		}
	}
	return string(out)
}
