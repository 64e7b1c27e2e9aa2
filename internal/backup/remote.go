package backup

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hyperjump/kanshou/internal/config"
	"github.com/hyperjump/kanshou/internal/errs"
)

// Remote stores archives in an S3-compatible bucket.
type Remote struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewRemote connects to the bucket described by cfg. It does not contact the server.
func NewRemote(cfg config.BackupConfig) (*Remote, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errs.Invalid(errs.CodeRecordInvalid, "backup endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}
	return NewRemoteWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewRemoteWithClient wraps an existing client. prefix is prepended to all keys.
func NewRemoteWithClient(client *minio.Client, bucket, prefix string) *Remote {
	return &Remote{client: client, bucket: bucket, prefix: prefix}
}

func (r *Remote) key(name string) string {
	return path.Join(r.prefix, name)
}

// Upload copies the local archive at localPath to the bucket under its base name.
func (r *Remote) Upload(ctx context.Context, localPath string) (string, error) {
	key := r.key(path.Base(strings.ReplaceAll(localPath, "\\", "/")))
	_, err := r.client.FPutObject(ctx, r.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: "application/zstd",
	})
	if err != nil {
		return "", errs.External("s3", err)
	}
	return key, nil
}

// Download copies the archive name from the bucket to localPath.
func (r *Remote) Download(ctx context.Context, name, localPath string) error {
	key := r.key(name)
	if err := r.client.FGetObject(ctx, r.bucket, key, localPath, minio.GetObjectOptions{}); err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
			return errs.NotFound(errs.CodeCatalogNotFound, key)
		}
		return errs.External("s3", err)
	}
	return nil
}

// List returns the archive names under the prefix, oldest first.
func (r *Remote) List(ctx context.Context) ([]string, error) {
	prefix := r.prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	var names []string
	for obj := range r.client.ListObjects(ctx, r.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, errs.External("s3", obj.Err)
		}
		name := strings.TrimPrefix(strings.TrimPrefix(obj.Key, r.prefix), "/")
		if strings.HasSuffix(name, Ext) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
