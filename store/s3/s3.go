// Package s3 implements a remote mirror backed by an S3-compatible bucket.
package s3

import (
	"context"
	"crypto/tls"
	"net/http"
	"strings"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	"github.com/coffeebreak/coldbrew/config"
	"github.com/coffeebreak/coldbrew/internal/retry"
	"github.com/coffeebreak/coldbrew/logging"
	"github.com/coffeebreak/coldbrew/secrets"
	"github.com/coffeebreak/coldbrew/store"
)

var log = logging.Module("store/s3")

// Remote mirrors the local backup tree into an S3 bucket.
type Remote struct {
	cli      *minio.Client
	bucket   string
	prefix   string
	required bool
}

// New builds an S3 remote from its configuration, resolving credentials
// through the secrets resolver.
func New(cfg config.RemoteConfig, sec secrets.Resolver) (*Remote, error) {
	accessKey, err := sec.Resolve(cfg.AccessKeyRef)
	if err != nil {
		return nil, errors.Wrap(err, "unable to resolve S3 access key")
	}

	secretKey, err := sec.Resolve(cfg.SecretKeyRef)
	if err != nil {
		return nil, errors.Wrap(err, "unable to resolve S3 secret key")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}

	minioOpts := &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: !cfg.DisableTLS,
		Region: cfg.Region,
	}

	if cfg.DoNotVerifyTLS {
		minioOpts.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		}
	}

	cli, err := minio.New(endpoint, minioOpts)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create S3 client")
	}

	return &Remote{
		cli:      cli,
		bucket:   cfg.Bucket,
		prefix:   normalizePrefix(cfg.Prefix),
		required: cfg.Required,
	}, nil
}

func normalizePrefix(p string) string {
	p = strings.Trim(p, "/")
	if p != "" {
		p += "/"
	}

	return p
}

// DisplayName implements store.Remote.
func (r *Remote) DisplayName() string {
	return "s3 " + r.bucket
}

// Required implements store.Remote.
func (r *Remote) Required() bool {
	return r.required
}

// Sync implements store.Remote. It uploads local objects that are missing
// or differ in size from the bucket copy and removes bucket objects that no
// longer exist locally. Individual failures are accumulated so one bad
// object cannot abort the mirror.
func (r *Remote) Sync(ctx context.Context, src store.SyncSource) (*store.SyncResult, error) {
	local, err := src.Objects(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to enumerate local objects")
	}

	remote, err := r.listRemote(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to enumerate bucket objects")
	}

	res := &store.SyncResult{}

	wanted := map[string]bool{}

	for _, o := range local {
		wanted[o.RelPath] = true

		if sz, ok := remote[o.RelPath]; ok && sz == o.Size {
			continue
		}

		if err := r.upload(ctx, src, o); err != nil {
			log(ctx).Warnf("unable to upload %v to %v: %v", o.RelPath, r.DisplayName(), err)
			res.Failures = append(res.Failures, store.SyncFailure{Object: o.RelPath, Err: err.Error()})

			continue
		}

		res.Uploaded++
	}

	for rel := range remote {
		if wanted[rel] {
			continue
		}

		if err := r.cli.RemoveObject(ctx, r.bucket, r.prefix+rel, minio.RemoveObjectOptions{}); err != nil {
			log(ctx).Warnf("unable to remove stale object %v from %v: %v", rel, r.DisplayName(), err)
			res.Failures = append(res.Failures, store.SyncFailure{Object: rel, Err: err.Error()})

			continue
		}

		res.Deleted++
	}

	log(ctx).Debugf("synced to %v: %v uploaded, %v deleted, %v failed", r.DisplayName(), res.Uploaded, res.Deleted, len(res.Failures))

	return res, nil
}

func (r *Remote) listRemote(ctx context.Context) (map[string]int64, error) {
	result := map[string]int64{}

	for obj := range r.cli.ListObjects(ctx, r.bucket, minio.ListObjectsOptions{
		Prefix:    r.prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, errors.Wrap(obj.Err, "ListObjects")
		}

		result[strings.TrimPrefix(obj.Key, r.prefix)] = obj.Size
	}

	return result, nil
}

func (r *Remote) upload(ctx context.Context, src store.SyncSource, o store.SyncObject) error {
	return retry.WithExponentialBackoff(ctx, "PutObject("+o.RelPath+")", func() error {
		rd, err := src.OpenObject(ctx, o.RelPath)
		if err != nil {
			return errors.Wrap(err, "unable to open local object")
		}
		defer rd.Close() //nolint:errcheck

		_, err = r.cli.PutObject(ctx, r.bucket, r.prefix+o.RelPath, rd, o.Size, minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		})

		return err
	}, isRetriableError)
}

func isRetriableError(err error) bool {
	var me minio.ErrorResponse

	if errors.As(err, &me) {
		// retry on server errors, not on client errors
		return me.StatusCode >= 500
	}

	if strings.Contains(strings.ToLower(err.Error()), "http") {
		return true
	}

	return false
}

// Health implements store.Remote by probing bucket existence.
func (r *Remote) Health(ctx context.Context) (store.Health, error) {
	ok, err := r.cli.BucketExists(ctx, r.bucket)
	if err != nil {
		return store.Health{State: store.HealthUnavailable, Detail: err.Error()}, nil
	}

	if !ok {
		return store.Health{State: store.HealthUnavailable, Detail: "bucket " + r.bucket + " does not exist"}, nil
	}

	return store.Health{State: store.HealthOK}, nil
}

// Close implements store.Remote.
func (r *Remote) Close() error {
	return nil
}

var _ store.Remote = (*Remote)(nil)
