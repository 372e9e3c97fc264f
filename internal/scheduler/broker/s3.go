package broker

import (
	"fmt"
	"path"
	"time"

	"github.com/avast/retry-go"
	"github.com/hashicorp/go-multierror"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	"github.com/ngageoint/scale/internal/common/scalecontext"
	"github.com/ngageoint/scale/internal/common/scaleerrors"
	"github.com/ngageoint/scale/internal/scheduler/schedulerobjects"
)

const noSuchKey = "NoSuchKey"

// S3Broker serves a workspace stored under a prefix of an S3 bucket.
type S3Broker struct {
	client   *minio.Client
	bucket   string
	prefix   string
	readOnly bool
	attempts uint
}

func NewS3Broker(descriptor schedulerobjects.BrokerDescriptor) (*S3Broker, error) {
	if descriptor.Endpoint == "" || descriptor.Bucket == "" {
		return nil, errors.WithStack(&scaleerrors.ErrInvalidArgument{
			Name:    "broker",
			Value:   descriptor.Bucket,
			Message: "s3 workspaces need an endpoint and a bucket",
		})
	}
	client, err := minio.New(descriptor.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(descriptor.AccessKey, descriptor.SecretKey, ""),
		Secure: descriptor.UseSSL,
		Region: descriptor.Region,
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &S3Broker{
		client:   client,
		bucket:   descriptor.Bucket,
		prefix:   descriptor.Prefix,
		readOnly: descriptor.ReadOnly,
		attempts: 3,
	}, nil
}

func (b *S3Broker) key(p string) (string, error) {
	rel, err := cleanRelative(p)
	if err != nil {
		return "", err
	}
	return path.Join(b.prefix, rel), nil
}

func (b *S3Broker) stagingKey(exeID string, rel string) string {
	return path.Join(b.prefix, stagingDir, exeID, rel)
}

func (b *S3Broker) url(key string) string {
	return fmt.Sprintf("s3://%s/%s", b.bucket, key)
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(errors.Cause(err)).Code == noSuchKey
}

// do retries op on transport errors. A missing object is not retried.
func (b *S3Broker) do(ctx *scalecontext.Context, op func() error) error {
	return retry.Do(
		op,
		retry.Attempts(b.attempts),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool { return !isNoSuchKey(err) }),
	)
}

func (b *S3Broker) ResolveInputs(ctx *scalecontext.Context, files []string) ([]string, error) {
	urls := make([]string, len(files))
	for i, f := range files {
		key, err := b.key(f)
		if err != nil {
			return nil, err
		}
		err = b.do(ctx, func() error {
			_, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
			return err
		})
		if err != nil {
			if isNoSuchKey(err) {
				return nil, scaleerrors.Newf(scaleerrors.KindData, scaleerrors.NameInvalidInput, "input file %s does not exist", f)
			}
			return nil, scaleerrors.System(scaleerrors.NameNfs, err)
		}
		urls[i] = b.url(key)
	}
	return urls, nil
}

func (b *S3Broker) OutputDir(exeID string) string {
	return b.url(path.Join(b.prefix, stagingDir, exeID))
}

func (b *S3Broker) StoreOutputs(ctx *scalecontext.Context, exeID string, files []string) ([]string, error) {
	if b.readOnly {
		return nil, readOnlyError("store outputs")
	}
	stored := make([]string, 0, len(files))
	for _, f := range files {
		rel, err := cleanRelative(f)
		if err != nil {
			return nil, err
		}
		src := b.stagingKey(exeID, rel)
		dst := path.Join(b.prefix, rel)
		err = b.do(ctx, func() error {
			_, err := b.client.CopyObject(ctx,
				minio.CopyDestOptions{Bucket: b.bucket, Object: dst},
				minio.CopySrcOptions{Bucket: b.bucket, Object: src})
			return err
		})
		if err != nil && isNoSuchKey(err) {
			// A rerun after a partial store finds the staged copy already removed.
			err = b.do(ctx, func() error {
				_, err := b.client.StatObject(ctx, b.bucket, dst, minio.StatObjectOptions{})
				return err
			})
			if err != nil && isNoSuchKey(err) {
				return nil, scaleerrors.Newf(scaleerrors.KindData, scaleerrors.NameInvalidInput, "output file %s was not written", rel)
			}
		}
		if err != nil {
			return nil, scaleerrors.System(scaleerrors.NameNfs, err)
		}
		err = b.do(ctx, func() error {
			return b.client.RemoveObject(ctx, b.bucket, src, minio.RemoveObjectOptions{})
		})
		if err != nil && !isNoSuchKey(err) {
			return nil, scaleerrors.System(scaleerrors.NameNfs, err)
		}
		stored = append(stored, rel)
	}
	return stored, nil
}

func (b *S3Broker) Delete(ctx *scalecontext.Context, files []string) error {
	if b.readOnly {
		return readOnlyError("delete files")
	}
	var result *multierror.Error
	for _, f := range files {
		key, err := b.key(f)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		err = b.do(ctx, func() error {
			return b.client.RemoveObject(ctx, b.bucket, key, minio.RemoveObjectOptions{})
		})
		if err != nil && !isNoSuchKey(err) {
			result = multierror.Append(result, errors.WithStack(err))
		}
	}
	return result.ErrorOrNil()
}
