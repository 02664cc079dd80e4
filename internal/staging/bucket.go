package staging

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BartekS5/convsync/pkg/utils"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Bucket is a flat object namespace with slash-separated keys. Put must be
// all-or-nothing: a reader never observes a partially written object.
type Bucket interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Location() string
}

// LocalBucket stores objects as files under a root directory.
type LocalBucket struct {
	root string
}

func NewLocalBucket(root string) *LocalBucket {
	return &LocalBucket{root: root}
}

func (b *LocalBucket) Location() string { return b.root }

func (b *LocalBucket) Put(_ context.Context, key string, data []byte) error {
	return utils.WriteFileAtomic(b.path(key), data, 0o644)
}

func (b *LocalBucket) Get(_ context.Context, key string) (io.ReadCloser, error) {
	return os.Open(b.path(key))
}

// List returns keys under prefix in lexical order. In-flight temp files are
// never listed.
func (b *LocalBucket) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(b.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == b.root {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), utils.TempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *LocalBucket) path(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}

type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// MinioBucket stores objects in an S3-compatible bucket. Object uploads are
// atomic on the server side.
type MinioBucket struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioBucket connects and creates the bucket when it does not exist yet.
func NewMinioBucket(ctx context.Context, opts MinioOptions) (*MinioBucket, error) {
	cli, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	exists, err := cli.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := cli.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
	}
	prefix := strings.Trim(opts.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &MinioBucket{client: cli, bucket: opts.Bucket, prefix: prefix}, nil
}

func (b *MinioBucket) Location() string { return "s3://" + b.bucket + "/" + b.prefix }

func (b *MinioBucket) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, b.bucket, b.prefix+key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/x-ndjson", ContentEncoding: "gzip"})
	return err
}

func (b *MinioBucket) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return b.client.GetObject(ctx, b.bucket, b.prefix+key, minio.GetObjectOptions{})
}

func (b *MinioBucket) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{
		Prefix:    b.prefix + prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		keys = append(keys, strings.TrimPrefix(obj.Key, b.prefix))
	}
	sort.Strings(keys)
	return keys, nil
}
