package registry

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// BlobStore fetches and stores model parameter blobs by location string.
// Locations are either plain filesystem paths or s3://bucket/key URIs.
type BlobStore interface {
	Get(ctx context.Context, location string) ([]byte, error)
	Put(ctx context.Context, location string, blob []byte) error
}

// LocalStore reads and writes blobs on the local filesystem, rooted at a
// directory so relative artifact locations stay inside the model store.
type LocalStore struct {
	Root string
}

func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("blobstore: create root %s: %w", root, err)
	}
	return &LocalStore{Root: root}, nil
}

func (ls *LocalStore) resolve(location string) (string, error) {
	if location == "" {
		return "", fmt.Errorf("blobstore: empty location")
	}
	for _, part := range strings.Split(filepath.ToSlash(location), "/") {
		if part == ".." {
			return "", fmt.Errorf("blobstore: location %q escapes root", location)
		}
	}
	return filepath.Join(ls.Root, filepath.Clean("/"+location)), nil
}

func (ls *LocalStore) Get(ctx context.Context, location string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := ls.resolve(location)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("blobstore: read %s: %w", location, err)
	}
	return data, nil
}

func (ls *LocalStore) Put(ctx context.Context, location string, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := ls.resolve(location)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("blobstore: create dir for %s: %w", location, err)
	}
	if err := os.WriteFile(path, blob, 0o640); err != nil {
		return fmt.Errorf("blobstore: write %s: %w", location, err)
	}
	return nil
}

// s3API is the subset of the S3 client the store needs.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store serves s3://bucket/key artifact locations. Teams that train in the
// cloud publish blobs straight to the bucket and register the URI.
type S3Store struct {
	client s3API
}

func NewS3Store(client s3API) *S3Store {
	return &S3Store{client: client}
}

// splitS3URI parses s3://bucket/key into its parts.
func splitS3URI(location string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(location, "s3://")
	if trimmed == location {
		return "", "", fmt.Errorf("blobstore: %q is not an s3 URI", location)
	}
	bucket, key, ok := strings.Cut(trimmed, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("blobstore: malformed s3 URI %q", location)
	}
	return bucket, key, nil
}

func (ss *S3Store) Get(ctx context.Context, location string) ([]byte, error) {
	bucket, key, err := splitS3URI(location)
	if err != nil {
		return nil, err
	}
	out, err := ss.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: get %s: %w", location, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("blobstore: read %s: %w", location, err)
	}
	return data, nil
}

func (ss *S3Store) Put(ctx context.Context, location string, blob []byte) error {
	bucket, key, err := splitS3URI(location)
	if err != nil {
		return err
	}
	_, err = ss.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   strings.NewReader(string(blob)),
	})
	if err != nil {
		return fmt.Errorf("blobstore: put %s: %w", location, err)
	}
	return nil
}

// RoutingStore dispatches to the S3 store for s3:// locations and to the
// local store for everything else.
type RoutingStore struct {
	Local *LocalStore
	S3    *S3Store
}

func (rs *RoutingStore) pick(location string) (BlobStore, error) {
	if strings.HasPrefix(location, "s3://") {
		if rs.S3 == nil {
			return nil, fmt.Errorf("blobstore: s3 location %q but no s3 client configured", location)
		}
		return rs.S3, nil
	}
	if rs.Local == nil {
		return nil, fmt.Errorf("blobstore: no local store configured")
	}
	return rs.Local, nil
}

func (rs *RoutingStore) Get(ctx context.Context, location string) ([]byte, error) {
	store, err := rs.pick(location)
	if err != nil {
		return nil, err
	}
	return store.Get(ctx, location)
}

func (rs *RoutingStore) Put(ctx context.Context, location string, blob []byte) error {
	store, err := rs.pick(location)
	if err != nil {
		return err
	}
	return store.Put(ctx, location, blob)
}
