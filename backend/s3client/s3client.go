// Package s3client adapts an S3-compatible object store to backend.ObjectClient
// using the MinIO client library.
package s3client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/wolfeidau/artifact-repo/backend"
)

// Config holds connection settings for the object store.
type Config struct {
	// Endpoint is the host[:port] of the S3 API, e.g. "s3.amazonaws.com".
	Endpoint string

	// Bucket holds all repositories, one top-level prefix each.
	Bucket string

	// Region is optional for most S3-compatible stores.
	Region string

	// AccessKeyID and SecretAccessKey are static credentials. When both are
	// empty the AWS environment and instance metadata chain is used.
	AccessKeyID     string
	SecretAccessKey string

	// Insecure disables TLS.
	Insecure bool

	// Transport overrides the HTTP transport (used for instrumentation).
	Transport http.RoundTripper
}

// NewFactory returns a backend.ClientFactory that opens a fresh client for
// every backend operation.
func NewFactory(cfg Config) (backend.ClientFactory, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("s3client: endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3client: bucket is required")
	}

	return func(ctx context.Context) (backend.ObjectClient, error) {
		mc, err := minio.New(cfg.Endpoint, &minio.Options{
			Creds:     newCredentials(cfg),
			Secure:    !cfg.Insecure,
			Region:    cfg.Region,
			Transport: cfg.Transport,
		})
		if err != nil {
			return nil, fmt.Errorf("creating s3 client: %w", err)
		}
		return &Client{client: mc, bucket: cfg.Bucket}, nil
	}, nil
}

func newCredentials(cfg Config) *credentials.Credentials {
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		return credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	return credentials.NewChainCredentials([]credentials.Provider{
		&credentials.EnvAWS{},
		&credentials.EnvMinio{},
		&credentials.IAM{},
	})
}

// Client implements backend.ObjectClient for a single bucket.
type Client struct {
	client *minio.Client
	bucket string
}

// List returns the objects and common prefixes directly under prefix.
// MinIO reports common prefixes as entries whose key ends with the
// delimiter; the marker object equal to prefix itself is reported as an
// object so the caller can tell an empty directory from a missing one.
func (c *Client) List(ctx context.Context, prefix, delimiter string) (*backend.Listing, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	listing := &backend.Listing{}
	for obj := range c.client.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: delimiter == "",
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("listing %q: %w", prefix, obj.Err)
		}
		if delimiter != "" && obj.Key != prefix && strings.HasSuffix(obj.Key, delimiter) {
			listing.CommonPrefixes = append(listing.CommonPrefixes, obj.Key)
			continue
		}
		listing.Objects = append(listing.Objects, backend.ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}
	return listing, nil
}

// Get opens the object at key.
func (c *Client) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := c.client.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translate(err)
	}
	// GetObject is lazy; Stat surfaces a missing key before streaming starts.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, translate(err)
	}
	return obj, nil
}

// Put uploads size bytes from r to key.
func (c *Client) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := c.client.PutObject(ctx, c.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return translate(err)
	}
	return nil
}

// Close is a no-op; MinIO clients hold no resources beyond the HTTP
// transport's idle connections.
func (c *Client) Close() error {
	return nil
}

func translate(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return fmt.Errorf("%w: %w", backend.ErrObjectNotFound, err)
	}
	return err
}

var _ backend.ObjectClient = (*Client)(nil)
