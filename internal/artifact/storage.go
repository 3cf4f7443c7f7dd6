// Package artifact stores rendered mind-map documents in S3-compatible
// object storage and hands back their public URLs.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const htmlContentType = "text/html; charset=utf-8"

// Config mirrors the STORAGE_* settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
	PublicURL string
}

// Uploaded describes a stored artifact.
type Uploaded struct {
	ObjectName string
	PublicURL  string
	Size       int64
}

// Store uploads mind-map HTML into one bucket.
type Store struct {
	client    *minio.Client
	bucket    string
	publicURL string
	now       func() time.Time
}

func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("artifact bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	publicURL := strings.TrimRight(cfg.PublicURL, "/")
	if publicURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		publicURL = scheme + "://" + cfg.Endpoint
	}
	return &Store{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: publicURL,
		now:       time.Now,
	}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// UploadMindmap stores html as mindmap_<spaceID>_<timestamp>.html. Object
// names are never reused, so a published URL always refers to one document.
func (s *Store) UploadMindmap(ctx context.Context, spaceID, html string) (Uploaded, error) {
	if strings.TrimSpace(html) == "" {
		return Uploaded{}, fmt.Errorf("mindmap html is empty")
	}
	objectName := ObjectName(spaceID, s.now())
	data := []byte(html)

	info, err := s.client.PutObject(ctx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  htmlContentType,
		CacheControl: "public, max-age=31536000, immutable",
	})
	if err != nil {
		return Uploaded{}, fmt.Errorf("upload mindmap %s: %w", objectName, err)
	}
	return Uploaded{
		ObjectName: objectName,
		PublicURL:  s.PublicURL(objectName),
		Size:       info.Size,
	}, nil
}

func (s *Store) PublicURL(objectName string) string {
	return s.publicURL + "/" + url.PathEscape(s.bucket) + "/" + url.PathEscape(objectName)
}

// ObjectName builds the storage key for a mind map generated at t.
func ObjectName(spaceID string, t time.Time) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, spaceID)
	return fmt.Sprintf("mindmap_%s_%s.html", safe, t.UTC().Format("20060102_150405"))
}
