package storage

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"path"
	"time"

	"github.com/kage-kao/VK-Music-Saver/config"
	"github.com/kage-kao/VK-Music-Saver/model"
	"github.com/kage-kao/VK-Music-Saver/utils"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStore uploads parts to a MinIO bucket and hands out presigned links.
type MinioStore struct {
	client      *minio.Client
	bucket      string
	expiry      time.Duration
	maxSize     int64
	contentType string
}

// NewMinioStore builds an ObjectStore from a MinIO client.
func NewMinioStore(client *minio.Client, bucket string, expiry time.Duration, maxSize int64, contentType string) *MinioStore {
	return &MinioStore{
		client:      client,
		bucket:      bucket,
		expiry:      expiry,
		maxSize:     maxSize,
		contentType: contentType,
	}
}

// Upload puts the object and returns a presigned GET URL for it.
func (s *MinioStore) Upload(ctx context.Context, name string, r io.Reader, size int64) (string, error) {
	if size > s.maxSize {
		return "", fmt.Errorf("%w: %s is %d bytes, limit %d", model.ErrUpload, name, size, s.maxSize)
	}
	_, err := s.client.PutObject(ctx, s.bucket, name, r, size, minio.PutObjectOptions{
		ContentType: s.contentType,
	})
	if err != nil {
		return "", fmt.Errorf("%w: put %s: %v", model.ErrUpload, name, err)
	}
	params := url.Values{}
	params.Set("response-content-disposition",
		fmt.Sprintf("attachment; filename=\"%s\"", utils.SanitizeHeaderFilename(path.Base(name))))
	u, err := s.client.PresignedGetObject(ctx, s.bucket, name, s.expiry, params)
	if err != nil {
		return "", fmt.Errorf("%w: presign %s: %v", model.ErrUpload, name, err)
	}
	return u.String(), nil
}

// Remove deletes an uploaded object.
func (s *MinioStore) Remove(ctx context.Context, name string) error {
	return s.client.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{})
}

func (s *MinioStore) MaxObjectSize() int64 {
	return s.maxSize
}

// NewMinioClient connects to MinIO and creates the bucket when missing.
func NewMinioClient(ctx context.Context) (*minio.Client, error) {
	cfg := config.AppConfig
	client, err := minio.New(fmt.Sprintf("%s:%s", cfg.MinioHost, cfg.MinioPort), &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioUsername, cfg.MinioPassword, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, err
	}
	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return client, nil
}

// InitStore sets Default according to UPLOAD_BACKEND.
func InitStore() {
	sc := config.StorageConfigInstance
	switch sc.Backend {
	case "minio":
		client, err := NewMinioClient(context.Background())
		if err != nil {
			log.Fatalln("minio error:", err)
		}
		Default = NewMinioStore(client, config.AppConfig.BucketName, sc.PresignExpiry, sc.MaxObjectSize, sc.PartContentType)
	case "tempshare", "":
		Default = NewTempShare(sc.TempShareURL, sc.TempShareDays, sc.MaxObjectSize, config.AppConfig.UploadTimeout)
	default:
		log.Fatalf("unknown upload backend %q", sc.Backend)
	}
	log.Printf("object store: %s (max object %d bytes)", sc.Backend, sc.MaxObjectSize)
}
