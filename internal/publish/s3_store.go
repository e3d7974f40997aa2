package publish

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"modbundle/internal/config"
)

// Object is one upload.
type Object struct {
	Key             string
	Data            []byte
	ContentType     string
	ContentEncoding string
	CacheControl    string
}

// Store receives published objects.
type Store interface {
	Put(ctx context.Context, obj Object) error
}

// S3Store uploads to an S3-compatible bucket, creating it on first use.
type S3Store struct {
	client     *minio.Client
	bucketName string
	region     string
	initOnce   sync.Once
	initErr    error
}

func NewS3Store(cfg config.PublishConfig) (*S3Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("publish: s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("publish: s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("publish: s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("publish: init s3 client: %w", err)
	}
	return &S3Store{client: client, bucketName: bucket, region: region}, nil
}

func (s *S3Store) ensureBucket(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("publish: store is nil")
	}
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucketName)
		if err != nil {
			s.initErr = err
			return
		}
		if exists {
			return
		}
		s.initErr = s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{Region: s.region})
	})
	return s.initErr
}

func (s *S3Store) Put(ctx context.Context, obj Object) error {
	if s == nil {
		return fmt.Errorf("publish: store is nil")
	}
	if strings.TrimSpace(obj.Key) == "" {
		return fmt.Errorf("publish: object key is required")
	}
	if err := s.ensureBucket(ctx); err != nil {
		return fmt.Errorf("publish: ensure bucket: %w", err)
	}
	data := obj.Data
	if data == nil {
		data = []byte{}
	}
	_, err := s.client.PutObject(ctx, s.bucketName, obj.Key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:     obj.ContentType,
		ContentEncoding: obj.ContentEncoding,
		CacheControl:    obj.CacheControl,
	})
	return err
}
