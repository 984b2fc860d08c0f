// Package archive writes a JSON snapshot of every finished submission to
// S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"formcollect/api/internal/dispatch"
	"formcollect/api/internal/ids"
	"formcollect/api/internal/logging"
	"formcollect/api/internal/store"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// Store is a dispatch sink backed by a single bucket.
type Store struct {
	client *minio.Client
	bucket string
	region string
	codec  *ids.Codec
	log    logging.Logger
}

func New(cfg Config, codec *ids.Codec, log logging.Logger) (*Store, error) {
	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "https://"), "http://")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init object storage client: %w", err)
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		region: cfg.Region,
		codec:  codec,
		log:    logging.Component(log, "archive"),
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
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	s.log.Info(ctx, "bucket created", "bucket", s.bucket)
	return nil
}

func (s *Store) Name() string {
	return "archive"
}

// ObjectName is the key of a submission snapshot. Re-archiving the same
// submission overwrites it.
func (s *Store) ObjectName(formID, submissionID int64) string {
	return fmt.Sprintf("submissions/%s/%s.json", s.codec.Encode(formID), s.codec.Encode(submissionID))
}

func (s *Store) Deliver(ctx context.Context, form store.Form, sub store.Submission) error {
	payload := dispatch.NewPayload(s.codec, form, sub)
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	name := s.ObjectName(form.ID, sub.ID)
	_, err = s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"form":       payload.FormID,
			"submission": payload.SubmissionID,
		},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", name, err)
	}
	s.log.Debug(ctx, "submission archived", "object", name, "submission", sub.ID, "form", form.ID)
	return nil
}
