package rawcache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/cloudrook/obs-ingest/internal/domain"
)

// ObjectStore archives to an S3-compatible object store. Used on live runs.
type ObjectStore struct {
	client *minio.Client
	bucket string
	ingest string
	logger *slog.Logger
}

// ObjectStoreOptions configures the object store connection.
type ObjectStoreOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Ingest    string
}

// NewObjectStore creates an object-store-backed cache writer.
func NewObjectStore(opts ObjectStoreOptions, logger *slog.Logger) (*ObjectStore, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("object store client: %w", err)
	}
	return &ObjectStore{
		client: client,
		bucket: opts.Bucket,
		ingest: opts.Ingest,
		logger: logger,
	}, nil
}

func (s *ObjectStore) ArchiveRaw(ctx context.Context, rec domain.RawRecord) error {
	data, err := encodeEntry(rec, time.Now())
	if err != nil {
		return err
	}
	return s.put(ctx, rawObjectKey(s.ingest, rec), data, "application/json")
}

func (s *ObjectStore) ArchiveResult(ctx context.Context, result domain.SubmissionResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return s.put(ctx, resultObjectKey(s.ingest, result.RunID), data, "application/json")
}

func (s *ObjectStore) LoadSeen(ctx context.Context) ([]string, error) {
	key := seenObjectKey(s.ingest)
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		// First runs have no seen-keys file yet.
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return splitLines(string(data)), nil
}

func (s *ObjectStore) StoreSeen(ctx context.Context, lines []string) error {
	data := []byte(strings.Join(lines, "\n") + "\n")
	return s.put(ctx, seenObjectKey(s.ingest), data, "text/plain")
}

func (s *ObjectStore) put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	s.logger.Debug("cache object written", "key", key, "bytes", len(data))
	return nil
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
