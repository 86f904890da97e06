package rawcache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudrook/obs-ingest/internal/domain"
)

// LocalStore archives under a local directory, mirroring the object-store key
// layout. Used on local runs and in tests.
type LocalStore struct {
	dir    string
	ingest string
}

// NewLocalStore creates a filesystem-backed cache writer rooted at dir.
func NewLocalStore(dir, ingest string) *LocalStore {
	return &LocalStore{dir: dir, ingest: ingest}
}

func (s *LocalStore) ArchiveRaw(_ context.Context, rec domain.RawRecord) error {
	data, err := encodeEntry(rec, time.Now())
	if err != nil {
		return err
	}
	return s.write(rawObjectKey(s.ingest, rec), data)
}

func (s *LocalStore) ArchiveResult(_ context.Context, result domain.SubmissionResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return s.write(resultObjectKey(s.ingest, result.RunID), data)
}

func (s *LocalStore) LoadSeen(_ context.Context) ([]string, error) {
	path := filepath.Join(s.dir, filepath.FromSlash(seenObjectKey(s.ingest)))
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return splitLines(string(data)), nil
}

func (s *LocalStore) StoreSeen(_ context.Context, lines []string) error {
	return s.write(seenObjectKey(s.ingest), []byte(strings.Join(lines, "\n")+"\n"))
}

func (s *LocalStore) write(key string, data []byte) error {
	path := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
