package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"time"

	"github.com/querydeck/querydeck/internal/cache"
)

var ErrObjectNotFound = errors.New("object not found")

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

type PutOptions struct {
	ContentType string
}

type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// BuildSavedResultPath places archived results under the view they came
// from, partitioned by save date.
func BuildSavedResultPath(resourceID, entryKey string, createdAt time.Time) (string, error) {
	if err := validatePathComponent(resourceID, "resource id"); err != nil {
		return "", err
	}
	if err := validatePathComponent(entryKey, "entry key"); err != nil {
		return "", err
	}
	ts := createdAt.UTC()
	return path.Join(
		"saved",
		resourceID,
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		entryKey+".parquet",
	), nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}

// Service writes saved result entries to object storage as parquet files.
type Service struct {
	Store ObjectStore
}

func NewService(store ObjectStore) *Service {
	return &Service{Store: store}
}

func (s *Service) Archive(ctx context.Context, entry cache.Entry) (ObjectInfo, error) {
	if s.Store == nil {
		return ObjectInfo{}, fmt.Errorf("object store is required")
	}
	key, err := BuildSavedResultPath(entry.ResourceID, entry.Key, entry.CreatedAt)
	if err != nil {
		return ObjectInfo{}, err
	}
	encoded, err := EncodeResult(entry)
	if err != nil {
		return ObjectInfo{}, err
	}
	info, err := s.Store.Put(ctx, key, bytes.NewReader(encoded.Data), int64(len(encoded.Data)), PutOptions{
		ContentType: "application/vnd.apache.parquet",
	})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("archive entry %q: %w", entry.Key, err)
	}
	return info, nil
}
