package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/nemanja-m/distrib/pkg/id"
)

// FileStore keeps one file per key under <root>/<nid>/<gid>/.
type FileStore struct {
	mu   sync.RWMutex
	root string
}

// record is the on-disk format; the original key is kept because file
// names are sanitized.
type record struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func NewFileStore(root string, nid id.ID) (*FileStore, error) {
	dir := filepath.Join(root, string(nid))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	return &FileStore{root: dir}, nil
}

// Root is the directory holding this node's partitions.
func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) Get(_ context.Context, gid, key string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.read(s.path(gid, key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", ErrKeyNotFound, gid, key)
		}
		return nil, err
	}
	return rec.Value, nil
}

func (s *FileStore) Put(_ context.Context, gid, key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(gid, key, value)
}

func (s *FileStore) Del(_ context.Context, gid, key string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.path(gid, key)
	rec, err := s.read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", ErrKeyNotFound, gid, key)
		}
		return nil, err
	}
	if err := os.Remove(path); err != nil {
		return nil, err
	}
	return rec.Value, nil
}

func (s *FileStore) List(_ context.Context, gid string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys(gid)
}

func (s *FileStore) Append(_ context.Context, gid, key string, values []json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing json.RawMessage
	rec, err := s.read(s.path(gid, key))
	switch {
	case err == nil:
		existing = rec.Value
	case !errors.Is(err, fs.ErrNotExist):
		return err
	}

	merged, err := appendValues(existing, values)
	if err != nil {
		return fmt.Errorf("appending to %s/%s: %w", gid, key, err)
	}
	return s.write(gid, key, merged)
}

func (s *FileStore) Match(_ context.Context, gid, pattern string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %q", pattern)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys, err := s.keys(gid)
	if err != nil {
		return nil, err
	}
	matched := keys[:0]
	for _, key := range keys {
		if ok, _ := doublestar.Match(pattern, key); ok {
			matched = append(matched, key)
		}
	}
	return matched, nil
}

func (s *FileStore) Drop(_ context.Context, gid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.RemoveAll(filepath.Join(s.root, sanitize(gid)))
}

func (s *FileStore) keys(gid string) ([]string, error) {
	dir := filepath.Join(s.root, sanitize(gid))
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}

	names, err := doublestar.Glob(os.DirFS(dir), "*", doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", gid, err)
	}

	keys := make([]string, 0, len(names))
	for _, name := range names {
		if strings.HasPrefix(name, ".") {
			continue
		}
		rec, err := s.read(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		keys = append(keys, rec.Key)
	}
	slices.Sort(keys)
	return keys, nil
}

func (s *FileStore) read(path string) (*record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt record %s: %w", path, err)
	}
	return &rec, nil
}

func (s *FileStore) write(gid, key string, value json.RawMessage) error {
	dir := filepath.Join(s.root, sanitize(gid))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(record{Key: key, Value: value})
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path(gid, key))
}

func (s *FileStore) path(gid, key string) string {
	return filepath.Join(s.root, sanitize(gid), fileName(key))
}

// fileName keeps [A-Za-z0-9_-] and appends a short key hash so that keys
// differing only in replaced characters do not collide.
func fileName(key string) string {
	return sanitize(key) + "-" + id.KeyID(key).Short()
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
