// Package snapshot persists in-memory databases to object storage. Each save
// uploads a new object named by its timestamp under a prefix; loads restore
// the newest one and old objects beyond the retention count are pruned.
package snapshot

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/isamap/isamap/internal/storage"
)

const (
	keySuffix     = ".snap"
	keyTimeLayout = "20060102T150405.000000000Z"

	// DefaultRetain is the number of snapshots kept after a save.
	DefaultRetain = 3
)

// Source is a database that can serialize itself.
type Source interface {
	Snapshot(w io.Writer) (int, error)
}

// Target is a database that can be replaced by a serialized image.
type Target interface {
	Restore(r io.Reader) error
}

// Info describes one stored snapshot.
type Info struct {
	Key   string
	ETag  string
	Bytes int
	Taken time.Time
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRetain sets how many snapshots survive a save. Values below one keep
// every snapshot.
func WithRetain(n int) Option {
	return func(s *Store) { s.retain = n }
}

// WithClock replaces time.Now for key generation.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store saves and loads snapshots under one prefix of an ObjectStorage.
type Store struct {
	storage storage.ObjectStorage
	prefix  string
	retain  int
	now     func() time.Time
	logger  *zap.SugaredLogger
}

// NewStore creates a store writing under prefix.
func NewStore(st storage.ObjectStorage, prefix string, opts ...Option) *Store {
	s := &Store{
		storage: st,
		prefix:  strings.Trim(prefix, "/"),
		retain:  DefaultRetain,
		now:     time.Now,
		logger:  zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(at time.Time) string {
	name := at.UTC().Format(keyTimeLayout) + keySuffix
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *Store) listPrefix() string {
	if s.prefix == "" {
		return ""
	}
	return s.prefix + "/"
}

// Save writes src to a temporary file, uploads it and prunes old snapshots.
// A failed prune is logged, not returned: the new snapshot is already durable.
func (s *Store) Save(ctx context.Context, src Source) (*Info, error) {
	tmp, err := os.CreateTemp("", "isamap-*"+keySuffix)
	if err != nil {
		return nil, fmt.Errorf("snapshot: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := src.Snapshot(tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	taken := s.now()
	info := &Info{Key: s.key(taken), Bytes: n, Taken: taken.UTC()}
	info.ETag, err = s.storage.Upload(ctx, tmp.Name(), info.Key)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	s.logger.Infow("snapshot saved", "key", info.Key, "bytes", n, "etag", info.ETag)

	if pruned, err := s.prune(ctx); err != nil {
		s.logger.Warnw("snapshot prune failed", "error", err)
	} else if len(pruned) > 0 {
		s.logger.Debugw("snapshots pruned", "keys", pruned)
	}
	return info, nil
}

// List returns stored snapshot keys, oldest first.
func (s *Store) List(ctx context.Context) ([]string, error) {
	objects, err := s.storage.ListObjects(ctx, s.listPrefix())
	if err != nil {
		return nil, fmt.Errorf("snapshot: list: %w", err)
	}
	dir := s.prefix
	if dir == "" {
		dir = "."
	}
	keys := objects[:0]
	for _, obj := range objects {
		if path.Dir(obj) == dir && strings.HasSuffix(obj, keySuffix) {
			keys = append(keys, obj)
		}
	}
	return keys, nil
}

// Latest returns the newest snapshot key. It fails with an error matching
// storage.IsNotFound when there is none.
func (s *Store) Latest(ctx context.Context) (string, error) {
	keys, err := s.List(ctx)
	if err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "", fmt.Errorf("snapshot: no snapshot under %q: %w", s.prefix, storage.ErrObjectNotFound)
	}
	return keys[len(keys)-1], nil
}

// Load restores dst from the newest snapshot.
func (s *Store) Load(ctx context.Context, dst Target) (string, error) {
	key, err := s.Latest(ctx)
	if err != nil {
		return "", err
	}
	return key, s.LoadKey(ctx, key, dst)
}

// LoadKey restores dst from a specific snapshot.
func (s *Store) LoadKey(ctx context.Context, key string, dst Target) error {
	dir, err := os.MkdirTemp("", "isamap-restore-*")
	if err != nil {
		return fmt.Errorf("snapshot: temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	local := filepath.Join(dir, path.Base(key))
	if err := s.storage.Download(ctx, key, local); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	defer f.Close()

	if err := dst.Restore(f); err != nil {
		return fmt.Errorf("snapshot: %s: %w", key, err)
	}
	s.logger.Infow("snapshot loaded", "key", key)
	return nil
}

func (s *Store) prune(ctx context.Context) ([]string, error) {
	if s.retain < 1 {
		return nil, nil
	}
	keys, err := s.List(ctx)
	if err != nil || len(keys) <= s.retain {
		return nil, err
	}
	stale := keys[:len(keys)-s.retain]
	for _, key := range stale {
		if err := s.storage.Delete(ctx, key); err != nil {
			return nil, err
		}
	}
	return stale, nil
}
