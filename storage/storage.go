// Package storage persists named string sets in Cloud Storage or a local directory.
package storage

import (
	"buonacaccia-notifier/pkg/notifier"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"
)

const (
	keyPrefix = "set-"
	keySuffix = ".json"
)

// Set names used by the service.
const (
	SetCachedEvents   = "cached_events"
	SetKnownIDs       = "known_ids"
	SetSeenIDs        = "seen_ids"
	SetSentReminders  = "sent_reminders"
	SetFollowedKeys   = "followed_keys"
	SetAllowedTypes   = "allowed_types"
	SetDeniedTypes    = "denied_types"
	SetAllowedRegions = "allowed_regions"
)

var setNameRegex = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// Store handles set persistence.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a new storage handler. A non-empty localPath takes precedence over the bucket.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// setKey maps a set name to its object name, or "" if the name is not allowed.
// Restricting names keeps them from escaping the storage directory.
func setKey(name string) string {
	if !setNameRegex.MatchString(name) {
		return ""
	}
	return keyPrefix + name + keySuffix
}

// LoadSet loads a named set. A set that was never saved is empty.
func (s *Store) LoadSet(ctx context.Context, name string) (notifier.StringSet, error) {
	key := setKey(name)
	if key == "" {
		return nil, fmt.Errorf("invalid set name %q", name)
	}

	data, err := s.read(ctx, key)
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, storage.ErrObjectNotExist) {
		return notifier.StringSet{}, nil
	}
	if err != nil {
		return nil, err
	}

	var set notifier.StringSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("unmarshal set %s: %w", name, err)
	}
	if set == nil {
		set = notifier.StringSet{}
	}
	return set, nil
}

// SaveSet replaces a named set.
func (s *Store) SaveSet(ctx context.Context, name string, set notifier.StringSet) error {
	key := setKey(name)
	if key == "" {
		return fmt.Errorf("invalid set name %q", name)
	}

	data, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal set %s: %w", name, err)
	}

	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if err := writeFileAtomic(filePath, data); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		s.logger.Debug("Set saved to local storage", "path", filePath, "size", len(set))
		return nil
	}

	err = s.withRetry(ctx, "save", key, func() error {
		w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
		w.ContentType = "application/json"
		if _, err := w.Write(data); err != nil {
			_ = w.Close()
			return fmt.Errorf("write object: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("close object writer: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save set %s: %w", name, err)
	}

	s.logger.Debug("Set saved", "key", key, "size", len(set))
	return nil
}

// Names lists the sets present in storage.
func (s *Store) Names(ctx context.Context) ([]string, error) {
	var names []string

	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if name, ok := nameFromKey(entry.Name()); ok && !entry.IsDir() {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		return names, nil
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: keyPrefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		if name, ok := nameFromKey(attrs.Name); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func nameFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, keyPrefix) || !strings.HasSuffix(key, keySuffix) {
		return "", false
	}
	name := strings.TrimSuffix(strings.TrimPrefix(key, keyPrefix), keySuffix)
	return name, setNameRegex.MatchString(name)
}

func (s *Store) read(ctx context.Context, key string) ([]byte, error) {
	if s.localPath != "" {
		data, err := os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
		return data, nil
	}

	var data []byte
	err := s.withRetry(ctx, "load", key, func() error {
		r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
		if errors.Is(err, storage.ErrObjectNotExist) {
			return retry.Unrecoverable(err)
		}
		if err != nil {
			return fmt.Errorf("open object reader: %w", err)
		}
		defer func() {
			_ = r.Close()
		}()
		data, err = io.ReadAll(r)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	return data, nil
}

// withRetry runs a Cloud Storage operation with backoff. Unrecoverable errors stop immediately.
func (s *Store) withRetry(ctx context.Context, op, key string, fn func() error) error {
	return retry.Do(fn,
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying storage operation", "op", op, "key", key, "attempt", n, "error", err)
		}),
	)
}

// writeFileAtomic writes data to a temp file in the same directory and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".set-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
