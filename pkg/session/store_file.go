package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	fileSuffix = ".json"
	tempPrefix = ".tmp-"
	// digestPrefix marks names built from a key digest. PathEscape always
	// escapes '#', so an escaped key never starts with it.
	digestPrefix = "#"
	// maxNameBytes is the usual file name limit (ext4, APFS, NTFS).
	maxNameBytes = 255
)

// FileStore keeps one JSON document per session. Writes go to a temp file in
// the same directory which is fsynced and renamed over the record.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("file store requires a directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory the store writes to.
func (s *FileStore) Dir() string { return s.dir }

// path maps any opaque key to a single file inside dir. Keys whose escaped
// form would not fit in a file name are stored under their SHA-256 digest;
// the record itself carries the key.
func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, fileName(key))
}

func fileName(key string) string {
	name := url.PathEscape(key)
	// PathEscape leaves dots alone; a leading dot would hide the file or collide with temp files.
	if strings.HasPrefix(name, ".") {
		name = "%2E" + name[1:]
	}
	if len(name)+len(fileSuffix) > maxNameBytes {
		sum := sha256.Sum256([]byte(key))
		name = digestPrefix + hex.EncodeToString(sum[:])
	}
	return name + fileSuffix
}

func (s *FileStore) storageErr(op, key string, err error) error {
	return &StorageError{Backend: string(BackendFile), Op: op, Key: key, Err: err}
}

func (s *FileStore) Read(ctx context.Context, key string) (*Session, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, s.storageErr("read", key, err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, s.storageErr("read", key, fmt.Errorf("corrupt record: %w", err))
	}
	if sess.Key != key {
		return nil, s.storageErr("read", key, fmt.Errorf("corrupt record: stored key %q", sess.Key))
	}
	return &sess, nil
}

func (s *FileStore) Write(ctx context.Context, sess *Session) error {
	if err := ctx.Err(); err != nil {
		return s.storageErr("write", sess.Key, err)
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return s.storageErr("write", sess.Key, err)
	}

	tmp, err := os.CreateTemp(s.dir, tempPrefix+"*")
	if err != nil {
		return s.storageErr("write", sess.Key, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return s.storageErr("write", sess.Key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return s.storageErr("write", sess.Key, err)
	}
	if err := tmp.Close(); err != nil {
		return s.storageErr("write", sess.Key, err)
	}
	if err := os.Rename(tmpName, s.path(sess.Key)); err != nil {
		return s.storageErr("write", sess.Key, err)
	}
	committed = true

	// Persist the rename itself. Not every platform allows fsync on a directory.
	if d, err := os.Open(s.dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return s.storageErr("delete", key, err)
	}
	return nil
}

// List reads the key out of every record, since digest names cannot be
// reversed. Unreadable records are skipped.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, s.storageErr("list", "", err)
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, s.storageErr("list", "", err)
		}
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, tempPrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		var head struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(data, &head); err != nil || head.Key == "" || fileName(head.Key) != name {
			continue
		}
		keys = append(keys, head.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FileStore) Close() error { return nil }
