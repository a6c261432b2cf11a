package db

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

const tempPrefix = ".tmp-"

// FileStore keeps one file per document under root/docs, sharded by the
// BLAKE3 hash of the key. Each file holds the key on its first line followed
// by the document. Writes go to a temp file in the shard directory which is
// synced and renamed over the old version.
type FileStore struct {
	root  string
	locks *keyedMutex
	log   *zap.Logger
}

// OpenFileStore creates root if needed and removes temp files left behind by
// an interrupted write.
func OpenFileStore(root string, log *zap.Logger) (*FileStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	docs := filepath.Join(root, "docs")
	if err := os.MkdirAll(docs, 0o700); err != nil {
		return nil, fatal("open", root, err)
	}
	s := &FileStore{root: docs, locks: newKeyedMutex(), log: log}
	if err := s.cleanTemp(); err != nil {
		return nil, err
	}
	log.Info("Document store opened", zap.String("driver", "file"), zap.String("path", docs))
	return s, nil
}

func (s *FileStore) path(key string) string {
	sum := blake3.Sum256([]byte(key))
	h := hex.EncodeToString(sum[:])
	return filepath.Join(s.root, h[:2], h[2:4], h+".json")
}

func (s *FileStore) Put(ctx context.Context, key string, doc []byte) error {
	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return s.write(key, doc)
}

func (s *FileStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	return s.read(key)
}

func (s *FileStore) Update(ctx context.Context, key string, fn Mutator) ([]byte, error) {
	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, exists, err := s.read(key)
	if err != nil {
		return nil, err
	}
	next, commit, err := applyMutator(fn, current, exists)
	if err != nil || !commit {
		return next, err
	}
	if err := s.write(key, next); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *FileStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		key, err := readKeyLine(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if hasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fatal("list", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) read(key string) ([]byte, bool, error) {
	raw, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fatal("read", key, err)
	}
	stored, doc, found := bytes.Cut(raw, []byte("\n"))
	if !found || string(stored) != key {
		return nil, false, fatal("read", key, fmt.Errorf("corrupt document header"))
	}
	return doc, true, nil
}

func (s *FileStore) write(key string, doc []byte) error {
	final := s.path(key)
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fatal("mkdir", key, err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return fatal("create temp", key, err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	w := bufio.NewWriter(tmp)
	w.WriteString(key)
	w.WriteByte('\n')
	w.Write(doc)
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fatal("write", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fatal("sync", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fatal("close", key, err)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		return fatal("rename", key, err)
	}
	success = true

	if d, err := os.Open(dir); err == nil {
		if err := d.Sync(); err != nil {
			s.log.Warn("Failed to sync shard directory", zap.String("dir", dir), zap.Error(err))
		}
		d.Close()
	}
	return nil
}

func (s *FileStore) cleanTemp() error {
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasPrefix(d.Name(), tempPrefix) {
			s.log.Warn("Removing interrupted write", zap.String("file", p))
			return os.Remove(p)
		}
		return nil
	})
	if err != nil {
		return fatal("clean", s.root, err)
	}
	return nil
}

func readKeyLine(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("corrupt document %s: %w", p, err)
	}
	return strings.TrimSuffix(line, "\n"), nil
}
