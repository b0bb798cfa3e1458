// Package state holds the viewer's client-side persisted preferences: a
// small string key-value store plus typed accessors for each fixed key.
//
// Nothing here locks across processes. Each operation rereads the state
// file, so two processes sharing it only lose an update when their
// read-modify-write cycles overlap; then the last write wins.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/razvandimescu/treesnap/internal/snapshot"
	"go.uber.org/zap"
)

// Store is the key-value storage the viewer components are given.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
}

// MemStore is an in-memory Store.
type MemStore struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]string)}
}

func (m *MemStore) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *MemStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MemStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// FileStore keeps all keys in one JSON object file. Every operation reads
// the file again, so writes from other processes are seen; a Set or Delete
// rewrites the whole file.
type FileStore struct {
	mu   sync.Mutex
	path string
	log  *zap.Logger
	data map[string]string
}

// OpenFileStore loads path. A missing or corrupt file starts empty.
func OpenFileStore(path string, log *zap.Logger) (*FileStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	fsStore := &FileStore{path: path, log: log, data: make(map[string]string)}
	if err := fsStore.reload(); err != nil {
		return nil, err
	}
	return fsStore, nil
}

// reload replaces the cached map with the file's contents. It must be
// called with mu held. Only a read failure other than a missing file is an
// error; undecodable contents, including a JSON null, load as empty.
func (f *FileStore) reload() error {
	raw, err := os.ReadFile(f.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		f.data = make(map[string]string)
		return nil
	case err != nil:
		return fmt.Errorf("read state file: %w", err)
	}
	var data map[string]string
	if err := json.Unmarshal(raw, &data); err != nil {
		f.log.Warn("state file is corrupt, starting empty", zap.String("path", f.path), zap.Error(err))
		data = nil
	}
	if data == nil {
		data = make(map[string]string)
	}
	f.data = data
	return nil
}

func (f *FileStore) Get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.reload(); err != nil {
		f.log.Warn("cannot reread state file, using last copy", zap.Error(err))
	}
	v, ok := f.data[key]
	return v, ok
}

func (f *FileStore) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.reload(); err != nil {
		return err
	}
	f.data[key] = value
	return f.flush()
}

func (f *FileStore) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.reload(); err != nil {
		return err
	}
	if _, ok := f.data[key]; !ok {
		return nil
	}
	delete(f.data, key)
	return f.flush()
}

// flush must be called with mu held.
func (f *FileStore) flush() error {
	data, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return snapshot.AtomicWriteFile(f.path, data)
}
