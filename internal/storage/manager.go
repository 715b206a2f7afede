// Package storage keeps uploaded checkout files on disk for serve
// mode. Files are validated against the configuration codec on save so
// a malformed document is rejected at upload time, before any run.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atef-tools/atef/internal/config"
)

// FileInfo is the metadata of one stored checkout file.
type FileInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
	// Root is the checkout's root group name, for listings.
	Root string `json:"root,omitempty"`
}

// Store defines checkout file storage.
type Store interface {
	Save(name string, data []byte) (*FileInfo, error)
	Get(id string) (*FileInfo, error)
	List(limit int) ([]*FileInfo, error)
	Delete(id string) error
	Rename(id string, newName string) (*FileInfo, error)
	Load(id string) (*config.ConfigurationFile, error)
}

// LocalStore implements Store on the local filesystem. The index is
// held in memory; files are named by id with the upload's extension so
// the codec can pick the right format.
type LocalStore struct {
	mu        sync.RWMutex
	uploadDir string
	files     map[string]*FileInfo
	paths     map[string]string
}

// NewLocalStore creates a store rooted at uploadDir, indexing any
// checkout files already present from earlier server runs.
func NewLocalStore(uploadDir string) (*LocalStore, error) {
	if err := os.MkdirAll(uploadDir, 0755); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}
	s := &LocalStore{
		uploadDir: uploadDir,
		files:     make(map[string]*FileInfo),
		paths:     make(map[string]string),
	}
	if err := s.reindex(); err != nil {
		return nil, err
	}
	return s, nil
}

// reindex restores the in-memory index from files left on disk.
func (s *LocalStore) reindex() error {
	entries, err := os.ReadDir(s.uploadDir)
	if err != nil {
		return fmt.Errorf("reading upload directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(s.uploadDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		file, err := config.Deserialize(data, config.FormatForPath(path))
		if err != nil {
			fmt.Printf("[Storage] Skipping %s: not a checkout file (%v)\n", e.Name(), err)
			continue
		}
		id := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		info, statErr := e.Info()
		var size int64
		var mod time.Time
		if statErr == nil {
			size, mod = info.Size(), info.ModTime()
		}
		s.files[id] = &FileInfo{
			ID:         id,
			Name:       e.Name(),
			Size:       size,
			UploadedAt: mod,
			Root:       file.Root.Name,
		}
		s.paths[id] = path
	}
	return nil
}

// Save validates and stores one checkout document.
func (s *LocalStore) Save(name string, data []byte) (*FileInfo, error) {
	file, err := config.Deserialize(data, config.FormatForPath(name))
	if err != nil {
		return nil, fmt.Errorf("not a valid checkout file: %w", err)
	}

	id := uuid.New().String()
	ext := filepath.Ext(name)
	if ext == "" {
		ext = ".yaml"
	}
	path := filepath.Join(s.uploadDir, id+ext)

	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, fmt.Errorf("writing file: %w", err)
	}

	info := &FileInfo{
		ID:         id,
		Name:       name,
		Size:       int64(len(data)),
		UploadedAt: time.Now(),
		Root:       file.Root.Name,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[id] = info
	s.paths[id] = path

	return info, nil
}

// Get retrieves file metadata by ID.
func (s *LocalStore) Get(id string) (*FileInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.files[id]
	if !ok {
		return nil, fmt.Errorf("file not found: %s", id)
	}
	return info, nil
}

// List returns the most recent files.
func (s *LocalStore) List(limit int) ([]*FileInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var list []*FileInfo
	for _, info := range s.files {
		list = append(list, info)
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].UploadedAt.After(list[j].UploadedAt)
	})

	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// Delete removes a file from storage.
func (s *LocalStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, ok := s.paths[id]
	if !ok {
		return fmt.Errorf("file not found: %s", id)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting file: %w", err)
	}

	delete(s.files, id)
	delete(s.paths, id)
	return nil
}

// Rename updates the display name of a file.
func (s *LocalStore) Rename(id string, newName string) (*FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.files[id]
	if !ok {
		return nil, fmt.Errorf("file not found: %s", id)
	}
	info.Name = newName
	return info, nil
}

// Load reads and deserializes a stored checkout file.
func (s *LocalStore) Load(id string) (*config.ConfigurationFile, error) {
	s.mu.RLock()
	path, ok := s.paths[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("file not found: %s", id)
	}
	return config.LoadFile(path)
}
