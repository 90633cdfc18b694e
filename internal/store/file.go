package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// fileDocument is the on-disk layout of a FileStore.
type fileDocument struct {
	UpdatedAt time.Time `yaml:"updated_at"`
	Nodes     []Node    `yaml:"nodes"`
}

// FileStore persists nodes to a single YAML file. Every write rewrites the file.
type FileStore struct {
	path string

	mu     sync.Mutex
	loaded bool
	nodes  map[uint32]Node
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, nodes: make(map[uint32]Node)}
}

func (s *FileStore) Path() string { return s.path }

// LoadNodes reads the file. A missing file is an empty store.
func (s *FileStore) LoadNodes(context.Context) ([]Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	return sortedNodes(s.nodes), nil
}

func (s *FileStore) UpsertNode(_ context.Context, n Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	s.nodes[n.ID] = n.Clone()
	return s.saveLocked()
}

func (s *FileStore) DeleteNode(_ context.Context, id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	if _, ok := s.nodes[id]; !ok {
		return nil
	}
	delete(s.nodes, id)
	return s.saveLocked()
}

func (s *FileStore) loadLocked() error {
	if s.loaded {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.loaded = true
			return nil
		}
		return fmt.Errorf("store: read %s: %w", s.path, err)
	}
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("store: parse %s: %w", s.path, err)
	}
	for _, n := range doc.Nodes {
		s.nodes[n.ID] = n
	}
	s.loaded = true
	log.Debug().Str("path", s.path).Int("nodes", len(doc.Nodes)).Msg("store loaded")
	return nil
}

func (s *FileStore) saveLocked() error {
	doc := fileDocument{UpdatedAt: time.Now().UTC(), Nodes: sortedNodes(s.nodes)}
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("store: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("store: mkdir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("store: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("store: replace %s: %w", s.path, err)
	}
	return nil
}
