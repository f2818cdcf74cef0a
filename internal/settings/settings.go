// Package settings persists the profile collection as one JSON document,
// rewritten whole on every mutation.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/devdeck-tools/azdoconn/internal/model"
)

// Store reads and writes the whole profile collection.
type Store interface {
	Load() (*model.ProfileCollection, error)
	Save(coll *model.ProfileCollection) error
}

// FileStore keeps the collection in a single JSON file. A missing file loads
// as an empty collection; corrupt content is a load error the caller may
// degrade on.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a FileStore rooted at path, creating parent
// directories with owner-only permissions.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create settings dir: %w", err)
	}
	return &FileStore{path: path}, nil
}

// DefaultPath is the conventional settings location under the user home.
func DefaultPath() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "azdoconn", "profiles.json")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "azdoconn", "profiles.json")
}

func (f *FileStore) Load() (*model.ProfileCollection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.NewProfileCollection(), nil
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}

	coll := model.NewProfileCollection()
	if err := json.Unmarshal(data, coll); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	if coll.Profiles == nil {
		coll.Profiles = make(map[string]*model.Profile)
	}
	return coll, nil
}

// Save writes the document via a temp file and rename so readers never
// observe a partially written collection.
func (f *FileStore) Save(coll *model.ProfileCollection) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(coll, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}

// Memory is an in-process Store for tests and ephemeral hosts.
type Memory struct {
	mu      sync.Mutex
	coll    *model.ProfileCollection
	LoadErr error // injected load failure
	SaveErr error // injected save failure
	Saves   int   // number of successful Save calls
}

func NewMemory() *Memory {
	return &Memory{coll: model.NewProfileCollection()}
}

func (m *Memory) Load() (*model.ProfileCollection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	return cloneCollection(m.coll), nil
}

func (m *Memory) Save(coll *model.ProfileCollection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.coll = cloneCollection(coll)
	m.Saves++
	return nil
}

func cloneCollection(c *model.ProfileCollection) *model.ProfileCollection {
	out := model.NewProfileCollection()
	out.DefaultProfileID = c.DefaultProfileID
	out.Version = c.Version
	for id, p := range c.Profiles {
		out.Profiles[id] = p.Clone()
	}
	return out
}
