// Package store persists a point-in-time view of the controller's endpoint
// registry so it can be inspected while the controller is down.
package store

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"capsync/internal/registry"
)

// Snapshot is what the controller writes periodically.
type Snapshot struct {
	UpdatedAt  time.Time           `yaml:"updated_at"`
	Controller string              `yaml:"controller"`
	Session    string              `yaml:"session,omitempty"`
	Endpoints  []registry.Endpoint `yaml:"endpoints"`
}

// Count returns the number of endpoints in state s.
func (s *Snapshot) Count(state registry.State) int {
	n := 0
	for _, ep := range s.Endpoints {
		if ep.State == state {
			n++
		}
	}
	return n
}

// LoadSnapshot loads a snapshot from disk. A missing file yields an empty snapshot.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Snapshot{}, nil
		}
		return nil, err
	}

	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// SaveSnapshot writes snap to path. The file is replaced atomically so a
// concurrent reader never sees a partial document.
func SaveSnapshot(path string, snap *Snapshot) error {
	if snap == nil {
		return nil
	}
	snap.UpdatedAt = time.Now().UTC()
	data, err := yaml.Marshal(snap)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
