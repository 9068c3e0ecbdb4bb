// Package store persists the full service state as a single versioned JSON
// snapshot. State lives in the per-package in-memory stores; this package
// only serializes them after mutations and restores them at startup. A
// failed write is a health signal, never a request error.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"trustcore.org/internal/audit"
	"trustcore.org/internal/identity"
	"trustcore.org/internal/job"
	"trustcore.org/internal/obs"
	"trustcore.org/internal/quota"
	"trustcore.org/internal/settings"
	"trustcore.org/internal/vault"
)

// snapshotVersion tags the document layout. Unknown versions load as empty
// state rather than failing startup.
const snapshotVersion = 1

type document struct {
	Version       int                       `json:"version"`
	SavedAt       time.Time                 `json:"saved_at"`
	Tenants       []identity.Tenant         `json:"tenants"`
	Sessions      []identity.Session        `json:"sessions"`
	Settings      []settings.TenantSettings `json:"settings"`
	Secrets       []vault.SecretRecord      `json:"secrets"`
	Jobs          []job.Job                 `json:"jobs"`
	Confirmations []job.Confirmation        `json:"confirmations"`
	Audit         map[string][]audit.Entry  `json:"audit"`
	Quota         map[string]int            `json:"quota"`
}

// Stores bundles every collection covered by the snapshot.
type Stores struct {
	Identity *identity.Store
	Settings *settings.Store
	Vault    *vault.Store
	Jobs     *job.Store
	Audit    *audit.Store
	Quota    *quota.Tracker
}

// Manager writes and loads snapshots. Its Flush method satisfies the
// Flusher interfaces declared across the domain packages.
type Manager struct {
	mu     sync.Mutex
	path   string
	stores Stores
	now    func() time.Time
}

// NewManager creates a snapshot manager. An empty path disables
// persistence entirely.
func NewManager(path string, stores Stores) *Manager {
	return &Manager{path: path, stores: stores, now: time.Now}
}

// Flush serializes all collections and atomically replaces the snapshot
// file (write to a temp file, then rename). Failures are logged and
// counted; in-memory state is already committed and stays authoritative.
func (m *Manager) Flush() {
	if m.path == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	doc := document{
		Version:       snapshotVersion,
		SavedAt:       m.now().UTC(),
		Tenants:       m.stores.Identity.TenantsSnapshot(),
		Sessions:      m.stores.Identity.SessionsSnapshot(),
		Settings:      m.stores.Settings.Snapshot(),
		Secrets:       m.stores.Vault.Snapshot(),
		Jobs:          m.stores.Jobs.JobsSnapshot(),
		Confirmations: m.stores.Jobs.ConfirmationsSnapshot(),
		Audit:         m.stores.Audit.Snapshot(),
		Quota:         m.stores.Quota.Snapshot(),
	}
	if err := m.write(doc); err != nil {
		obs.ObserveSnapshotFailure()
		obs.LogEvent(map[string]any{
			"event": "snapshot_write_failed",
			"path":  m.path,
			"error": err.Error(),
		})
	}
}

func (m *Manager) write(doc document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*.json")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// Load restores all collections from the snapshot file. A missing,
// unparseable or unknown-version snapshot means "no prior state" and is
// not an error; only genuine I/O problems propagate.
func (m *Manager) Load() error {
	if m.path == "" {
		return nil
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read snapshot: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		obs.LogEvent(map[string]any{
			"event": "snapshot_unparseable",
			"path":  m.path,
			"error": err.Error(),
		})
		return nil
	}
	if doc.Version != snapshotVersion {
		obs.LogEvent(map[string]any{
			"event":   "snapshot_version_unknown",
			"path":    m.path,
			"version": doc.Version,
		})
		return nil
	}

	m.stores.Identity.Restore(doc.Tenants, doc.Sessions)
	m.stores.Settings.Restore(doc.Settings)
	m.stores.Vault.Restore(doc.Secrets)
	m.stores.Jobs.Restore(doc.Jobs, doc.Confirmations)
	m.stores.Audit.Restore(doc.Audit)
	m.stores.Quota.Restore(doc.Quota)
	return nil
}
