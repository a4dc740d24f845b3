package provenance

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Manifest is the machine-readable provenance record of every package file.
//
// The JSON layout is shared with the published transparency site and must
// not change shape:
//
//	{"files": {"2026-02_Guatecompras.json": {...}}, "updated_at": "..."}
type Manifest struct {
	Files     map[string]*Entry `json:"files"`
	UpdatedAt *time.Time        `json:"updated_at"`
}

// Entry is the provenance state of one package file.
//
// Empty ContentSHA256 or PackagePublishedDate means the signal was never
// recorded; an entry created by the Downloader alone carries only
// DownloadedAt.
type Entry struct {
	ContentSHA256        string     `json:"content_sha256,omitempty"`
	PackagePublishedDate string     `json:"package_published_date,omitempty"`
	LastCheckedAt        *time.Time `json:"last_checked_at,omitempty"`

	// DownloadedAt is when this pipeline fetched the file. Only the
	// Downloader sets it; the Tracker carries it forward untouched.
	DownloadedAt *time.Time `json:"downloaded_at"`

	// ChangeHistory is append-only.
	ChangeHistory []ChangeRecord `json:"change_history"`
}

// ChangeRecord is one detected change of a package file.
type ChangeRecord struct {
	DetectedAt            time.Time `json:"detected_at"`
	PreviousPublishedDate *string   `json:"previous_published_date"`
	NewPublishedDate      string    `json:"new_published_date"`
	BackupFile            *string   `json:"backup_file"`
}

// NewManifest returns an empty manifest.
func NewManifest() *Manifest {
	return &Manifest{Files: make(map[string]*Entry)}
}

// LoadManifest reads the manifest at path. A missing file yields an empty
// manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewManifest(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	m := NewManifest()
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if m.Files == nil {
		m.Files = make(map[string]*Entry)
	}
	return m, nil
}

// Save writes the whole manifest to path, stamping UpdatedAt with now.
//
// The file is replaced atomically: the new content is written and synced to
// a temporary file in the same directory, then renamed over path.
func (m *Manifest) Save(path string, now time.Time) error {
	now = now.UTC()
	m.UpdatedAt = &now

	for _, e := range m.Files {
		if e.ChangeHistory == nil {
			e.ChangeHistory = []ChangeRecord{}
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		tmp.Close()
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close manifest: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}

// Lookup returns the entry for filename, if any.
func (m *Manifest) Lookup(filename string) (*Entry, bool) {
	e, ok := m.Files[filename]
	return e, ok
}

// RecordDownloaded stamps filename's DownloadedAt, creating the entry if
// needed. Other fields are left as they are.
func (m *Manifest) RecordDownloaded(filename string, at time.Time) {
	at = at.UTC()
	e, ok := m.Files[filename]
	if !ok {
		e = &Entry{ChangeHistory: []ChangeRecord{}}
		m.Files[filename] = e
	}
	e.DownloadedAt = &at
}

// Filenames returns the manifest's keys in sorted order.
func (m *Manifest) Filenames() []string {
	names := make([]string, 0, len(m.Files))
	for name := range m.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ChangeCount returns the total number of change records across all files.
func (m *Manifest) ChangeCount() int {
	n := 0
	for _, e := range m.Files {
		n += len(e.ChangeHistory)
	}
	return n
}
