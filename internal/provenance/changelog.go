package provenance

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const changelogHeader = "# Registro de cambios en los datos (Guatecompras OCDS)\n\n" +
	"Este archivo registra cuándo se detectan nuevas versiones de los paquetes mensuales, " +
	"para auditoría y transparencia ante posibles alteraciones de información pública.\n"

// DetectionLayout formats detection times in changelog entries.
const DetectionLayout = "2006-01-02 15:04 UTC"

// ChangeEntry is the changelog view of one manifest change record.
type ChangeEntry struct {
	File              string
	DetectedAt        time.Time
	NewPublished      string
	PreviousPublished string
	BackupFile        string
}

// Changelog appends human-readable change entries to a Markdown file.
type Changelog struct {
	path string

	// backupsDir prefixes backup names so readers can find the file.
	backupsDir string
}

// NewChangelog creates a Changelog writing to path. Backup references are
// rendered relative to backupsDir.
func NewChangelog(path, backupsDir string) *Changelog {
	return &Changelog{path: path, backupsDir: backupsDir}
}

// Path returns the changelog file location.
func (c *Changelog) Path() string {
	return c.path
}

// EnsureHeader creates the changelog with its header if it does not exist.
// An existing changelog is never touched.
func (c *Changelog) EnsureHeader() error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("create changelog dir: %w", err)
	}
	f, err := os.OpenFile(c.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, fs.ErrExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create changelog: %w", err)
	}
	if _, err := f.WriteString(changelogHeader); err != nil {
		f.Close()
		return fmt.Errorf("write changelog header: %w", err)
	}
	return f.Close()
}

// Append writes one entry to the end of the changelog in a single write.
func (c *Changelog) Append(e ChangeEntry) error {
	f, err := os.OpenFile(c.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open changelog: %w", err)
	}
	if _, err := f.WriteString(c.Render(e)); err != nil {
		f.Close()
		return fmt.Errorf("append changelog: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync changelog: %w", err)
	}
	return f.Close()
}

// Render formats one entry exactly as Append writes it.
func (c *Changelog) Render(e ChangeEntry) string {
	var b strings.Builder
	b.WriteString("\n## Cambio detectado\n\n")
	fmt.Fprintf(&b, "- **Archivo:** `%s`\n", e.File)
	fmt.Fprintf(&b, "- **Fecha de detección:** %s\n", e.DetectedAt.UTC().Format(DetectionLayout))
	fmt.Fprintf(&b, "- **Nueva fecha de publicación del paquete (fuente):** %s\n", e.NewPublished)
	if e.PreviousPublished != "" {
		fmt.Fprintf(&b, "- **Fecha de publicación anterior (paquete):** %s\n", e.PreviousPublished)
	}
	if e.BackupFile != "" {
		ref := filepath.ToSlash(filepath.Join(c.backupsDir, e.BackupFile))
		fmt.Fprintf(&b, "- **Respaldo de la versión anterior:** `%s`\n", ref)
	}
	b.WriteString("\n> Se registra este cambio para transparencia y posible alteración de información pública.\n")
	return b.String()
}

// CountEntries returns how many change entries the changelog holds.
func (c *Changelog) CountEntries() (int, error) {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read changelog: %w", err)
	}
	return strings.Count(string(data), "\n## Cambio detectado\n"), nil
}
