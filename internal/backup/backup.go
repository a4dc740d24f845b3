// Package backup copies a package file aside before anything overwrites it.
//
// Backups are immutable: a backup is written once under a new name and this
// package never modifies or deletes one. Together with the change history in
// the manifest, the backups are what make a retroactive edit of published
// data recoverable.
package backup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/roach88/ocdslake/internal/pipeline"
)

// TimestampLayout is the UTC suffix appended to backup names, to the second.
// Colons are avoided so names stay portable.
const TimestampLayout = "2006-01-02T15-04-05Z"

// Archiver writes backups into a single directory.
type Archiver struct {
	dir   string
	clock pipeline.Clock
}

// New creates an Archiver that writes into dir, stamping names with clock.
// The directory is created on first use.
func New(dir string, clock pipeline.Clock) *Archiver {
	if clock == nil {
		clock = pipeline.SystemClock{}
	}
	return &Archiver{dir: dir, clock: clock}
}

// Dir returns the backup directory.
func (a *Archiver) Dir() string {
	return a.dir
}

// Name returns the backup name for base at the archiver's current time:
// "<stem>_<UTC timestamp><ext>".
func (a *Archiver) Name(base string) string {
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return fmt.Sprintf("%s_%s%s", stem, a.clock.Now().UTC().Format(TimestampLayout), ext)
}

// Backup copies the file at path into the backup directory and returns the
// backup's file name. If path does not exist Backup succeeds with an empty
// name and writes nothing.
//
// The copy preserves content, permission bits and modification time. It is
// written to a temporary name and renamed, so a failed backup never leaves a
// truncated file under a backup name. An existing backup is never replaced.
func (a *Archiver) Backup(path string) (string, error) {
	src, err := os.Open(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("backup: open source: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return "", fmt.Errorf("backup: stat source: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("backup: %s is a directory", path)
	}

	if err := os.MkdirAll(a.dir, 0755); err != nil {
		return "", fmt.Errorf("backup: create backup dir: %w", err)
	}

	name := a.Name(filepath.Base(path))
	dst := filepath.Join(a.dir, name)
	if _, err := os.Stat(dst); err == nil {
		return "", fmt.Errorf("backup: %s already exists", dst)
	}

	tmp, err := os.CreateTemp(a.dir, "."+name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("backup: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return "", fmt.Errorf("backup: copy: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("backup: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("backup: close: %w", err)
	}
	if err := os.Chmod(tmpPath, info.Mode().Perm()); err != nil {
		return "", fmt.Errorf("backup: chmod: %w", err)
	}
	if err := os.Chtimes(tmpPath, info.ModTime(), info.ModTime()); err != nil {
		return "", fmt.Errorf("backup: chtimes: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return "", fmt.Errorf("backup: rename: %w", err)
	}
	committed = true

	return name, nil
}

// Latest returns the most recent backup name for the package file named
// base, or "" if there is none. Backups sort chronologically by name because
// the timestamp suffix is fixed-width.
func (a *Archiver) Latest(base string) (string, error) {
	entries, err := os.ReadDir(a.dir)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("list backups: %w", err)
	}

	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext) + "_"

	var names []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || !strings.HasPrefix(n, prefix) || !strings.HasSuffix(n, ext) {
			continue
		}
		names = append(names, n)
	}
	if len(names) == 0 {
		return "", nil
	}
	sort.Strings(names)
	return names[len(names)-1], nil
}
