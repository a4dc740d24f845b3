package provenance

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/roach88/ocdslake/internal/pipeline"
)

// Outcome is what the Tracker concluded about one file.
type Outcome string

const (
	// OutcomeInitial means the file had no recorded publication date before.
	OutcomeInitial Outcome = "initial"

	// OutcomeUnchanged means both signals match the previous entry.
	OutcomeUnchanged Outcome = "unchanged"

	// OutcomeChanged means a change record was added and a changelog entry is
	// due; Commit writes it.
	OutcomeChanged Outcome = "changed"

	// OutcomeSkipped means the file declares no publication date.
	OutcomeSkipped Outcome = "skipped"
)

// Input names a file to track and the backup taken before it was replaced.
// Backup is a file name inside the backups directory, or "".
type Input struct {
	Path   string
	Backup string
}

// Result reports the Tracker's decision for one file.
type Result struct {
	File              string
	Outcome           Outcome
	PreviousPublished string
	Published         string
	Fingerprint       string
	Backup            string

	// change is the changelog entry still to be written for this result.
	change *ChangeEntry
}

// Tracker detects changes of package files against the manifest.
//
// Thread-safety: a Tracker is not safe for concurrent use; the pipeline runs
// one tracking pass at a time.
type Tracker struct {
	manifestPath string
	changelog    *Changelog
	clock        pipeline.Clock
	logger       *slog.Logger
}

// NewTracker creates a Tracker over the manifest at manifestPath.
func NewTracker(manifestPath string, changelog *Changelog, clock pipeline.Clock, logger *slog.Logger) *Tracker {
	if clock == nil {
		clock = pipeline.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		manifestPath: manifestPath,
		changelog:    changelog,
		clock:        clock,
		logger:       logger,
	}
}

// LoadManifest loads the Tracker's manifest.
func (t *Tracker) LoadManifest() (*Manifest, error) {
	return LoadManifest(t.manifestPath)
}

// SaveManifest persists m to the Tracker's manifest path.
func (t *Tracker) SaveManifest(m *Manifest) error {
	if err := m.Save(t.manifestPath, t.clock.Now()); err != nil {
		return err
	}
	t.logger.Debug("manifest saved", "event", "MANIFEST_SAVED", "path", t.manifestPath, "files", len(m.Files))
	return nil
}

// Process checks one file against its entry in m and updates m in memory.
// Nothing is written; the caller passes the results to Commit.
//
// When the file differs from a previous entry, one change record is added to
// the entry's history and one changelog entry is held in the result, both
// naming backup. The entry's fingerprint, publication date and check time are
// always refreshed; DownloadedAt and the existing history are preserved.
func (t *Tracker) Process(m *Manifest, path, backup string) (Result, error) {
	name := filepath.Base(path)
	res := Result{File: name, Backup: backup}

	published, err := PublishedDate(path)
	if err != nil {
		return res, err
	}
	if published == "" {
		t.logger.Warn("no package publishedDate found; skipping", "file", name)
		res.Outcome = OutcomeSkipped
		return res, nil
	}
	res.Published = published

	sum, err := Fingerprint(path)
	if err != nil {
		return res, err
	}
	res.Fingerprint = sum

	now := t.clock.Now().UTC()

	prev, ok := m.Lookup(name)
	if !ok {
		prev = &Entry{}
	}
	res.PreviousPublished = prev.PackagePublishedDate

	changed := (prev.PackagePublishedDate != "" && prev.PackagePublishedDate != published) ||
		(prev.ContentSHA256 != "" && prev.ContentSHA256 != sum)

	history := append([]ChangeRecord{}, prev.ChangeHistory...)

	if changed {
		res.change = &ChangeEntry{
			File:              name,
			DetectedAt:        now,
			NewPublished:      published,
			PreviousPublished: prev.PackagePublishedDate,
			BackupFile:        backup,
		}

		rec := ChangeRecord{
			DetectedAt:       now,
			NewPublishedDate: published,
		}
		if prev.PackagePublishedDate != "" {
			p := prev.PackagePublishedDate
			rec.PreviousPublishedDate = &p
		}
		if backup != "" {
			b := backup
			rec.BackupFile = &b
		}
		history = append(history, rec)
	}

	m.Files[name] = &Entry{
		ContentSHA256:        sum,
		PackagePublishedDate: published,
		LastCheckedAt:        &now,
		DownloadedAt:         prev.DownloadedAt,
		ChangeHistory:        history,
	}

	switch {
	case changed:
		res.Outcome = OutcomeChanged
		t.logger.Info("change detected", "file", name,
			"previous", prev.PackagePublishedDate, "published", published, "backup", backup)
	case prev.PackagePublishedDate == "":
		res.Outcome = OutcomeInitial
		t.logger.Info("initial state recorded", "file", name, "published", published)
	default:
		res.Outcome = OutcomeUnchanged
		t.logger.Debug("no change", "file", name, "published", published)
	}
	return res, nil
}

// ProcessBatch tracks every input against one manifest and saves it once,
// after the whole batch. A file that cannot be read fails the batch before
// the manifest is saved or the changelog written.
func (t *Tracker) ProcessBatch(inputs []Input) ([]Result, error) {
	m, err := t.LoadManifest()
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(inputs))
	for _, in := range inputs {
		res, err := t.Process(m, in.Path, in.Backup)
		if err != nil {
			return results, fmt.Errorf("track %s: %w", filepath.Base(in.Path), err)
		}
		results = append(results, res)
	}

	if err := t.Commit(m, results...); err != nil {
		return results, err
	}
	return results, nil
}

// Commit saves m, then appends the changelog entries held by results. No
// entry is written unless the manifest was saved, so every changelog entry
// has a matching change record.
func (t *Tracker) Commit(m *Manifest, results ...Result) error {
	var pending []ChangeEntry
	for _, r := range results {
		if r.change != nil {
			pending = append(pending, *r.change)
		}
	}

	if len(pending) > 0 {
		if err := t.changelog.EnsureHeader(); err != nil {
			return err
		}
	}
	if err := t.SaveManifest(m); err != nil {
		return err
	}
	for _, e := range pending {
		if err := t.changelog.Append(e); err != nil {
			return err
		}
	}
	return nil
}
