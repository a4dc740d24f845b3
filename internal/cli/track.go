package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/ocdslake/internal/backup"
	"github.com/roach88/ocdslake/internal/provenance"
)

// trackView is the JSON summary of a tracking pass.
type trackView struct {
	Files []trackFileView `json:"files"`
	Total map[string]int  `json:"total"`
}

type trackFileView struct {
	File              string `json:"file"`
	Outcome           string `json:"outcome"`
	PreviousPublished string `json:"previous_published,omitempty"`
	Published         string `json:"published,omitempty"`
	Fingerprint       string `json:"fingerprint,omitempty"`
	Backup            string `json:"backup,omitempty"`
}

// NewTrackCommand creates the track command.
func NewTrackCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "track [package-file...]",
		Short: "Detect publisher changes in downloaded packages",
		Long: `Compare package files with the ingestion manifest and record every
change of publication date or content fingerprint in the manifest and the
data changelog.

Without arguments every package file in the data directory is tracked. The
most recent backup of each file is cited as the prior version.

Example:
  ocdslake track
  ocdslake track data/2026-02_Guatecompras.json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrack(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runTrack(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	s, err := newSession(opts, cmd)
	if err != nil {
		return err
	}
	defer s.close()

	if len(paths) == 0 {
		paths, err = packageFiles(s.cfg.DataDir, s.cfg.PackageSuffix)
		if err != nil {
			return failCommand(s.out, ErrCodeGeneric, "failed to list package files", err)
		}
		if len(paths) == 0 {
			s.out.Printf("No package files in %s\n", s.cfg.DataDir)
			if s.out.Format == "json" {
				return s.out.Success(trackView{Files: []trackFileView{}, Total: map[string]int{}})
			}
			return nil
		}
	}

	archiver := backup.New(s.cfg.BackupsDir, nil)
	inputs := make([]provenance.Input, 0, len(paths))
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return failCommand(s.out, ErrCodeUsage, "cannot track "+p, err)
		}
		latest, err := archiver.Latest(filepath.Base(p))
		if err != nil {
			return failCommand(s.out, ErrCodeGeneric, "failed to list backups", err)
		}
		inputs = append(inputs, provenance.Input{Path: p, Backup: latest})
	}

	tracker := provenance.NewTracker(s.cfg.ManifestPath,
		provenance.NewChangelog(s.cfg.ChangelogPath, s.cfg.BackupsDir), nil, s.logger)
	results, err := tracker.ProcessBatch(inputs)
	for _, r := range results {
		s.metrics.RecordTracked(string(r.Outcome))
	}
	if err != nil {
		return failUnit(s.out, "tracking failed; manifest not updated", err, nil)
	}

	view := trackView{Total: map[string]int{}}
	for _, r := range results {
		view.Total[string(r.Outcome)]++
		view.Files = append(view.Files, trackFileView{
			File:              r.File,
			Outcome:           string(r.Outcome),
			PreviousPublished: r.PreviousPublished,
			Published:         r.Published,
			Fingerprint:       r.Fingerprint,
			Backup:            r.Backup,
		})
		s.out.Printf("%-32s %s\n", r.File, describeOutcome(r))
	}

	if s.out.Format == "json" {
		return s.out.Success(view)
	}
	s.out.Printf("\nTracked %d files: %d changed, %d initial, %d unchanged, %d skipped\n",
		len(results),
		view.Total[string(provenance.OutcomeChanged)],
		view.Total[string(provenance.OutcomeInitial)],
		view.Total[string(provenance.OutcomeUnchanged)],
		view.Total[string(provenance.OutcomeSkipped)])
	return nil
}

func describeOutcome(r provenance.Result) string {
	switch r.Outcome {
	case provenance.OutcomeChanged:
		msg := fmt.Sprintf("changed (%s -> %s)", orUnknown(r.PreviousPublished), r.Published)
		if r.Backup != "" {
			msg += ", prior version in " + r.Backup
		}
		return msg
	case provenance.OutcomeSkipped:
		return "skipped (no publication date)"
	default:
		return string(r.Outcome)
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// packageFiles lists the package files in dir, sorted by name. Names with a
// space are copies left by manual downloads and are ignored.
func packageFiles(dir, suffix string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+suffix))
	if err != nil {
		return nil, err
	}
	var files []string
	for _, m := range matches {
		if strings.Contains(filepath.Base(m), " ") {
			continue
		}
		if fi, err := os.Stat(m); err != nil || fi.IsDir() {
			continue
		}
		files = append(files, m)
	}
	sort.Strings(files)
	return files, nil
}
