package cli

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/ocdslake/internal/backup"
)

// NewBackupCommand creates the backup command.
func NewBackupCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup <file>",
		Short: "Copy a file into the backup directory",
		Long: `Copy a file into the backup directory under a timestamped name,
keeping its content, permissions and modification time. A missing file is
not an error; nothing is written.

Example:
  ocdslake backup data/2026-02_Guatecompras.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackup(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runBackup(opts *RootOptions, path string, cmd *cobra.Command) error {
	s, err := newSession(opts, cmd)
	if err != nil {
		return err
	}
	defer s.close()

	archiver := backup.New(s.cfg.BackupsDir, nil)
	name, err := archiver.Backup(path)
	if err != nil {
		return failUnit(s.out, "backup failed", err, nil)
	}

	view := map[string]string{"source": path}
	if name == "" {
		s.logger.Info("nothing to back up", "path", path)
		s.out.Printf("Nothing to back up: %s does not exist\n", path)
	} else {
		view["backup"] = filepath.Join(archiver.Dir(), name)
		s.logger.Info("backup written", "path", path, "backup", name)
		s.out.Printf("Backup: %s\n", view["backup"])
	}

	if s.out.Format == "json" {
		return s.out.Success(view)
	}
	return nil
}
