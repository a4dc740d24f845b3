package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/ocdslake/internal/config"
	"github.com/roach88/ocdslake/internal/metrics"
)

// DefaultConfigFile is read when --config is not given and it exists.
const DefaultConfigFile = "ocdslake.yaml"

// session is what every pipeline command runs with: the loaded
// configuration, a logger writing to stderr and the run log, a metrics
// recorder and an output formatter.
type session struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Recorder
	out     *OutputFormatter
	logFile *os.File
}

// newSession loads configuration and sets up logging. Configuration errors
// are command errors (exit code 2).
func newSession(opts *RootOptions, cmd *cobra.Command) (*session, error) {
	out := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}

	path := opts.ConfigPath
	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			path = DefaultConfigFile
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, failCommand(out, ErrCodeConfig, "failed to load configuration", err)
	}

	// Configure logging based on verbose flag
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handlers := []slog.Handler{
		slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: logLevel}),
	}

	s := &session{cfg: cfg, metrics: metrics.New(), out: out}

	if err := os.MkdirAll(cfg.LogsDir, 0755); err == nil {
		f, err := os.OpenFile(cfg.LogFile(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			s.logFile = f
			handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
		}
	}

	s.logger = slog.New(newTeeHandler(handlers...)).With("command", cmd.Name())
	slog.SetDefault(s.logger)

	if s.logFile == nil {
		s.logger.Warn("run log unavailable; logging to stderr only", "path", cfg.LogFile())
	}
	for _, w := range cfg.Warnings() {
		s.logger.Warn(w)
	}
	if path != "" {
		s.logger.Debug("configuration loaded", "path", path)
		out.VerboseLog("Using configuration %s", path)
	}
	out.VerboseLog("Data directory %s", cfg.DataDir)
	return s, nil
}

// close writes the metrics textfile and closes the run log.
func (s *session) close() {
	if err := s.metrics.WriteTextfile(s.cfg.MetricsTextfile); err != nil {
		s.logger.Error("failed to write metrics textfile", "path", s.cfg.MetricsTextfile, "error", err)
	}
	if s.logFile != nil {
		if err := s.logFile.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "error closing run log: %v\n", err)
		}
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
//
// Uses the command's context if available (for testing), otherwise creates
// one.
func signalContext(cmd *cobra.Command, logger *slog.Logger) (context.Context, context.CancelFunc) {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan) // Prevent signal handler leak
		cancel()
	}
}

// interrupted reports whether err comes from a cancelled context.
func interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
