package download

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zip"

	"github.com/roach88/ocdslake/internal/period"
	"github.com/roach88/ocdslake/internal/pipeline"
	"github.com/roach88/ocdslake/internal/provenance"
)

// zipMagic starts every ZIP local file header.
var zipMagic = []byte("PK")

// MonthResult reports what happened to one month.
type MonthResult struct {
	Month period.Month
	URL   string
	Path  string

	// OK is true once the package is in place at Path.
	OK bool

	// Message is the short operator-facing outcome, e.g. "OK (ZIP) 12 MB".
	Message string

	// Bytes is the size of the JSON written to Path.
	Bytes  int64
	Zipped bool

	// Backup is the name of the backup taken of the previous file, if any.
	Backup string

	// Tracked is the Change Tracker's decision for the new file.
	Tracked *provenance.Result

	Err      error
	Duration time.Duration
}

// FetchMonth downloads month m to its package path.
//
// An existing file is backed up first; if that fails nothing is requested.
// The body is streamed to "<path>.tmp" and only an atomic rename ever puts
// content at the final path. A 204 leaves the existing file and the
// manifest untouched. On success the manifest records the download time and
// the Change Tracker runs on the new file with the backup just taken.
func (d *Downloader) FetchMonth(ctx context.Context, m period.Month) *MonthResult {
	start := time.Now()
	res := &MonthResult{Month: m, URL: d.cfg.PackageURL(m), Path: d.cfg.PackagePath(m)}

	res.Err = d.fetchMonth(ctx, res)
	res.Duration = time.Since(start)

	switch {
	case res.Err == nil:
		res.OK = true
		d.metrics.RecordDownload("ok", res.Bytes, res.Duration)
	case pipeline.IsNoContent(res.Err):
		res.Message = "204 No content (try manual download)"
		d.metrics.RecordDownload("no_content", 0, res.Duration)
	default:
		res.Message = failureMessage(res.Err)
		d.metrics.RecordDownload("failed", 0, res.Duration)
	}
	return res
}

func (d *Downloader) fetchMonth(ctx context.Context, res *MonthResult) error {
	key := res.Month.String()

	if err := os.MkdirAll(filepath.Dir(res.Path), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	name, err := d.archiver.Backup(res.Path)
	if err != nil {
		return pipeline.Wrap(pipeline.ErrCodeBackupFailed, key, "backup failed", err)
	}
	res.Backup = name
	if name != "" {
		d.logger.Info("previous package backed up", "month", key, "backup", name)
	}

	if err := d.download(ctx, res); err != nil {
		return err
	}

	if res.Zipped {
		res.Message = "OK (ZIP) " + humanize.Bytes(uint64(res.Bytes))
	} else {
		res.Message = "OK " + humanize.Bytes(uint64(res.Bytes))
	}

	tracked, err := d.recordDownload(res.Path, res.Backup)
	if err != nil {
		return fmt.Errorf("record download of %s: %w", filepath.Base(res.Path), err)
	}
	res.Tracked = &tracked
	d.metrics.RecordTracked(string(tracked.Outcome))
	return nil
}

// download performs the GET and moves the package into place.
func (d *Downloader) download(ctx context.Context, res *MonthResult) error {
	key := res.Month.String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, res.URL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", d.cfg.UserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return pipeline.Wrap(pipeline.ErrCodeTransientNetwork, key, "request failed", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return pipeline.New(pipeline.ErrCodeNoContent, key, "no content yet")
	default:
		return pipeline.New(pipeline.ErrCodeTransientNetwork, key, fmt.Sprintf("HTTP %d", resp.StatusCode))
	}

	tmp := res.Path + ".tmp"
	defer os.Remove(tmp)

	size, err := writeFile(tmp, resp.Body)
	if err != nil {
		return pipeline.Wrap(pipeline.ErrCodeTransientNetwork, key, "read response body", err)
	}
	if size == 0 {
		return pipeline.New(pipeline.ErrCodeMalformedPackage, key, "empty response body")
	}

	zipped, err := hasPrefix(tmp, zipMagic)
	if err != nil {
		return err
	}
	res.Zipped = zipped

	if !zipped {
		if err := os.Rename(tmp, res.Path); err != nil {
			return fmt.Errorf("move package into place: %w", err)
		}
		res.Bytes = size
		return nil
	}

	n, err := extractJSON(tmp, res.Path)
	if err != nil {
		return pipeline.Wrap(pipeline.ErrCodeMalformedPackage, key, "zip extraction failed", err)
	}
	res.Bytes = n
	return nil
}

// recordDownload stamps downloaded_at and tracks the new file in one
// manifest load/save.
func (d *Downloader) recordDownload(path, backup string) (provenance.Result, error) {
	m, err := d.tracker.LoadManifest()
	if err != nil {
		return provenance.Result{}, err
	}
	m.RecordDownloaded(filepath.Base(path), d.clock.Now())

	res, err := d.tracker.Process(m, path, backup)
	if err != nil {
		return res, err
	}
	return res, d.tracker.Commit(m, res)
}

// errNoJSONMember is returned for archives without a .json entry.
var errNoJSONMember = errors.New("ZIP has no .json member")

// extractJSON writes the first .json member of the archive at zipPath to
// dst via a temporary file and rename. It returns the member's size.
func extractJSON(zipPath, dst string) (int64, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	var member *zip.File
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, ".json") {
			member = f
			break
		}
	}
	if member == nil {
		return 0, errNoJSONMember
	}

	rc, err := member.Open()
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", member.Name, err)
	}
	defer rc.Close()

	part := dst + ".part.tmp"
	defer os.Remove(part)

	n, err := writeFile(part, rc)
	if err != nil {
		return 0, fmt.Errorf("extract %s: %w", member.Name, err)
	}
	if err := os.Rename(part, dst); err != nil {
		return 0, fmt.Errorf("move package into place: %w", err)
	}
	return n, nil
}

// writeFile streams r into a new file at path and syncs it.
func writeFile(path string, r io.Reader) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}

	w := bufio.NewWriterSize(f, 64<<10)
	n, err := io.Copy(w, r)
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func hasPrefix(path string, prefix []byte) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	buf := make([]byte, len(prefix))
	if _, err := io.ReadFull(f, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, err
	}
	return bytes.Equal(buf, prefix), nil
}

// failureMessage is the operator-facing text of a failed month.
func failureMessage(err error) string {
	var pe *pipeline.Error
	if errors.As(err, &pe) {
		if pe.Err != nil {
			return pe.Message + ": " + pe.Err.Error()
		}
		return pe.Message
	}
	return err.Error()
}
