package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ocdslake/internal/config"
	"github.com/roach88/ocdslake/internal/period"
	"github.com/roach88/ocdslake/internal/testutil"
)

// cliEnv is a data directory with a configuration file pointing at it.
type cliEnv struct {
	dir     string
	dataDir string
	config  string
	metrics string
}

func newCLIEnv(t *testing.T, baseURL string) *cliEnv {
	t.Helper()
	if baseURL == "" {
		baseURL = "http://127.0.0.1:1"
	}
	dir := t.TempDir()
	env := &cliEnv{
		dir:     dir,
		dataDir: filepath.Join(dir, "data"),
		config:  filepath.Join(dir, "ocdslake.yaml"),
		metrics: filepath.Join(dir, "metrics.prom"),
	}
	doc := "data_dir: " + env.dataDir + "\n" +
		"base_url: " + baseURL + "\n" +
		"pause: 0s\n" +
		"jitter: 0s\n" +
		"http_timeout: 5s\n" +
		"metrics_textfile: " + env.metrics + "\n"
	require.NoError(t, os.WriteFile(env.config, []byte(doc), 0644))
	return env
}

// run executes the root command and returns stdout and stderr.
func (e *cliEnv) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(append([]string{"--config", e.config}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func (e *cliEnv) path(name string) string {
	return filepath.Join(e.dataDir, name)
}

func monthPackage(ocids ...string) []byte {
	b := testutil.NewPackage("2026-03-01T00:00:00Z")
	for _, id := range ocids {
		b.Add(testutil.Process{
			OCID:     id,
			Buyer:    config.DefaultBuyer,
			TenderID: "T-" + id,
			Title:    "Obra " + id,
			Awards: []testutil.Award{{
				ID:        "A-" + id,
				Amount:    1000,
				Currency:  "GTQ",
				Suppliers: []testutil.Supplier{{ID: "NIT-1", Name: "Proveedor S.A."}},
			}},
		})
	}
	return b.Bytes()
}

// newPackageServer serves January and February 2026 and answers 204 for
// every other month.
func newPackageServer(t *testing.T) *httptest.Server {
	t.Helper()
	bodies := map[string][]byte{
		"/2026/1": monthPackage("ocds-jan-1", "ocds-jan-2"),
		"/2026/2": monthPackage("ocds-feb-1"),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := bodies[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFullCycle(t *testing.T) {
	srv := newPackageServer(t)
	env := newCLIEnv(t, srv.URL)

	// March answers 204, so the download reports one failed month.
	out, _, err := env.run(t, "download", "--from-year", "2026", "--to-year", "2026", "--to-month", "3")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Period: 2026-01 to 2026-03 (3 months)")
	assert.Contains(t, out, "[1/3] 2026-01  OK")
	assert.Contains(t, out, "[3/3] 2026-03  204 No content (try manual download)")
	assert.Contains(t, out, "--- Failed ---")
	assert.FileExists(t, env.path("2026-01_Guatecompras.json"))
	assert.FileExists(t, env.path("2026-02_Guatecompras.json"))
	assert.NoFileExists(t, env.path("2026-03_Guatecompras.json"))

	out, _, err = env.run(t, "track")
	require.NoError(t, err)
	assert.Contains(t, out, "Tracked 2 files: 0 changed, 0 initial, 2 unchanged, 0 skipped")

	out, _, err = env.run(t, "load-range", "--from-year", "2026", "--to-year", "2026", "--to-month", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "2026-01  2 records, 2 tenders, 2 awards")
	assert.Contains(t, out, "2026-03  skipped (no file)")
	assert.Contains(t, out, "Processed 2 months, skipped 1")

	out, _, err = env.run(t, "publish")
	require.NoError(t, err)
	assert.Contains(t, out, "3 tenders, 3 awards, months 2026-01 to 2026-02")
	assert.FileExists(t, env.path("lake.db"))
	assert.NoFileExists(t, env.path("lake_next.db"))

	out, _, err = env.run(t, "inspect")
	require.NoError(t, err)
	assert.Contains(t, out, "Tenders: 3")
	assert.Contains(t, out, "Awards:  3")
	assert.Contains(t, out, config.DefaultBuyer)
	assert.Contains(t, out, "complete")

	csvPath := filepath.Join(env.dir, "out", "awards.csv")
	out, _, err = env.run(t, "export", "--table", "awards", "--out", csvPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote 3 awards rows")
	data, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "ocid,tender_id,buyer_name"))

	assert.FileExists(t, env.metrics)
	assert.FileExists(t, filepath.Join(env.dataDir, "logs", "ocdslake.log"))
}

func TestDownloadDryRun(t *testing.T) {
	env := newCLIEnv(t, "")

	out, _, err := env.run(t, "download", "--from-year", "2026", "--to-year", "2026", "--to-month", "2", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "DRY-RUN")
	assert.Contains(t, out, "http://127.0.0.1:1/2026/2")
	assert.Contains(t, out, "All done.")
	assert.NoFileExists(t, env.path("2026-01_Guatecompras.json"))
}

func TestDownloadInvalidRange(t *testing.T) {
	env := newCLIEnv(t, "")

	out, _, err := env.run(t, "download", "--from-year", "2026", "--to-year", "2025")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, ErrCodeUsage)
}

func TestLoadRangeZeroMonthRejected(t *testing.T) {
	env := newCLIEnv(t, "")

	out, _, err := env.run(t, "load-range", "--from-year", "2026", "--to-year", "2026", "--from-month", "0")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "from-month 0 out of range")
}

func TestDownloadNegativePause(t *testing.T) {
	env := newCLIEnv(t, "")

	_, _, err := env.run(t, "download", "--pause", "-1", "--dry-run")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestDownloadJSON(t *testing.T) {
	srv := newPackageServer(t)
	env := newCLIEnv(t, srv.URL)

	out, _, err := env.run(t, "--format", "json", "download",
		"--from-year", "2026", "--to-year", "2026", "--to-month", "1")
	require.NoError(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   downloadView `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Data.Downloaded)
	require.Len(t, resp.Data.Months, 1)
	assert.Equal(t, "initial", resp.Data.Months[0].Tracked)
}

func TestTrackExplicitFiles(t *testing.T) {
	env := newCLIEnv(t, "")
	feb := env.path("2026-02_Guatecompras.json")
	require.NoError(t, os.MkdirAll(env.dataDir, 0755))
	require.NoError(t, os.WriteFile(feb, monthPackage("ocds-1"), 0644))
	// Copies with spaces in their names are ignored by the directory scan.
	require.NoError(t, os.WriteFile(env.path("2026-02_Guatecompras (1).json"), monthPackage("ocds-1"), 0644))

	out, _, err := env.run(t, "track")
	require.NoError(t, err)
	assert.Contains(t, out, "Tracked 1 files: 0 changed, 1 initial")

	require.NoError(t, os.WriteFile(feb, testutil.NewPackage("2026-03-05T00:00:00Z").Bytes(), 0644))
	out, _, err = env.run(t, "track", feb)
	require.NoError(t, err)
	assert.Contains(t, out, "changed (2026-03-01T00:00:00Z -> 2026-03-05T00:00:00Z)")

	changelog, err := os.ReadFile(env.path("data_changelog.md"))
	require.NoError(t, err)
	assert.Contains(t, string(changelog), "2026-02_Guatecompras.json")
}

func TestTrackEmptyDataDir(t *testing.T) {
	env := newCLIEnv(t, "")

	out, _, err := env.run(t, "track")
	require.NoError(t, err)
	assert.Contains(t, out, "No package files")
}

func TestVerboseNamesConfigOnStderr(t *testing.T) {
	env := newCLIEnv(t, "")

	out, errOut, err := env.run(t, "--verbose", "--format", "json", "track")
	require.NoError(t, err)
	assert.Contains(t, errOut, "Using configuration "+env.config)
	assert.Contains(t, errOut, "Data directory "+env.dataDir)
	assert.NotContains(t, out, "Using configuration")

	_, errOut, err = env.run(t, "track")
	require.NoError(t, err)
	assert.NotContains(t, errOut, "Using configuration")
}

func TestTrackMissingFile(t *testing.T) {
	env := newCLIEnv(t, "")

	_, _, err := env.run(t, "track", env.path("nope.json"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestBackupCommand(t *testing.T) {
	env := newCLIEnv(t, "")
	src := filepath.Join(env.dir, "file.json")
	require.NoError(t, os.WriteFile(src, []byte(`{"a":1}`), 0644))

	out, _, err := env.run(t, "backup", src)
	require.NoError(t, err)
	assert.Contains(t, out, "Backup: "+filepath.Join(env.dataDir, "backups", "file_"))

	entries, err := os.ReadDir(filepath.Join(env.dataDir, "backups"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	out, _, err = env.run(t, "backup", filepath.Join(env.dir, "missing.json"))
	require.NoError(t, err)
	assert.Contains(t, out, "Nothing to back up")
}

func TestLoadSingleMonth(t *testing.T) {
	env := newCLIEnv(t, "")
	require.NoError(t, os.MkdirAll(env.dataDir, 0755))
	other := filepath.Join(env.dir, "manual.json")
	require.NoError(t, os.WriteFile(other, monthPackage("ocds-1", "ocds-2"), 0644))

	out, _, err := env.run(t, "load", "2026-02", "--file", other)
	require.NoError(t, err)
	assert.Contains(t, out, "2026-02  2 records, 2 tenders, 2 awards")
	assert.FileExists(t, env.path("lake_next.db"))
}

func TestLoadMissingFileFails(t *testing.T) {
	env := newCLIEnv(t, "")

	out, _, err := env.run(t, "load", "2026-05")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "LOAD_FAILED")
	assert.Contains(t, out, "load aborted at 2026-05")
}

func TestLoadInvalidMonth(t *testing.T) {
	env := newCLIEnv(t, "")

	_, _, err := env.run(t, "load", "2026-13")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestLoadRangeJSON(t *testing.T) {
	env := newCLIEnv(t, "")
	require.NoError(t, os.MkdirAll(env.dataDir, 0755))
	require.NoError(t, os.WriteFile(env.path("2025-12_Guatecompras.json"), monthPackage("ocds-1"), 0644))

	out, _, err := env.run(t, "--format", "json", "load-range",
		"--from-year", "2025", "--from-month", "11", "--to-year", "2026", "--to-month", "1")
	require.NoError(t, err)

	var resp struct {
		Status string   `json:"status"`
		Data   loadView `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Loaded, 1)
	assert.Equal(t, "2025-12", resp.Data.Loaded[0].Month)
	assert.Equal(t, []string{"2025-11", "2026-01"}, resp.Data.Skipped)
	assert.NotEmpty(t, resp.Data.RunID)
}

func TestPublishWithoutStagingIsRefused(t *testing.T) {
	env := newCLIEnv(t, "")

	out, _, err := env.run(t, "publish")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "PUBLISH_PRECONDITION")
	assert.NoFileExists(t, env.path("lake.db"))
}

func TestInspectMissingStore(t *testing.T) {
	env := newCLIEnv(t, "")

	out, _, err := env.run(t, "inspect")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, ErrCodeStore)
}

func TestInspectStagingJSON(t *testing.T) {
	env := newCLIEnv(t, "")
	require.NoError(t, os.MkdirAll(env.dataDir, 0755))
	require.NoError(t, os.WriteFile(env.path("2026-01_Guatecompras.json"), monthPackage("ocds-1", "ocds-2"), 0644))
	_, _, err := env.run(t, "load", "2026-01")
	require.NoError(t, err)

	out, _, err := env.run(t, "--format", "json", "inspect", "--staging")
	require.NoError(t, err)

	var resp struct {
		Data inspectView `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, 2, resp.Data.Tenders)
	assert.Equal(t, []string{"2026-01"}, resp.Data.Months)
	require.NotNil(t, resp.Data.LatestRun)
	assert.Equal(t, "complete", resp.Data.LatestRun.Status)
}

func TestExportToStdout(t *testing.T) {
	env := newCLIEnv(t, "")
	require.NoError(t, os.MkdirAll(env.dataDir, 0755))
	require.NoError(t, os.WriteFile(env.path("2026-01_Guatecompras.json"), monthPackage("ocds-1"), 0644))
	_, _, err := env.run(t, "load", "2026-01")
	require.NoError(t, err)

	out, _, err := env.run(t, "export", "--staging", "--from", "2026-01", "--to", "2026-01")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "ocid,tender_id"))
	assert.True(t, strings.HasPrefix(lines[1], "ocds-1,T-ocds-1"))
}

func TestExportBadTable(t *testing.T) {
	env := newCLIEnv(t, "")

	_, _, err := env.run(t, "export", "--table", "suppliers")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestConfigErrors(t *testing.T) {
	stdout := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "inspect"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, stdout.String(), ErrCodeConfig)
}

func TestExportRangeDefaultsToStoreMonths(t *testing.T) {
	env := newCLIEnv(t, "")
	require.NoError(t, os.MkdirAll(env.dataDir, 0755))
	for _, m := range []period.Month{period.New(2025, 11), period.New(2026, 1)} {
		path := env.path(m.String() + config.DefaultPackageSuffix)
		require.NoError(t, os.WriteFile(path, monthPackage("ocds-"+m.String()), 0644))
	}
	_, _, err := env.run(t, "load-range", "--from-year", "2025", "--from-month", "11", "--to-year", "2026", "--to-month", "1")
	require.NoError(t, err)

	out, _, err := env.run(t, "export", "--staging", "--table", "tenders")
	require.NoError(t, err)
	assert.Contains(t, out, "ocds-2025-11")
	assert.Contains(t, out, "ocds-2026-01")
}
