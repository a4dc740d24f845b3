package download

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ocdslake/internal/config"
	"github.com/roach88/ocdslake/internal/period"
	"github.com/roach88/ocdslake/internal/pipeline"
	"github.com/roach88/ocdslake/internal/provenance"
	"github.com/roach88/ocdslake/internal/testutil"
)

// upstream serves canned responses keyed by request path ("/2026/5").
type upstream struct {
	mu        sync.Mutex
	responses map[string]func(w http.ResponseWriter)
	requests  []*http.Request
}

func newUpstream(t *testing.T) (*upstream, *httptest.Server) {
	t.Helper()
	u := &upstream{responses: map[string]func(w http.ResponseWriter){}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.requests = append(u.requests, r.Clone(context.Background()))
		respond, ok := u.responses[r.URL.Path]
		u.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		respond(w)
	}))
	t.Cleanup(srv.Close)
	return u, srv
}

func (u *upstream) body(path string, data []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.responses[path] = func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(data)
	}
}

func (u *upstream) status(path string, code int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.responses[path] = func(w http.ResponseWriter) {
		w.WriteHeader(code)
	}
}

func (u *upstream) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.requests)
}

// countingPacer records waits without sleeping.
type countingPacer struct {
	waits int
}

func (p *countingPacer) Wait(ctx context.Context) error {
	p.waits++
	return ctx.Err()
}

type fixture struct {
	cfg   *config.Config
	up    *upstream
	clock *testutil.FixedClock
	pacer *countingPacer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	up, srv := newUpstream(t)
	cfg := &config.Config{
		DataDir:       t.TempDir(),
		BaseURL:       srv.URL,
		UserAgent:     config.DefaultUserAgent,
		Buyer:         config.DefaultBuyer,
		PackageSuffix: config.DefaultPackageSuffix,
		HTTPTimeout:   5 * time.Second,
	}
	cfg.DerivePaths()
	return &fixture{
		cfg:   cfg,
		up:    up,
		clock: testutil.NewFixedClock(time.Date(2026, 3, 1, 12, 4, 5, 0, time.UTC)),
		pacer: &countingPacer{},
	}
}

func (f *fixture) downloader(opts ...Option) *Downloader {
	base := []Option{
		WithClock(f.clock),
		WithPacer(f.pacer),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return New(f.cfg, append(base, opts...)...)
}

func pkg(published string) []byte {
	return testutil.NewPackage(published).Add(testutil.Process{OCID: "ocds-1", Buyer: config.DefaultBuyer}).Bytes()
}

func zipped(t *testing.T, members map[string][]byte, order ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range order {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(members[name])
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "leftover temporary file %s", e.Name())
	}
}

func TestFetchMonthPlainJSON(t *testing.T) {
	f := newFixture(t)
	body := pkg("2026-03-01T00:00:00Z")
	f.up.body("/2026/2", body)

	r := f.downloader().FetchMonth(context.Background(), period.New(2026, 2))
	require.NoError(t, r.Err)
	assert.True(t, r.OK)
	assert.False(t, r.Zipped)
	assert.Equal(t, int64(len(body)), r.Bytes)
	assert.True(t, strings.HasPrefix(r.Message, "OK "), r.Message)

	data, err := os.ReadFile(f.cfg.PackagePath(period.New(2026, 2)))
	require.NoError(t, err)
	assert.Equal(t, body, data)

	m, err := provenance.LoadManifest(f.cfg.ManifestPath)
	require.NoError(t, err)
	e, ok := m.Lookup("2026-02_Guatecompras.json")
	require.True(t, ok)
	require.NotNil(t, e.DownloadedAt)
	assert.True(t, e.DownloadedAt.Equal(f.clock.Now()))
	assert.Equal(t, "2026-03-01T00:00:00Z", e.PackagePublishedDate)

	require.NotNil(t, r.Tracked)
	assert.Equal(t, provenance.OutcomeInitial, r.Tracked.Outcome)
	assertNoTempFiles(t, f.cfg.DataDir)
}

func TestFetchMonthSendsUserAgent(t *testing.T) {
	f := newFixture(t)
	f.up.body("/2026/2", pkg("2026-03-01T00:00:00Z"))

	f.downloader().FetchMonth(context.Background(), period.New(2026, 2))

	require.Equal(t, 1, f.up.count())
	assert.Equal(t, config.DefaultUserAgent, f.up.requests[0].Header.Get("User-Agent"))
}

func TestFetchMonthExtractsZip(t *testing.T) {
	f := newFixture(t)
	body := pkg("2026-03-01T00:00:00Z")
	f.up.body("/2026/1", zipped(t, map[string][]byte{
		"LEEME.txt":                 []byte("not json"),
		"2026-01_Guatecompras.json": body,
	}, "LEEME.txt", "2026-01_Guatecompras.json"))

	r := f.downloader().FetchMonth(context.Background(), period.New(2026, 1))
	require.NoError(t, r.Err)
	assert.True(t, r.Zipped)
	assert.True(t, strings.HasPrefix(r.Message, "OK (ZIP) "), r.Message)
	assert.Equal(t, int64(len(body)), r.Bytes)

	data, err := os.ReadFile(f.cfg.PackagePath(period.New(2026, 1)))
	require.NoError(t, err)
	assert.Equal(t, body, data)
	assertNoTempFiles(t, f.cfg.DataDir)
}

func TestFetchMonthZipWithoutJSON(t *testing.T) {
	f := newFixture(t)
	f.up.body("/2026/1", zipped(t, map[string][]byte{"LEEME.txt": []byte("x")}, "LEEME.txt"))

	r := f.downloader().FetchMonth(context.Background(), period.New(2026, 1))
	assert.False(t, r.OK)
	assert.True(t, pipeline.IsMalformedPackage(r.Err))
	assert.Contains(t, r.Message, "no .json member")

	_, err := os.Stat(f.cfg.PackagePath(period.New(2026, 1)))
	assert.True(t, os.IsNotExist(err))
	assertNoTempFiles(t, f.cfg.DataDir)
}

func TestFetchMonthNoContentLeavesExistingFile(t *testing.T) {
	f := newFixture(t)
	may := period.New(2026, 5)
	path := f.cfg.PackagePath(may)
	old := pkg("2026-05-31T00:00:00Z")
	require.NoError(t, os.MkdirAll(f.cfg.DataDir, 0755))
	require.NoError(t, os.WriteFile(path, old, 0644))
	f.up.status("/2026/5", http.StatusNoContent)

	r := f.downloader().FetchMonth(context.Background(), may)
	assert.False(t, r.OK)
	assert.True(t, pipeline.IsNoContent(r.Err))
	assert.Equal(t, "204 No content (try manual download)", r.Message)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, old, data)

	m, err := provenance.LoadManifest(f.cfg.ManifestPath)
	require.NoError(t, err)
	_, ok := m.Lookup(filepath.Base(path))
	assert.False(t, ok, "no downloaded_at recorded for a 204")
	assertNoTempFiles(t, f.cfg.DataDir)
}

func TestFetchMonthServerErrorIsTransient(t *testing.T) {
	f := newFixture(t)
	f.up.status("/2026/3", http.StatusBadGateway)

	r := f.downloader().FetchMonth(context.Background(), period.New(2026, 3))
	assert.True(t, pipeline.IsTransientNetwork(r.Err))
	assert.Equal(t, "HTTP 502", r.Message)
}

func TestFetchMonthEmptyBody(t *testing.T) {
	f := newFixture(t)
	f.up.body("/2026/3", nil)

	r := f.downloader().FetchMonth(context.Background(), period.New(2026, 3))
	assert.True(t, pipeline.IsMalformedPackage(r.Err))
	assert.Equal(t, "empty response body", r.Message)

	_, err := os.Stat(f.cfg.PackagePath(period.New(2026, 3)))
	assert.True(t, os.IsNotExist(err))
	assertNoTempFiles(t, f.cfg.DataDir)
}

func TestFetchMonthTimeoutIsTransient(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	f.up.mu.Lock()
	f.up.responses["/2026/3"] = func(w http.ResponseWriter) { <-release }
	f.up.mu.Unlock()

	d := f.downloader(WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}))
	r := d.FetchMonth(context.Background(), period.New(2026, 3))
	assert.True(t, pipeline.IsTransientNetwork(r.Err))
	assertNoTempFiles(t, f.cfg.DataDir)
}

func TestRedownloadRecordsChangeWithBackup(t *testing.T) {
	f := newFixture(t)
	feb := period.New(2026, 2)
	f.up.body("/2026/2", pkg("2026-03-01T00:00:00Z"))

	d := f.downloader()
	first := d.FetchMonth(context.Background(), feb)
	require.NoError(t, first.Err)
	assert.Empty(t, first.Backup)

	f.clock.Advance(24 * time.Hour)
	f.up.body("/2026/2", pkg("2026-03-02T00:00:00Z"))

	second := d.FetchMonth(context.Background(), feb)
	require.NoError(t, second.Err)
	assert.Equal(t, "2026-02_Guatecompras_2026-03-02T12-04-05Z.json", second.Backup)
	require.NotNil(t, second.Tracked)
	assert.Equal(t, provenance.OutcomeChanged, second.Tracked.Outcome)

	backup, err := os.ReadFile(filepath.Join(f.cfg.BackupsDir, second.Backup))
	require.NoError(t, err)
	assert.Contains(t, string(backup), "2026-03-01T00:00:00Z")

	m, err := provenance.LoadManifest(f.cfg.ManifestPath)
	require.NoError(t, err)
	e, _ := m.Lookup("2026-02_Guatecompras.json")
	require.Len(t, e.ChangeHistory, 1)
	require.NotNil(t, e.ChangeHistory[0].BackupFile)
	assert.Equal(t, second.Backup, *e.ChangeHistory[0].BackupFile)
	assert.True(t, e.DownloadedAt.Equal(f.clock.Now()))

	log, err := os.ReadFile(f.cfg.ChangelogPath)
	require.NoError(t, err)
	assert.Contains(t, string(log), second.Backup)
}

func TestFetchMonthBackupFailureSkipsRequest(t *testing.T) {
	f := newFixture(t)
	feb := period.New(2026, 2)
	require.NoError(t, os.MkdirAll(f.cfg.DataDir, 0755))
	require.NoError(t, os.WriteFile(f.cfg.PackagePath(feb), pkg("2026-03-01T00:00:00Z"), 0644))
	// A file where the backup directory should be.
	require.NoError(t, os.WriteFile(f.cfg.BackupsDir, []byte("x"), 0644))
	f.up.body("/2026/2", pkg("2026-03-02T00:00:00Z"))

	r := f.downloader().FetchMonth(context.Background(), feb)
	assert.True(t, pipeline.IsBackupFailed(r.Err))
	assert.Zero(t, f.up.count())
}

func TestRunContinuesPastFailedMonth(t *testing.T) {
	f := newFixture(t)
	f.up.status("/2026/1", http.StatusInternalServerError)
	f.up.status("/2026/2", http.StatusNoContent)
	f.up.body("/2026/3", pkg("2026-04-01T00:00:00Z"))

	sum, err := f.downloader().Run(context.Background(), period.New(2026, 1), period.New(2026, 3))
	require.NoError(t, err)
	require.Len(t, sum.Results, 3)
	assert.Equal(t, 1, sum.Downloaded())
	require.Len(t, sum.Failed(), 2)
	assert.Equal(t, period.New(2026, 1), sum.Failed()[0].Month)
	assert.Equal(t, 3, f.up.count())

	// Paced between months, not after the last one.
	assert.Equal(t, 2, f.pacer.waits)

	_, err = os.Stat(f.cfg.LockPath)
	assert.True(t, os.IsNotExist(err), "lock released after the run")
}

func TestRunRefusedWhileLiveProcessHoldsLock(t *testing.T) {
	f := newFixture(t)
	f.up.body("/2026/1", pkg("2026-02-01T00:00:00Z"))
	require.NoError(t, os.MkdirAll(filepath.Dir(f.cfg.LockPath), 0755))
	// This test process is alive, so its PID is a live holder.
	require.NoError(t, os.WriteFile(f.cfg.LockPath, []byte(strconv.Itoa(os.Getpid())), 0644))

	sum, err := f.downloader().Run(context.Background(), period.New(2026, 1), period.New(2026, 1))
	require.Error(t, err)
	assert.Nil(t, sum)
	assert.True(t, pipeline.IsLockContention(err))
	assert.Contains(t, err.Error(), f.cfg.LockPath)
	assert.Zero(t, f.up.count(), "no request while another run holds the lock")

	data, err := os.ReadFile(f.cfg.LockPath)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data), "holder's lock left in place")
}

func TestRunReplacesStaleLock(t *testing.T) {
	f := newFixture(t)
	f.up.body("/2026/1", pkg("2026-02-01T00:00:00Z"))
	require.NoError(t, os.MkdirAll(filepath.Dir(f.cfg.LockPath), 0755))
	require.NoError(t, os.WriteFile(f.cfg.LockPath, []byte("99999999"), 0644))

	sum, err := f.downloader().Run(context.Background(), period.New(2026, 1), period.New(2026, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Downloaded())

	_, err = os.Stat(f.cfg.LockPath)
	assert.True(t, os.IsNotExist(err))
}

func TestRunDryRunTouchesNothing(t *testing.T) {
	f := newFixture(t)

	sum, err := f.downloader(WithDryRun(true)).Run(context.Background(), period.New(2025, 11), period.New(2026, 2))
	require.NoError(t, err)
	require.Len(t, sum.Results, 4)
	assert.Empty(t, sum.Failed())
	assert.Equal(t, "DRY-RUN would GET "+f.cfg.BaseURL+"/2025/11 -> 2025-11_Guatecompras.json", sum.Results[0].Message)

	assert.Zero(t, f.up.count())
	assert.Zero(t, f.pacer.waits)
	_, err = os.Stat(f.cfg.DataDir + "/.download.lock")
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(f.cfg.ManifestPath)
	assert.True(t, os.IsNotExist(err))
}

func TestRunCancelledReleasesLock(t *testing.T) {
	f := newFixture(t)
	f.up.body("/2026/1", pkg("2026-02-01T00:00:00Z"))
	f.up.body("/2026/2", pkg("2026-03-01T00:00:00Z"))

	ctx, cancel := context.WithCancel(context.Background())
	d := f.downloader(WithPacer(pacerFunc(func(context.Context) error {
		cancel()
		return context.Canceled
	})))

	sum, err := d.Run(ctx, period.New(2026, 1), period.New(2026, 2))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, sum)
	assert.Len(t, sum.Results, 1)
	assert.Equal(t, 1, f.up.count())

	_, err = os.Stat(f.cfg.LockPath)
	assert.True(t, os.IsNotExist(err))
	assertNoTempFiles(t, f.cfg.DataDir)
}

type pacerFunc func(context.Context) error

func (p pacerFunc) Wait(ctx context.Context) error { return p(ctx) }

func TestJitterPacerDelay(t *testing.T) {
	p := NewJitterPacer(15*time.Second, 5*time.Second)
	p.randN = func(n int64) int64 {
		assert.Equal(t, int64(5*time.Second), n)
		return int64(2 * time.Second)
	}
	assert.Equal(t, 17*time.Second, p.Delay())

	p.Jitter = 0
	assert.Equal(t, 15*time.Second, p.Delay())
}

func TestJitterPacerWaitHonoursContext(t *testing.T) {
	p := NewJitterPacer(time.Hour, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Wait(ctx), context.Canceled)

	assert.NoError(t, NewJitterPacer(0, 0).Wait(context.Background()))
}
