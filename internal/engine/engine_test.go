package engine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Fralo/trento-tree-detection/internal/converter"
	"github.com/Fralo/trento-tree-detection/internal/scan"
)

const fakeConverterName = "tileconv-fake-converter"

// fakeConverterScript writes <name>.png into the destination and fails with
// status 3 for inputs whose name contains "bad".
const fakeConverterScript = `#!/bin/sh
case "$2" in
  *bad*) exit 3 ;;
esac
name=${2##*/}
: > "$1/${name%.*}.png"
`

// installFakeConverter puts an executable fake converter first on PATH.
func installFakeConverter(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake converter requires a POSIX shell")
	}
	bin := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bin, fakeConverterName), []byte(fakeConverterScript), 0o755))
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))
}

// makeTiles creates the named files in a fresh source directory.
func makeTiles(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
		require.NoError(t, os.WriteFile(path, []byte("II*\x00"), 0o600))
	}
	return dir
}

// trackingRunner delegates to another runner while measuring concurrency.
type trackingRunner struct {
	inner   converter.Runner
	delay   time.Duration
	current atomic.Int32
	peak    atomic.Int32
	calls   atomic.Int32
}

func (r *trackingRunner) Run(ctx context.Context, name string, args ...string) error {
	r.calls.Add(1)
	n := r.current.Add(1)
	defer r.current.Add(-1)
	for {
		old := r.peak.Load()
		if n <= old || r.peak.CompareAndSwap(old, n) {
			break
		}
	}
	time.Sleep(r.delay)
	return r.inner.Run(ctx, name, args...)
}

func newTestEngine() (*Engine, *bytes.Buffer, *bytes.Buffer) {
	var stdout, stderr bytes.Buffer
	return New(&stdout, &stderr).WithInteractive(false), &stdout, &stderr
}

func request(src, dest string, jobs int) Request {
	return Request{
		SourceDir:  src,
		DestDir:    dest,
		Jobs:       jobs,
		Converter:  fakeConverterName,
		Extensions: []string{".tif", ".tiff"},
	}
}

func TestRun_AllSucceedWithBoundedConcurrency(t *testing.T) {
	installFakeConverter(t)
	src := makeTiles(t, "t1.tif", "t2.tif", "t3.tif", "t4.tif", "t5.tif")
	dest := filepath.Join(t.TempDir(), "out", "png")

	runner := &trackingRunner{inner: converter.ExecRunner(), delay: 20 * time.Millisecond}
	eng, stdout, stderr := newTestEngine()
	eng.WithRunner(runner)

	summary, err := eng.Run(context.Background(), request(src, dest, 2))
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 5, summary.Succeeded)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, 2, summary.Jobs)
	assert.LessOrEqual(t, summary.PeakInFlight, 2)
	assert.LessOrEqual(t, runner.peak.Load(), int32(2), "at most 2 conversions run concurrently")
	assert.Equal(t, int32(5), runner.calls.Load())
	assert.NotEmpty(t, summary.RunID)

	out := stdout.String()
	assert.Contains(t, out, "Converting 5 files with 2 jobs into "+dest)
	assert.Contains(t, out, "Progress: 5/5 (100%)")
	assert.Contains(t, out, "5 succeeded, 0 failed")
	assert.Empty(t, stderr.String())

	for i := 1; i <= 5; i++ {
		_, statErr := os.Stat(filepath.Join(dest, "t"+string(rune('0'+i))+".png"))
		assert.NoError(t, statErr)
	}
}

func TestRun_OneFailureDoesNotStopOthers(t *testing.T) {
	installFakeConverter(t)
	src := makeTiles(t, "a.tif", "bad.tif", "c.tif")
	dest := filepath.Join(t.TempDir(), "out")

	eng, stdout, stderr := newTestEngine()
	summary, err := eng.Run(context.Background(), request(src, dest, 2))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrJobsFailed)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Contains(t, stdout.String(), "2 succeeded, 1 failed")

	require.Len(t, summary.Failures, 1)
	assert.Equal(t, filepath.Join(src, "bad.tif"), summary.Failures[0].Input)
	assert.Equal(t, 3, summary.Failures[0].ExitCode())
	assert.Contains(t, stderr.String(), "failed: "+filepath.Join(src, "bad.tif"))

	_, statErr := os.Stat(filepath.Join(dest, "a.png"))
	assert.NoError(t, statErr)
	_, statErr = os.Stat(filepath.Join(dest, "c.png"))
	assert.NoError(t, statErr)
}

func TestRun_MissingSourceDir(t *testing.T) {
	installFakeConverter(t)
	base := t.TempDir()
	dest := filepath.Join(base, "out")

	eng, stdout, _ := newTestEngine()
	_, err := eng.Run(context.Background(), request(filepath.Join(base, "absent"), dest, 2))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.NotErrorIs(t, err, ErrDependencyMissing)
	assert.Contains(t, err.Error(), "does not exist")
	assert.Empty(t, stdout.String(), "no job scheduled")

	_, statErr := os.Stat(dest)
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "destination must not be created")
}

func TestRun_MissingConverter(t *testing.T) {
	src := makeTiles(t, "a.tif")
	dest := filepath.Join(t.TempDir(), "out")

	eng, _, _ := newTestEngine()
	req := request(src, dest, 1)
	req.Converter = "tileconv-converter-that-does-not-exist"
	_, err := eng.Run(context.Background(), req)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDependencyMissing)
	assert.ErrorIs(t, err, converter.ErrConverterNotFound)
	assert.NotErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "tileconv-converter-that-does-not-exist")

	var depErr *DependencyMissingError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, req.Converter, depErr.Name)

	_, statErr := os.Stat(dest)
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestRun_NoMatchingFiles(t *testing.T) {
	installFakeConverter(t)
	src := makeTiles(t, "readme.txt", "preview.png", "nested/deep.tif")
	dest := filepath.Join(t.TempDir(), "out")

	eng, stdout, _ := newTestEngine()
	summary, err := eng.Run(context.Background(), request(src, dest, 2))

	require.NoError(t, err)
	assert.Zero(t, summary.Total)
	assert.Contains(t, stdout.String(), "No files found")

	entries, readErr := os.ReadDir(dest)
	require.NoError(t, readErr, "destination directory is created")
	assert.Empty(t, entries, "nothing written beyond directory creation")
}

func TestRun_CountsTopLevelCaseInsensitiveMatches(t *testing.T) {
	installFakeConverter(t)
	src := makeTiles(t, "a.TIF", "b.Tiff", "c.tif", "skip.jpg", "sub/d.tif")

	eng, _, _ := newTestEngine()
	summary, err := eng.Run(context.Background(), request(src, filepath.Join(t.TempDir(), "out"), 4))

	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 3, summary.Launched)
}

func TestRun_DefaultJobsUsesCPUCount(t *testing.T) {
	installFakeConverter(t)
	src := makeTiles(t, "a.tif")

	eng, _, _ := newTestEngine()
	summary, err := eng.Run(context.Background(), request(src, filepath.Join(t.TempDir(), "out"), 0))

	require.NoError(t, err)
	assert.Equal(t, runtime.NumCPU(), summary.Jobs)
}

func TestRun_InvalidRequests(t *testing.T) {
	installFakeConverter(t)
	file := filepath.Join(t.TempDir(), "tile.tif")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	tests := []struct {
		name    string
		req     Request
		wantMsg string
	}{
		{"empty source", request("", t.TempDir(), 1), "source directory is required"},
		{"empty destination", request(t.TempDir(), "", 1), "destination directory is required"},
		{"source is a file", request(file, t.TempDir(), 1), "is not a directory"},
		{"blank extensions", withExtensions(request(t.TempDir(), t.TempDir(), 1), " ", ""), "no usable file extension"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng, _, _ := newTestEngine()
			_, err := eng.Run(context.Background(), tt.req)
			require.ErrorIs(t, err, ErrConfiguration)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func withExtensions(req Request, exts ...string) Request {
	req.Extensions = exts
	return req
}

func TestRun_BlankExtensionsRejectedBeforeScan(t *testing.T) {
	installFakeConverter(t)
	src := makeTiles(t, "a.tif")
	dest := filepath.Join(t.TempDir(), "out")

	eng, stdout, _ := newTestEngine()
	_, err := eng.Run(context.Background(), withExtensions(request(src, dest, 1), "", "  "))

	require.ErrorIs(t, err, ErrConfiguration)
	assert.ErrorIs(t, err, scan.ErrNoExtensions)
	assert.NotContains(t, err.Error(), "cannot scan")
	assert.Empty(t, stdout.String())
	assert.NoDirExists(t, dest)
}

func TestRun_DryRun(t *testing.T) {
	installFakeConverter(t)
	src := makeTiles(t, "a.tif", "b.tif")
	dest := filepath.Join(t.TempDir(), "out")

	eng, stdout, _ := newTestEngine()
	req := request(src, dest, 2)
	req.DryRun = true
	summary, err := eng.Run(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(src, "a.tif"), filepath.Join(src, "b.tif")}, summary.Planned)
	assert.Contains(t, stdout.String(), "Would convert 2 files")
	_, statErr := os.Stat(dest)
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "dry run does not create the destination")
}

// blockingRunner signals each start and then waits for cancellation.
type blockingRunner struct {
	started chan string
	calls   atomic.Int32
}

func (r *blockingRunner) Run(ctx context.Context, _ string, args ...string) error {
	r.calls.Add(1)
	r.started <- args[1]
	<-ctx.Done()
	return ctx.Err()
}

func TestRun_CancelStopsLaunching(t *testing.T) {
	installFakeConverter(t)
	src := makeTiles(t, "1.tif", "2.tif", "3.tif", "4.tif", "5.tif")

	runner := &blockingRunner{started: make(chan string, 5)}
	eng, stdout, stderr := newTestEngine()
	eng.WithRunner(runner)

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		summary *Summary
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		s, err := eng.Run(ctx, request(src, filepath.Join(t.TempDir(), "out"), 2))
		done <- outcome{s, err}
	}()

	<-runner.started
	<-runner.started
	cancel()

	var got outcome
	select {
	case got = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}

	require.Error(t, got.err)
	assert.ErrorIs(t, got.err, ErrCanceled)
	assert.True(t, got.summary.Canceled)
	assert.Equal(t, 2, got.summary.Launched)
	assert.Equal(t, int32(2), runner.calls.Load(), "no job launched after the interrupt")
	assert.Contains(t, stderr.String(), "Interrupted")
	assert.Contains(t, stderr.String(), "3 files not started")
	assert.Contains(t, stdout.String(), "Cancelled:")
}

func TestJobFailure(t *testing.T) {
	f := &JobFailure{Input: "/in/a.tif", Err: &converter.ExitStatusError{Input: "/in/a.tif", Code: 2}}
	assert.Equal(t, 2, f.ExitCode())
	assert.Equal(t, "/in/a.tif: converter exited with status 2", f.Error())

	other := &JobFailure{Input: "/in/b.tif", Err: errors.New("exec format error")}
	assert.Equal(t, -1, other.ExitCode())
}

func TestConfigurationError(t *testing.T) {
	inner := errors.New("permission denied")
	err := configErrorf(inner, "cannot create destination directory %s", "/out")

	assert.ErrorIs(t, err, ErrConfiguration)
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "configuration error: cannot create destination directory /out: permission denied", err.Error())
}
