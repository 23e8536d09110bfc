package app

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nxstore/storefront/internal/config"
	"github.com/nxstore/storefront/internal/downloads"
	"github.com/nxstore/storefront/internal/imagecache"
	"github.com/nxstore/storefront/internal/logging"
)

type storeServer struct {
	*httptest.Server
	payload []byte

	mu       sync.Mutex
	reported []string
}

func newStoreServer(t *testing.T) *storeServer {
	t.Helper()
	s := &storeServer{payload: bytes.Repeat([]byte("nro-"), 4096)}

	var icon bytes.Buffer
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	require.NoError(t, png.Encode(&icon, img))

	mux := http.NewServeMux()
	mux.HandleFunc("/api/catalog", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"success": true, "data": {"games": [
			{"id": "g1", "name": "Super Homebrew", "version": "1.2.0", "category": "homebrew",
			 "iconUrl": "/img/g1.png", "downloadUrl": "/files/g1.nro"},
			{"id": "g2", "name": "No File", "category": "tools"},
			{"id": "g3", "name": "Gone", "category": "tools", "downloadUrl": "/files/gone.nro"}
		]}}`)
	})
	mux.HandleFunc("/files/g1.nro", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(s.payload)
	})
	mux.HandleFunc("/img/g1.png", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(icon.Bytes())
	})
	mux.HandleFunc("/api/catalog/download/", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.reported = append(s.reported, strings.TrimPrefix(r.URL.Path, "/api/catalog/download/"))
		s.mu.Unlock()
		_, _ = io.WriteString(w, `{"success": true, "data": {"newDownloadCount": 7}}`)
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *storeServer) reports() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.reported...)
}

func newTestConfig(t *testing.T, sourceURL string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Global: config.GlobalConfig{
			DataDir:           t.TempDir(),
			RequestTimeout:    config.Duration(5 * time.Second),
			ImageLoadsPerTick: 2,
		},
		Sources: []config.SourceConfig{{ID: "main", Name: "Main", URL: sourceURL, Priority: 1}},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(cfg, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func tickUntil(t *testing.T, a *App, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		a.Tick(context.Background())
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestDownloadedEntryIsInstalledAndReported(t *testing.T) {
	srv := newStoreServer(t)
	a := newTestApp(t, newTestConfig(t, srv.URL))

	tickUntil(t, a, func() bool { return len(a.Catalog.All()) == 3 })

	taskID, err := a.DownloadEntry("g1")
	require.NoError(t, err)
	task, ok := a.Downloads.Get(taskID)
	require.True(t, ok)
	assert.Equal(t, "g1.nro", filepath.Base(task.Destination))

	tickUntil(t, a, func() bool {
		e, _ := a.Catalog.Entry("g1")
		return len(a.Installer.Installed()) == 1 && len(srv.reports()) == 1 && e.DownloadCount == 7
	})

	pkg := a.Installer.Installed()[0]
	assert.Equal(t, "Super Homebrew", pkg.Name)
	assert.Equal(t, "1.2.0", pkg.Version)
	installed, err := os.ReadFile(pkg.Path)
	require.NoError(t, err)
	assert.Equal(t, srv.payload, installed)
	assert.Equal(t, []string{"g1"}, srv.reports())

	tickUntil(t, a, func() bool {
		_, err := os.Stat(task.Destination)
		return os.IsNotExist(err)
	})

	done, _ := a.Downloads.Get(taskID)
	assert.Equal(t, downloads.StatusCompleted, done.Status)
	entry, _ := a.Catalog.Entry("g1")
	assert.Equal(t, 7, entry.DownloadCount)
}

func TestRefreshPrefetchesArtwork(t *testing.T) {
	srv := newStoreServer(t)
	a := newTestApp(t, newTestConfig(t, srv.URL))

	iconURL := srv.URL + "/img/g1.png"
	tickUntil(t, a, func() bool {
		return a.Images.LoadState(iconURL) == imagecache.StateLoaded
	})

	res := a.Images.GetCached(iconURL)
	require.NotNil(t, res)
	assert.Equal(t, 4, res.Width())
}

func TestDownloadEntryErrors(t *testing.T) {
	srv := newStoreServer(t)
	a := newTestApp(t, newTestConfig(t, srv.URL))
	tickUntil(t, a, func() bool { return len(a.Catalog.All()) == 3 })

	_, err := a.DownloadEntry("missing")
	assert.ErrorIs(t, err, ErrEntryNotFound)
	_, err = a.DownloadEntry("g2")
	assert.ErrorIs(t, err, ErrNoDownloadURL)
	assert.Empty(t, a.Downloads.List())
}

func (a *App) trackedEntries() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

func TestFinishedOrRemovedDownloadsReleaseEntries(t *testing.T) {
	srv := newStoreServer(t)
	a := newTestApp(t, newTestConfig(t, srv.URL))
	tickUntil(t, a, func() bool { return len(a.Catalog.All()) == 3 })

	failedID, err := a.DownloadEntry("g3")
	require.NoError(t, err)
	assert.Equal(t, 1, a.trackedEntries())
	tickUntil(t, a, func() bool {
		task, _ := a.Downloads.Get(failedID)
		return task.Status == downloads.StatusFailed
	})
	assert.Equal(t, 0, a.trackedEntries())

	removedID, err := a.DownloadEntry("g1")
	require.NoError(t, err)
	require.NoError(t, a.Downloads.Remove(removedID))
	tickUntil(t, a, func() bool {
		_, ok := a.Downloads.Get(removedID)
		return !ok && a.trackedEntries() == 0
	})
	assert.Empty(t, a.Installer.Installed())
	assert.Empty(t, srv.reports())
}

func TestPlainDownloadInstallsWithoutReport(t *testing.T) {
	srv := newStoreServer(t)
	cfg := newTestConfig(t, srv.URL)
	cfg.Global.CatalogRefreshInterval = config.Duration(time.Hour)
	a := newTestApp(t, cfg)

	a.Downloads.Enqueue("Manual", srv.URL+"/files/g1.nro", "manual.nro")
	tickUntil(t, a, func() bool { return len(a.Installer.Installed()) == 1 })

	pkg := a.Installer.Installed()[0]
	assert.Equal(t, "Manual", pkg.Name)
	assert.Equal(t, "unknown", pkg.Version)
	assert.Empty(t, srv.reports())
}

func TestRunStopsOnCancel(t *testing.T) {
	srv := newStoreServer(t)
	cfg := newTestConfig(t, srv.URL)
	cfg.Global.TickInterval = config.Duration(time.Millisecond)
	a, err := New(cfg, logging.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return len(a.Catalog.All()) == 3 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	a.Close()
}

func TestDownloadExt(t *testing.T) {
	cases := map[string]string{
		"https://x/files/a.nro":       ".nro",
		"https://x/files/a.zip?sig=1": ".zip",
		"https://x/files/a":           ".nro",
		"%%":                          ".nro",
	}
	for in, want := range cases {
		if got := downloadExt(in); got != want {
			t.Fatalf("downloadExt(%q) = %q, want %q", in, got, want)
		}
	}
}
