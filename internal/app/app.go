// Package app 组装商店的全部子系统，并提供单线程驱动循环 Tick/Run。
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/nxstore/storefront/internal/cache"
	"github.com/nxstore/storefront/internal/catalog"
	"github.com/nxstore/storefront/internal/config"
	"github.com/nxstore/storefront/internal/downloads"
	"github.com/nxstore/storefront/internal/imagecache"
	"github.com/nxstore/storefront/internal/installer"
	"github.com/nxstore/storefront/internal/logging"
	"github.com/nxstore/storefront/internal/metrics"
	"github.com/nxstore/storefront/internal/server"
	"github.com/nxstore/storefront/internal/transport"
)

var (
	// ErrEntryNotFound 表示目录中没有该条目。
	ErrEntryNotFound = errors.New("catalog entry not found")
	// ErrNoDownloadURL 表示条目缺少下载地址。
	ErrNoDownloadURL = errors.New("catalog entry has no download url")
)

const (
	sourcesFileName  = "sources.json"
	serverStopBudget = 5 * time.Second
)

// App 持有全部子系统；Tick 只应由一个驱动 goroutine 调用。
type App struct {
	cfg    *config.Config
	logger *logrus.Logger

	registry *prometheus.Registry

	Downloads *downloads.Queue
	Images    *imagecache.Cache
	Catalog   *catalog.Manager
	Installer *installer.Installer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshing atomic.Bool

	mu      sync.Mutex
	entries map[string]catalog.Entry // taskID -> 发起下载的目录条目

	server    *fiber.App
	closeOnce sync.Once
}

// New 按“传输层 → 磁盘缓存 → 指标 → 图片缓存 → 下载队列 → 目录 → 安装器”顺序构建子系统。
func New(cfg *config.Config, logger *logrus.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	g := cfg.Global

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	client := transport.New(transport.OptionsFromConfig(cfg, logger))

	store, err := cache.NewStore(g.ImageCacheDir)
	if err != nil {
		return nil, fmt.Errorf("init image cache dir: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		ctx:      ctx,
		cancel:   cancel,
		entries:  make(map[string]catalog.Entry),
	}

	a.Images, err = imagecache.New(imagecache.Options{
		Store:          store,
		Transport:      client,
		MaxMemoryBytes: g.MaxMemoryCacheBytes,
		Logger:         logger,
		Metrics:        m,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	a.Downloads, err = downloads.New(downloads.Options{
		Transport:     client,
		DownloadDir:   g.DownloadDir,
		MaxConcurrent: g.MaxConcurrentDownloads,
		Logger:        logger,
		Metrics:       m,
		OnComplete:    a.onDownloadComplete,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	a.Catalog, err = catalog.New(catalog.Options{
		Sources:         catalog.SourcesFromConfig(cfg.Sources),
		StatePath:       filepath.Join(g.DataDir, sourcesFileName),
		HTTPClient:      client.HTTPClient(),
		UserAgent:       client.UserAgent(),
		Timeout:         g.RequestTimeout.DurationValue(),
		RefreshInterval: g.CatalogRefreshInterval.DurationValue(),
		Logger:          logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	a.Installer, err = installer.New(installer.Options{
		InstallDir: g.InstallDir,
		Logger:     logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	return a, nil
}

// Registry 返回本实例的指标注册表。
func (a *App) Registry() *prometheus.Registry {
	return a.registry
}

// DownloadEntry 把目录条目加入下载队列，完成后按条目名称与版本安装。
func (a *App) DownloadEntry(entryID string) (string, error) {
	entry, ok := a.Catalog.Entry(entryID)
	if !ok {
		return "", ErrEntryNotFound
	}
	if entry.DownloadURL == "" {
		return "", ErrNoDownloadURL
	}

	fileName := entry.ID + downloadExt(entry.DownloadURL)

	a.mu.Lock()
	defer a.mu.Unlock()
	taskID := a.Downloads.Enqueue(entry.Name, entry.DownloadURL, fileName)
	a.entries[taskID] = entry
	return taskID, nil
}

// Tick 驱动一帧：推进下载队列、处理若干图片加载，并在需要时异步刷新目录。
func (a *App) Tick(ctx context.Context) {
	a.Downloads.Tick(ctx)
	a.pruneEntries()

	for i := 0; i < a.cfg.Global.ImageLoadsPerTick; i++ {
		if !a.Images.ProcessOne(ctx) {
			break
		}
	}

	if a.Catalog.NeedsRefresh() && a.refreshing.CompareAndSwap(false, true) {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer a.refreshing.Store(false)
			if err := a.Catalog.Refresh(a.ctx); err != nil {
				return
			}
			a.prefetchArtwork()
		}()
	}
}

// pruneEntries 丢弃已被队列移除的任务对应的目录条目，例如排队中被删除的下载。
func (a *App) pruneEntries() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id := range a.entries {
		if _, ok := a.Downloads.Get(id); !ok {
			delete(a.entries, id)
		}
	}
}

// downloadExt 取下载地址路径部分的扩展名，缺失时默认 .nro。
func downloadExt(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ".nro"
	}
	if ext := path.Ext(u.Path); ext != "" {
		return ext
	}
	return ".nro"
}

func (a *App) prefetchArtwork() {
	for _, e := range a.Catalog.All() {
		for _, img := range catalog.ImageURLs(e) {
			a.Images.RequestImage(img)
		}
	}
}

// Run 按 TickInterval 驱动 Tick，直到 ctx 结束；退出前调用 Close。
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	if port := a.cfg.Global.DiagnosticsPort; port > 0 {
		if err := a.startDiagnostics(port); err != nil {
			return err
		}
	}

	interval := a.cfg.Global.TickInterval.DurationValue()
	if interval <= 0 {
		interval = 16 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.logger.WithFields(logrus.Fields{
		"action":        "run",
		"tick_interval": interval.String(),
		"sources":       len(a.Catalog.Sources()),
	}).Info("storefront loop started")

	for {
		select {
		case <-ctx.Done():
			a.logger.WithField("action", "run").Info("storefront loop stopped")
			return nil
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

func (a *App) startDiagnostics(port int) error {
	srv, err := server.NewApp(server.AppOptions{
		Logger:    a.logger,
		Downloads: a.Downloads,
		Images:    a.Images,
		Catalog:   a.Catalog,
		Gatherer:  a.registry,
	})
	if err != nil {
		return err
	}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	a.mu.Lock()
	a.server = srv
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.WithFields(logrus.Fields{
			"action": "listen",
			"addr":   addr,
		}).Info("diagnostics server started")
		if err := srv.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
			a.logger.WithFields(logrus.Fields{
				"action": "listen",
				"addr":   addr,
			}).WithError(err).Error("diagnostics server stopped")
		}
	}()
	return nil
}

// onDownloadComplete 在 Tick 内被调用，安装与上报放到后台执行以免阻塞驱动循环。
// 暂停的任务恢复后仍需要对应的目录条目，只在终态时丢弃。
func (a *App) onDownloadComplete(task downloads.Task, success bool) {
	a.mu.Lock()
	entry, fromCatalog := a.entries[task.ID]
	switch task.Status {
	case downloads.StatusCompleted, downloads.StatusFailed, downloads.StatusCancelled:
		delete(a.entries, task.ID)
	}
	a.mu.Unlock()

	if !success {
		return
	}

	name, version := task.Name, "unknown"
	if fromCatalog {
		name = entry.Name
		if entry.Version != "" {
			version = entry.Version
		}
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fields := logging.TaskFields("install_download", task.ID, name, task.URL)

		pkg, err := a.Installer.Install(a.ctx, task.Destination, name, version, nil)
		if err != nil {
			a.logger.WithFields(fields).WithError(err).Error("install downloaded package failed")
			return
		}
		if err := os.Remove(task.Destination); err != nil {
			a.logger.WithFields(fields).WithError(err).Debug("remove staged download failed")
		}
		fields["package_id"] = pkg.ID

		if !fromCatalog {
			return
		}
		count, err := a.Catalog.ReportDownload(a.ctx, entry.ID)
		if err != nil {
			a.logger.WithFields(fields).WithError(err).Warn("report download failed")
			return
		}
		fields["download_count"] = count
		a.logger.WithFields(fields).Info("download reported")
	}()
}

// Close 停止诊断服务、关闭下载队列并失效图片句柄，可重复调用。
func (a *App) Close() {
	a.closeOnce.Do(func() {
		a.cancel()

		a.mu.Lock()
		srv := a.server
		a.mu.Unlock()
		if srv != nil {
			if err := srv.ShutdownWithTimeout(serverStopBudget); err != nil {
				a.logger.WithField("action", "shutdown").WithError(err).Warn("diagnostics shutdown failed")
			}
		}

		a.Downloads.Shutdown()
		a.wg.Wait()
		a.Images.Close()
		a.logger.WithField("action", "shutdown").Info("storefront closed")
	})
}
