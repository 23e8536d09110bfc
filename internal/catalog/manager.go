// Package catalog 维护商店目录：目录源管理、定期刷新、查询与下载计数上报。
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/nxstore/storefront/internal/logging"
)

var (
	// ErrSourceExists 表示新增的目录源 ID 已存在。
	ErrSourceExists = errors.New("catalog source already exists")
	// ErrSourceNotFound 表示目录源 ID 不存在。
	ErrSourceNotFound = errors.New("catalog source not found")
	// ErrNoSources 表示没有任何启用的目录源。
	ErrNoSources = errors.New("no enabled catalog source")
	// ErrRejected 表示服务端返回 success=false。
	ErrRejected = errors.New("catalog request rejected")
)

const defaultRefreshInterval = time.Hour

// Options 描述 Manager 的依赖。
type Options struct {
	Sources []Source
	// StatePath 指向 sources.json；为空时不持久化目录源。
	StatePath       string
	HTTPClient      *http.Client
	UserAgent       string
	Timeout         time.Duration
	RefreshInterval time.Duration
	Logger          *logrus.Logger
	OnRefresh       func(success bool, err error)
	Now             func() time.Time
}

// Manager 持有目录源、条目与分类，所有方法并发安全。
type Manager struct {
	client    *resty.Client
	statePath string
	interval  time.Duration
	logger    *logrus.Logger
	onRefresh func(bool, error)
	now       func() time.Time

	refreshing atomic.Bool

	mu          sync.RWMutex
	sources     []Source
	entries     []Entry
	categories  []Category
	lastRefresh time.Time
}

// New 合并配置中的目录源与 sources.json 中持久化的目录源。
func New(opts Options) (*Manager, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = defaultRefreshInterval
	}

	client := resty.New()
	if opts.HTTPClient != nil {
		client = resty.NewWithClient(opts.HTTPClient)
	}
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}
	if opts.UserAgent != "" {
		client.SetHeader("User-Agent", opts.UserAgent)
	}
	client.SetHeader("Accept", "application/json")

	m := &Manager{
		client:     client,
		statePath:  opts.StatePath,
		interval:   opts.RefreshInterval,
		logger:     opts.Logger,
		onRefresh:  opts.OnRefresh,
		now:        opts.Now,
		sources:    append([]Source(nil), opts.Sources...),
		categories: DefaultCategories(),
	}
	if err := m.loadSources(); err != nil {
		return nil, err
	}
	return m, nil
}

// Refresh 按优先级从高到低拉取所有启用源的目录。任一源成功即视为成功，
// 全部失败时保留旧数据并返回最后一个错误。已有刷新在进行时直接返回。
func (m *Manager) Refresh(ctx context.Context) error {
	if !m.refreshing.CompareAndSwap(false, true) {
		return nil
	}
	defer m.refreshing.Store(false)

	sources := m.enabledSources()
	var (
		entries    []Entry
		categories []Category
		anySuccess bool
		lastErr    error
	)
	for _, src := range sources {
		payload, err := m.fetchCatalog(ctx, src)
		if err != nil {
			lastErr = err
			m.logger.WithFields(logrus.Fields{
				"action": "catalog_refresh",
				"source": src.ID,
				"url":    src.URL,
			}).WithError(err).Warn("catalog source refresh failed")
			continue
		}
		anySuccess = true
		for _, e := range payload.Data.Games {
			entries = append(entries, resolveEntry(e, src))
		}
		if len(payload.Data.Categories) > 0 {
			categories = payload.Data.Categories
		}
	}
	if len(sources) == 0 {
		lastErr = ErrNoSources
	}

	now := m.now()
	m.mu.Lock()
	if anySuccess {
		m.entries = entries
		if categories != nil {
			m.categories = categories
		}
		for i := range m.sources {
			for _, src := range sources {
				if m.sources[i].ID == src.ID {
					m.sources[i].LastUpdated = now
				}
			}
		}
	}
	m.lastRefresh = now
	count := len(m.entries)
	m.mu.Unlock()

	var result error
	if !anySuccess {
		result = lastErr
	}
	m.logger.WithFields(logrus.Fields{
		"action":  "catalog_refresh",
		"sources": len(sources),
		"entries": count,
		"success": anySuccess,
	}).Info("catalog refreshed")
	if m.onRefresh != nil {
		m.onRefresh(anySuccess, result)
	}
	return result
}

func (m *Manager) fetchCatalog(ctx context.Context, src Source) (*catalogResponse, error) {
	resp, err := m.client.R().SetContext(ctx).Get(src.URL + "/api/catalog")
	if err != nil {
		return nil, fmt.Errorf("fetch catalog %s: %w", src.ID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch catalog %s: HTTP %d", src.ID, resp.StatusCode())
	}
	var payload catalogResponse
	if err := sonic.Unmarshal(resp.Body(), &payload); err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", src.ID, err)
	}
	if !payload.Success {
		return nil, fmt.Errorf("%s: %w", src.ID, ErrRejected)
	}
	return &payload, nil
}

// resolveEntry 把以 "/" 开头的相对地址补全为源地址下的绝对地址。
func resolveEntry(e Entry, src Source) Entry {
	resolve := func(raw string) string {
		if strings.HasPrefix(raw, "/") {
			return src.URL + raw
		}
		return raw
	}
	e.SourceID = src.ID
	e.IconURL = resolve(e.IconURL)
	e.DownloadURL = resolve(e.DownloadURL)
	if len(e.ScreenshotURLs) > 0 {
		shots := make([]string, len(e.ScreenshotURLs))
		for i, s := range e.ScreenshotURLs {
			shots[i] = resolve(s)
		}
		e.ScreenshotURLs = shots
	}
	return e
}

// NeedsRefresh 报告距离上次刷新是否已超过刷新间隔。
func (m *Manager) NeedsRefresh() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRefresh.IsZero() || m.now().Sub(m.lastRefresh) > m.interval
}

// Refreshing 报告是否有刷新正在进行。
func (m *Manager) Refreshing() bool {
	return m.refreshing.Load()
}

func (m *Manager) All() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Entry(nil), m.entries...)
}

func (m *Manager) ByCategory(category string) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.entries {
		if e.Category == category {
			out = append(out, e)
		}
	}
	return out
}

// Featured 按 rating*10 + downloads/1000 降序返回前 n 个条目。
func (m *Manager) Featured(n int) []Entry {
	all := m.All()
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].score() > all[j].score()
	})
	if n >= 0 && n < len(all) {
		all = all[:n]
	}
	return all
}

// Search 对名称与开发者做不区分大小写的子串匹配。
func (m *Manager) Search(query string) []Entry {
	q := strings.ToLower(query)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.entries {
		if strings.Contains(strings.ToLower(e.Name), q) || strings.Contains(strings.ToLower(e.Developer), q) {
			out = append(out, e)
		}
	}
	return out
}

func (m *Manager) Entry(id string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

func (m *Manager) Categories() []Category {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Category(nil), m.categories...)
}

// ImageURLs 返回条目的图标与截图地址，图标在前。
func ImageURLs(e Entry) []string {
	urls := make([]string, 0, 1+len(e.ScreenshotURLs))
	if e.IconURL != "" {
		urls = append(urls, e.IconURL)
	}
	for _, s := range e.ScreenshotURLs {
		if s != "" {
			urls = append(urls, s)
		}
	}
	return urls
}

// ReportDownload 通知第一个启用的源某条目被下载，并用返回的计数更新本地条目。
func (m *Manager) ReportDownload(ctx context.Context, entryID string) (int, error) {
	sources := m.Sources()
	base := ""
	for _, src := range sources {
		if src.Enabled && src.URL != "" {
			base = src.URL
			break
		}
	}
	if base == "" {
		return 0, ErrNoSources
	}

	resp, err := m.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody("{}").
		Post(base + "/api/catalog/download/" + url.PathEscape(entryID))
	if err != nil {
		return 0, fmt.Errorf("report download %s: %w", entryID, err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("report download %s: HTTP %d", entryID, resp.StatusCode())
	}
	var payload reportResponse
	if err := sonic.Unmarshal(resp.Body(), &payload); err != nil {
		return 0, fmt.Errorf("decode download report: %w", err)
	}
	if !payload.Success {
		return 0, fmt.Errorf("report download %s: %w", entryID, ErrRejected)
	}

	count := payload.Data.NewDownloadCount
	m.mu.Lock()
	for i := range m.entries {
		if m.entries[i].ID == entryID {
			m.entries[i].DownloadCount = count
		}
	}
	m.mu.Unlock()
	return count, nil
}

// Sources 返回目录源副本，保持配置顺序。
func (m *Manager) Sources() []Source {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Source(nil), m.sources...)
}

// AddSource 新增目录源并写入 sources.json。
func (m *Manager) AddSource(src Source) error {
	src.URL = strings.TrimRight(src.URL, "/")
	if src.ID == "" {
		return errors.New("source id is required")
	}
	if src.Name == "" {
		src.Name = src.ID
	}

	m.mu.Lock()
	for _, existing := range m.sources {
		if existing.ID == src.ID {
			m.mu.Unlock()
			return ErrSourceExists
		}
	}
	m.sources = append(m.sources, src)
	snapshot := append([]Source(nil), m.sources...)
	m.mu.Unlock()

	return m.saveSources(snapshot)
}

func (m *Manager) RemoveSource(id string) error {
	m.mu.Lock()
	idx := -1
	for i, src := range m.sources {
		if src.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return ErrSourceNotFound
	}
	m.sources = append(m.sources[:idx], m.sources[idx+1:]...)
	snapshot := append([]Source(nil), m.sources...)
	m.mu.Unlock()

	return m.saveSources(snapshot)
}

func (m *Manager) SetSourceEnabled(id string, enabled bool) error {
	m.mu.Lock()
	found := false
	for i := range m.sources {
		if m.sources[i].ID == id {
			m.sources[i].Enabled = enabled
			found = true
			break
		}
	}
	snapshot := append([]Source(nil), m.sources...)
	m.mu.Unlock()

	if !found {
		return ErrSourceNotFound
	}
	return m.saveSources(snapshot)
}

func (m *Manager) enabledSources() []Source {
	m.mu.RLock()
	var out []Source
	for _, src := range m.sources {
		if src.Enabled {
			out = append(out, src)
		}
	}
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// loadSources 用 sources.json 中的记录覆盖同 ID 的配置源，并追加仅存在于文件中的源。
func (m *Manager) loadSources() error {
	if m.statePath == "" {
		return nil
	}
	data, err := os.ReadFile(m.statePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read sources: %w", err)
	}
	var file sourcesFile
	if err := sonic.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("decode sources %s: %w", m.statePath, err)
	}

	for _, persisted := range file.Sources {
		merged := false
		for i := range m.sources {
			if m.sources[i].ID == persisted.ID {
				m.sources[i] = persisted
				merged = true
				break
			}
		}
		if !merged {
			m.sources = append(m.sources, persisted)
		}
	}
	return nil
}

func (m *Manager) saveSources(sources []Source) error {
	if m.statePath == "" {
		return nil
	}
	data, err := sonic.ConfigStd.MarshalIndent(sourcesFile{Sources: sources}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sources: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.statePath), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := m.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write sources: %w", err)
	}
	if err := os.Rename(tmp, m.statePath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write sources: %w", err)
	}
	return nil
}
