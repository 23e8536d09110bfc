// Package imagecache 把 URL 解析为已解码图片：内存 LRU 在前，磁盘缓存其次，网络兜底。
// RequestImage 只排队，真正的加载由驱动循环按帧调用 ProcessOne 完成。
package imagecache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nxstore/storefront/internal/cache"
	"github.com/nxstore/storefront/internal/logging"
	"github.com/nxstore/storefront/internal/metrics"
	"github.com/nxstore/storefront/internal/transport"
)

// DefaultMaxMemoryBytes 为内存缓存默认上限（50 MiB）。
const DefaultMaxMemoryBytes int64 = 50 * 1024 * 1024

// ErrClosed 表示缓存已经 Close。
var ErrClosed = errors.New("image cache closed")

// ErrEmptyResponse 表示上游返回了空响应体。
var ErrEmptyResponse = errors.New("empty image response")

// ErrLoadFailed 表示等待中的另一次加载以失败结束，原因用 %w 一并包装。
var ErrLoadFailed = errors.New("image load failed")

// StateChangeFunc 在条目进入 Loading/Loaded/Failed 时回调，总是在锁外执行。
type StateChangeFunc func(url string, state LoadState)

// Options 描述 Cache 的依赖。Store 为 nil 时只使用内存缓存。
type Options struct {
	Store          cache.Store
	Transport      transport.Transport
	Decoder        Decoder
	MaxMemoryBytes int64
	Logger         *logrus.Logger
	Metrics        *metrics.Metrics
	OnStateChange  StateChangeFunc
	Now            func() time.Time
}

// Stats 是缓存的即时快照。
type Stats struct {
	Entries        int   `json:"entries"`
	Loading        int   `json:"loading"`
	Loaded         int   `json:"loaded"`
	Failed         int   `json:"failed"`
	Queued         int   `json:"queued"`
	MemoryBytes    int64 `json:"memory_bytes"`
	MaxMemoryBytes int64 `json:"max_memory_bytes"`
}

type entry struct {
	url            string
	key            string
	resource       *Resource
	sizeBytes      int64
	state          LoadState
	err            error
	insertedAt     time.Time
	lastAccessedAt time.Time
	elem           *list.Element
}

// Cache 持有全部条目；一把互斥锁保护 entries、请求队列与 pending/inflight 集合，
// 抓取与解码都在锁外进行。
type Cache struct {
	store     cache.Store
	writer    cache.Writer
	transport transport.Transport
	decoder   Decoder
	logger    *logrus.Logger
	metrics   *metrics.Metrics
	onChange  StateChangeFunc
	now       func() time.Time

	mu          sync.Mutex
	entries     map[string]*entry
	lru         *list.List // front = 最久未访问
	queue       []string
	pending     map[string]struct{}
	inflight    map[string]chan struct{}
	memoryBytes int64
	maxBytes    int64
	closed      bool
}

// New 构造图片缓存。Transport 为必填项。
func New(opts Options) (*Cache, error) {
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if opts.Decoder == nil {
		opts.Decoder = DefaultDecoder{}
	}
	if opts.MaxMemoryBytes <= 0 {
		opts.MaxMemoryBytes = DefaultMaxMemoryBytes
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Cache{
		store:     opts.Store,
		writer:    cache.NewWriter(opts.Store),
		transport: opts.Transport,
		decoder:   opts.Decoder,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		onChange:  opts.OnStateChange,
		now:       opts.Now,
		entries:   make(map[string]*entry),
		lru:       list.New(),
		pending:   make(map[string]struct{}),
		inflight:  make(map[string]chan struct{}),
		maxBytes:  opts.MaxMemoryBytes,
	}, nil
}

// GetCached 只查内存；命中时刷新访问时间，永远不会触发加载。
func (c *Cache) GetCached(url string) *Resource {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[url]
	if !ok || e.state != StateLoaded {
		c.metrics.ImageLookup(false)
		return nil
	}
	c.touchLocked(e)
	c.metrics.ImageLookup(true)
	return e.resource
}

// RequestImage 把 url 排入加载队列。已加载、已排队或正在加载时为空操作；
// Failed 条目会被重新排队。
func (c *Cache) RequestImage(url string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if e, ok := c.entries[url]; ok && (e.state == StateLoaded || e.state == StateLoading) {
		c.mu.Unlock()
		return
	}
	if _, ok := c.pending[url]; ok {
		c.mu.Unlock()
		return
	}
	if _, ok := c.inflight[url]; ok {
		c.mu.Unlock()
		return
	}

	now := c.now()
	e, ok := c.entries[url]
	if !ok {
		e = &entry{url: url, key: cache.FileName(url)}
		e.elem = c.lru.PushBack(e)
		c.entries[url] = e
	} else {
		c.lru.MoveToBack(e.elem)
	}
	e.state = StateLoading
	e.insertedAt = now
	e.lastAccessedAt = now

	c.queue = append(c.queue, url)
	c.pending[url] = struct{}{}
	c.updateGaugesLocked()
	c.mu.Unlock()

	c.notify(url, StateLoading)
}

// ProcessOne 取出队首请求并同步加载；队列为空时返回 false。
func (c *Cache) ProcessOne(ctx context.Context) bool {
	c.mu.Lock()
	if c.closed || len(c.queue) == 0 {
		c.mu.Unlock()
		return false
	}
	url := c.queue[0]
	c.queue[0] = ""
	c.queue = c.queue[1:]
	delete(c.pending, url)
	c.mu.Unlock()

	if _, err := c.LoadSync(ctx, url); err != nil && !errors.Is(err, ErrClosed) {
		c.logger.WithFields(logging.ImageFields("image_load_failed", url, cache.FileName(url), "")).
			WithError(err).Debug("image load failed")
	}
	return true
}

// LoadSync 依次尝试内存、磁盘、网络。同一 url 同时只有一个加载在执行，
// 其余调用者等待它结束后读取结果。
func (c *Cache) LoadSync(ctx context.Context, url string) (*Resource, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		if e, ok := c.entries[url]; ok && e.state == StateLoaded {
			c.touchLocked(e)
			res := e.resource
			c.mu.Unlock()
			c.metrics.ImageLoaded("memory", "ok")
			return res, nil
		}
		done, busy := c.inflight[url]
		if !busy {
			done = make(chan struct{})
			c.inflight[url] = done
			c.mu.Unlock()
			return c.load(ctx, url, done)
		}
		c.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		c.mu.Lock()
		e, ok := c.entries[url]
		if ok && e.state == StateFailed {
			cause := e.err
			c.mu.Unlock()
			if cause == nil {
				return nil, fmt.Errorf("%w: %s", ErrLoadFailed, url)
			}
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadFailed, url, cause)
		}
		c.mu.Unlock()
	}
}

func (c *Cache) load(ctx context.Context, url string, done chan struct{}) (*Resource, error) {
	defer func() {
		c.mu.Lock()
		delete(c.inflight, url)
		c.mu.Unlock()
		close(done)
	}()

	key := cache.FileName(url)
	img, source, err := c.fetch(ctx, url, key)
	if err != nil {
		c.fail(url, key, source, err)
		return nil, err
	}

	res := newResource(url, img)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		res.release()
		return nil, ErrClosed
	}
	now := c.now()
	e, ok := c.entries[url]
	if !ok {
		e = &entry{url: url, key: key, insertedAt: now}
		e.elem = c.lru.PushBack(e)
		c.entries[url] = e
	}
	e.resource = res
	e.sizeBytes = res.SizeBytes()
	e.state = StateLoaded
	e.err = nil
	e.lastAccessedAt = now
	c.lru.MoveToBack(e.elem)
	c.memoryBytes += e.sizeBytes
	evicted := c.evictLocked()
	c.updateGaugesLocked()
	c.mu.Unlock()

	c.metrics.ImageLoaded(source, "ok")
	c.logger.WithFields(logging.ImageFields("image_loaded", url, key, source)).
		WithField("size_bytes", res.SizeBytes()).Debug("image loaded")
	for _, ev := range evicted {
		c.logger.WithFields(logging.ImageFields("image_evict", ev.url, ev.key, "memory")).
			WithField("size_bytes", ev.sizeBytes).Debug("image evicted")
	}
	c.notify(url, StateLoaded)
	return res, nil
}

// fetch 先读磁盘缓存，未命中或文件损坏时走网络，并尽力回写磁盘。
func (c *Cache) fetch(ctx context.Context, url, key string) (image.Image, string, error) {
	if img, ok := c.fromDisk(ctx, url, key); ok {
		return img, "disk", nil
	}

	data, err := c.transport.FetchBytes(ctx, url)
	if err != nil {
		return nil, "network", err
	}
	if len(data) == 0 {
		return nil, "network", ErrEmptyResponse
	}

	if c.writer.Enabled() {
		if _, werr := c.writer.PutBytes(ctx, url, data); werr != nil {
			c.metrics.ImageDiskWriteFailed()
			c.logger.WithFields(logging.ImageFields("image_cache_persist", url, key, "network")).
				WithError(werr).Warn("image disk cache write failed")
		}
	}

	img, err := c.decoder.Decode(data)
	if err != nil {
		return nil, "network", err
	}
	return img, "network", nil
}

func (c *Cache) fromDisk(ctx context.Context, url, key string) (image.Image, bool) {
	if c.store == nil {
		return nil, false
	}
	result, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			c.logger.WithFields(logging.ImageFields("image_cache_read", url, key, "disk")).
				WithError(err).Warn("image disk cache read failed")
		}
		return nil, false
	}
	data, err := io.ReadAll(result.Reader)
	result.Reader.Close()
	if err == nil && len(data) == 0 {
		err = ErrEmptyResponse
	}
	if err == nil {
		img, decErr := c.decoder.Decode(data)
		if decErr == nil {
			return img, true
		}
		err = decErr
	}
	// 损坏的缓存文件直接删除，随后走网络重新获取。
	c.logger.WithFields(logging.ImageFields("image_cache_corrupt", url, key, "disk")).
		WithError(err).Warn("discarding unreadable disk cache entry")
	_ = c.store.Remove(ctx, key)
	return nil, false
}

func (c *Cache) fail(url, key, source string, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	e, ok := c.entries[url]
	if !ok {
		now := c.now()
		e = &entry{url: url, key: key, insertedAt: now, lastAccessedAt: now}
		e.elem = c.lru.PushBack(e)
		c.entries[url] = e
	}
	if e.resource != nil {
		c.memoryBytes -= e.sizeBytes
		e.resource.release()
		e.resource = nil
	}
	e.sizeBytes = 0
	e.state = StateFailed
	e.err = err
	c.updateGaugesLocked()
	c.mu.Unlock()

	c.metrics.ImageLoaded(source, "error")
	c.logger.WithFields(logging.ImageFields("image_load_failed", url, key, source)).
		WithError(err).Warn("image load failed")
	c.notify(url, StateFailed)
}

// LoadState 返回 url 的状态；没有条目时为 StateIdle。
func (c *Cache) LoadState(url string) LoadState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[url]; ok {
		return e.state
	}
	return StateIdle
}

// SetMaxMemoryBytes 调整内存上限并立即执行淘汰。
func (c *Cache) SetMaxMemoryBytes(n int64) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.maxBytes = n
	evicted := c.evictLocked()
	c.updateGaugesLocked()
	c.mu.Unlock()

	for _, ev := range evicted {
		c.logger.WithFields(logging.ImageFields("image_evict", ev.url, ev.key, "memory")).
			WithField("size_bytes", ev.sizeBytes).Debug("image evicted")
	}
}

func (c *Cache) MaxMemoryBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxBytes
}

// MemoryBytes 返回当前已加载图片的估算内存占用。
func (c *Cache) MemoryBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memoryBytes
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// HasQueuedLoads 报告请求队列中是否还有待处理的 url。
func (c *Cache) HasQueuedLoads() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue) > 0
}

// ClearMemory 释放所有非 Loading 条目，正在加载的条目保留。
func (c *Cache) ClearMemory() {
	c.mu.Lock()
	for elem := c.lru.Front(); elem != nil; {
		next := elem.Next()
		e := elem.Value.(*entry)
		if e.state != StateLoading {
			c.removeLocked(e)
		}
		elem = next
	}
	c.updateGaugesLocked()
	c.mu.Unlock()
}

// ClearDisk 删除磁盘缓存中的全部文件。
func (c *Cache) ClearDisk(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear image disk cache: %w", err)
	}
	return nil
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		Entries:        len(c.entries),
		Queued:         len(c.queue),
		MemoryBytes:    c.memoryBytes,
		MaxMemoryBytes: c.maxBytes,
	}
	for _, e := range c.entries {
		switch e.state {
		case StateLoading:
			stats.Loading++
		case StateLoaded:
			stats.Loaded++
		case StateFailed:
			stats.Failed++
		}
	}
	return stats
}

// Close 释放全部资源并清空所有集合，可重复调用。
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if e.resource != nil {
			e.resource.release()
		}
	}
	c.entries = make(map[string]*entry)
	c.lru.Init()
	c.queue = nil
	c.pending = make(map[string]struct{})
	c.memoryBytes = 0
	c.closed = true
	c.updateGaugesLocked()
}

func (c *Cache) touchLocked(e *entry) {
	e.lastAccessedAt = c.now()
	c.lru.MoveToBack(e.elem)
}

// evictLocked 从最久未访问的一端开始淘汰，跳过 Loading 条目；
// 只剩 Loading 条目时允许暂时超出上限。
func (c *Cache) evictLocked() []*entry {
	var evicted []*entry
	elem := c.lru.Front()
	for c.memoryBytes > c.maxBytes && elem != nil {
		next := elem.Next()
		e := elem.Value.(*entry)
		if e.state != StateLoading {
			c.removeLocked(e)
			evicted = append(evicted, e)
			c.metrics.ImageEvicted()
		}
		elem = next
	}
	return evicted
}

func (c *Cache) removeLocked(e *entry) {
	if e.resource != nil {
		e.resource.release()
		e.resource = nil
	}
	c.memoryBytes -= e.sizeBytes
	c.lru.Remove(e.elem)
	delete(c.entries, e.url)
}

func (c *Cache) updateGaugesLocked() {
	c.metrics.SetImageCache(c.memoryBytes, len(c.entries))
}

func (c *Cache) notify(url string, state LoadState) {
	if c.onChange != nil {
		c.onChange(url, state)
	}
}
