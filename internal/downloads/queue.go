// Package downloads 实现安装包下载队列：FIFO 调度、并发上限、暂停/恢复/取消。
//
// 传输在独立 goroutine 中执行，进度与结束事件投递到邮箱；
// 只有 Tick 会把事件应用到任务上并触发回调，因此所有状态变化与回调
// 都发生在调用 Tick 的驱动循环里。
package downloads

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nxstore/storefront/internal/logging"
	"github.com/nxstore/storefront/internal/metrics"
	"github.com/nxstore/storefront/internal/transport"
)

// ErrTaskNotFound 表示任务 ID 不存在。
var ErrTaskNotFound = errors.New("download task not found")

const genericFailure = "download failed"

// Options 描述队列依赖。Transport 与 DownloadDir 为必填项。
type Options struct {
	Transport     transport.Transport
	DownloadDir   string
	MaxConcurrent int
	Logger        *logrus.Logger
	Metrics       *metrics.Metrics
	// OnProgress 在每次应用进度事件后回调。
	OnProgress func(Task)
	// OnComplete 在每次传输尝试结束（任务离开 Downloading）时回调一次，
	// 仅当任务进入 Completed 时 success 为 true。
	OnComplete func(task Task, success bool)
	NewID      func() string
}

type task struct {
	Task

	attempt  uint64
	inflight bool
	cancel   context.CancelFunc
}

type eventKind int

const (
	eventProgress eventKind = iota
	eventDone
)

type event struct {
	kind       eventKind
	id         string
	attempt    uint64
	downloaded int64
	total      int64
	err        error
}

// Queue 独占全部任务。
type Queue struct {
	transport  transport.Transport
	dir        string
	logger     *logrus.Logger
	metrics    *metrics.Metrics
	onProgress func(Task)
	onComplete func(Task, bool)
	newID      func() string

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu            sync.Mutex
	tasks         []*task
	byID          map[string]*task
	maxConcurrent int
	running       int

	mailMu  sync.Mutex
	mailbox []event
}

// New 创建下载目录并返回空队列。
func New(opts Options) (*Queue, error) {
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if opts.DownloadDir == "" {
		return nil, errors.New("download dir is required")
	}
	if err := os.MkdirAll(opts.DownloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return "dl_" + uuid.NewString() }
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		transport:     opts.Transport,
		dir:           opts.DownloadDir,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		onProgress:    opts.OnProgress,
		onComplete:    opts.OnComplete,
		newID:         opts.NewID,
		baseCtx:       ctx,
		baseCancel:    cancel,
		byID:          make(map[string]*task),
		maxConcurrent: opts.MaxConcurrent,
	}, nil
}

// Enqueue 追加一个 Queued 任务并返回 ID。不会按 URL 去重，也不校验 URL。
func (q *Queue) Enqueue(name, url, fileName string) string {
	id := q.newID()
	if fileName == "" {
		fileName = id
	}
	dest, err := securejoin.SecureJoin(q.dir, fileName)
	if err != nil || dest == filepath.Clean(q.dir) {
		dest = filepath.Join(q.dir, id)
	}

	t := &task{Task: Task{
		ID:          id,
		Name:        name,
		URL:         url,
		Destination: dest,
		Status:      StatusQueued,
		CreatedAt:   time.Now(),
	}}

	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	q.byID[id] = t
	q.updateGaugesLocked()
	q.mu.Unlock()

	q.logger.WithFields(logging.TaskFields("download_enqueue", id, name, url)).
		WithField("destination", dest).Info("download queued")
	return id
}

// Remove 把任务标记为 Cancelled；正在下载时同时请求取消传输。
// 真正移除任务并删除部分文件发生在下一次 Tick。
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byID[id]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status == StatusDownloading && t.cancel != nil {
		t.cancel()
	}
	t.Status = StatusCancelled
	q.updateGaugesLocked()
	return nil
}

// Pause 暂停 Downloading 或 Queued 任务；下载中的传输会被取消，恢复后从 0 字节重新开始。
func (q *Queue) Pause(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byID[id]
	if !ok {
		return ErrTaskNotFound
	}
	q.pauseLocked(t)
	q.updateGaugesLocked()
	return nil
}

// Resume 把 Paused 任务放回 Queued。
func (q *Queue) Resume(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byID[id]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status == StatusPaused {
		t.Status = StatusQueued
	}
	q.updateGaugesLocked()
	return nil
}

// PauseAll 暂停全部 Downloading 与 Queued 任务。
func (q *Queue) PauseAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		q.pauseLocked(t)
	}
	q.updateGaugesLocked()
}

// ResumeAll 把全部 Paused 任务放回 Queued。
func (q *Queue) ResumeAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.Status == StatusPaused {
			t.Status = StatusQueued
		}
	}
	q.updateGaugesLocked()
}

// ClearCompleted 移除 Completed 与 Cancelled 任务，Failed 任务保留。
// 仍在收尾的已取消传输留给 Tick 清理。
func (q *Queue) ClearCompleted() {
	q.mu.Lock()
	var cancelled []*task
	kept := q.tasks[:0]
	for _, t := range q.tasks {
		switch {
		case t.Status == StatusCompleted:
			delete(q.byID, t.ID)
		case t.Status == StatusCancelled && !t.inflight:
			delete(q.byID, t.ID)
			cancelled = append(cancelled, t)
		default:
			kept = append(kept, t)
		}
	}
	clearTail(q.tasks, len(kept))
	q.tasks = kept
	q.updateGaugesLocked()
	q.mu.Unlock()

	for _, t := range cancelled {
		q.removePartial(t.Task)
	}
}

// Tick 由驱动循环每帧调用一次：
// 先应用邮箱中的进度/结束事件，再清理已取消任务，最后按 FIFO 启动新传输。
func (q *Queue) Tick(ctx context.Context) {
	events := q.drainMailbox()

	q.mu.Lock()
	var fire []func()
	for _, ev := range events {
		if cb := q.applyLocked(ev); cb != nil {
			fire = append(fire, cb)
		}
	}

	var swept []*task
	kept := q.tasks[:0]
	for _, t := range q.tasks {
		if t.Status == StatusCancelled && !t.inflight {
			delete(q.byID, t.ID)
			swept = append(swept, t)
			continue
		}
		kept = append(kept, t)
	}
	clearTail(q.tasks, len(kept))
	q.tasks = kept

	if ctx.Err() == nil && q.baseCtx.Err() == nil {
		for q.running < q.maxConcurrent {
			next := q.firstQueuedLocked()
			if next == nil || next.inflight {
				// 队首任务的上一次尝试仍在收尾时不越过它，保持严格 FIFO。
				break
			}
			q.startLocked(next)
		}
	}
	q.updateGaugesLocked()
	q.mu.Unlock()

	for _, t := range swept {
		q.removePartial(t.Task)
		q.logger.WithFields(logging.TaskFields("download_removed", t.ID, t.Name, t.URL)).Info("download removed")
	}
	for _, cb := range fire {
		cb()
	}
}

func (q *Queue) applyLocked(ev event) func() {
	t, ok := q.byID[ev.id]
	if ev.kind == eventDone {
		q.running--
	}
	if !ok || t.attempt != ev.attempt {
		return nil
	}

	switch ev.kind {
	case eventProgress:
		if t.Status != StatusDownloading {
			return nil
		}
		if ev.downloaded > t.DownloadedBytes {
			q.metrics.AddDownloadBytes(ev.downloaded - t.DownloadedBytes)
			t.DownloadedBytes = ev.downloaded
		}
		if ev.total > t.TotalBytes {
			t.TotalBytes = ev.total
		}
		if t.TotalBytes > 0 && t.TotalBytes < t.DownloadedBytes {
			t.TotalBytes = t.DownloadedBytes
		}
		snapshot := t.Task
		if q.onProgress == nil {
			return nil
		}
		return func() { q.onProgress(snapshot) }

	case eventDone:
		t.inflight = false
		t.cancel = nil
		fields := logging.TaskFields("download_finished", t.ID, t.Name, t.URL)
		if t.Status == StatusDownloading {
			if ev.err == nil {
				t.Status = StatusCompleted
				if t.TotalBytes < t.DownloadedBytes {
					t.TotalBytes = t.DownloadedBytes
				}
				t.DownloadedBytes = t.TotalBytes
				q.logger.WithFields(fields).WithField("bytes", t.TotalBytes).Info("download completed")
			} else {
				t.Status = StatusFailed
				t.LastError = ev.err.Error()
				if t.LastError == "" {
					t.LastError = genericFailure
				}
				fields["action"] = "download_failed"
				q.logger.WithFields(fields).WithError(ev.err).Warn("download failed")
			}
		} else {
			q.logger.WithFields(fields).WithField("status", t.Status).Info("download interrupted")
		}
		q.metrics.DownloadFinished(string(t.Status))

		snapshot := t.Task
		success := t.Status == StatusCompleted
		if q.onComplete == nil {
			return nil
		}
		return func() { q.onComplete(snapshot, success) }
	}
	return nil
}

func (q *Queue) startLocked(t *task) {
	ctx, cancel := context.WithCancel(q.baseCtx)
	t.attempt++
	t.Status = StatusDownloading
	t.DownloadedBytes = 0
	t.TotalBytes = 0
	t.LastError = ""
	t.cancel = cancel
	t.inflight = true
	q.running++

	id, attempt, url, dest := t.ID, t.attempt, t.URL, t.Destination
	q.logger.WithFields(logging.TaskFields("download_start", id, t.Name, url)).
		WithField("attempt", attempt).Info("download started")

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer cancel()
		err := q.transfer(ctx, id, attempt, url, dest)
		q.post(event{kind: eventDone, id: id, attempt: attempt, err: err})
	}()
}

func (q *Queue) transfer(ctx context.Context, id string, attempt uint64, url, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}
	return q.transport.DownloadToFile(ctx, url, dest, func(downloaded, total int64) {
		q.post(event{kind: eventProgress, id: id, attempt: attempt, downloaded: downloaded, total: total})
	})
}

// post 投递事件。每次进度更新单独入队，Tick 中逐条回调 OnProgress。
func (q *Queue) post(ev event) {
	q.mailMu.Lock()
	defer q.mailMu.Unlock()
	q.mailbox = append(q.mailbox, ev)
}

func (q *Queue) drainMailbox() []event {
	q.mailMu.Lock()
	defer q.mailMu.Unlock()
	events := q.mailbox
	q.mailbox = nil
	return events
}

func (q *Queue) pauseLocked(t *task) {
	switch t.Status {
	case StatusDownloading:
		if t.cancel != nil {
			t.cancel()
		}
		t.Status = StatusPaused
	case StatusQueued:
		t.Status = StatusPaused
	}
}

func (q *Queue) firstQueuedLocked() *task {
	for _, t := range q.tasks {
		if t.Status == StatusQueued {
			return t
		}
	}
	return nil
}

func (q *Queue) removePartial(t Task) {
	if err := os.Remove(t.Destination); err != nil && !errors.Is(err, fs.ErrNotExist) {
		q.logger.WithFields(logging.TaskFields("download_cleanup", t.ID, t.Name, t.URL)).
			WithError(err).Warn("remove partial file failed")
	}
}

// Get 返回任务快照。
func (q *Queue) Get(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.byID[id]
	if !ok {
		return Task{}, false
	}
	return t.Task, true
}

// List 按入队顺序返回全部任务快照。
func (q *Queue) List() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, len(q.tasks))
	for i, t := range q.tasks {
		out[i] = t.Task
	}
	return out
}

// HasActive 报告是否有任务处于 Downloading。
func (q *Queue) HasActive() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.Status == StatusDownloading {
			return true
		}
	}
	return false
}

func (q *Queue) QueuedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.tasks {
		if t.Status == StatusQueued {
			n++
		}
	}
	return n
}

// SetMaxConcurrent 调整并发上限，下一次 Tick 生效；小于 1 时按 1 处理。
func (q *Queue) SetMaxConcurrent(n int) {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	q.maxConcurrent = n
	q.mu.Unlock()
}

func (q *Queue) MaxConcurrent() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxConcurrent
}

// Shutdown 取消全部传输，等待 goroutine 退出并清空任务列表。可重复调用。
func (q *Queue) Shutdown() {
	q.baseCancel()
	q.wg.Wait()

	q.mu.Lock()
	q.tasks = nil
	q.byID = make(map[string]*task)
	q.running = 0
	q.updateGaugesLocked()
	q.mu.Unlock()

	q.drainMailbox()
}

func (q *Queue) updateGaugesLocked() {
	if q.metrics == nil {
		return
	}
	counts := make(map[string]int, len(AllStatuses))
	for _, t := range q.tasks {
		counts[string(t.Status)]++
	}
	statuses := make([]string, len(AllStatuses))
	for i, s := range AllStatuses {
		statuses[i] = string(s)
	}
	q.metrics.SetDownloadTasks(counts, statuses)
}

func clearTail(tasks []*task, from int) {
	for i := from; i < len(tasks); i++ {
		tasks[i] = nil
	}
}
