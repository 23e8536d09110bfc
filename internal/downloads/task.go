package downloads

import (
	"fmt"
	"time"

	"github.com/nxstore/storefront/internal/units"
)

// Status 是下载任务的生命周期状态。
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// AllStatuses 按生命周期顺序列出全部状态，供指标与诊断输出使用。
var AllStatuses = []Status{
	StatusQueued,
	StatusDownloading,
	StatusPaused,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// Terminal 报告状态是否不会再自动迁移。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task 是任务的只读快照；队列独占真实任务，外部只持有 ID。
type Task struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	URL             string    `json:"url"`
	Destination     string    `json:"destination"`
	Status          Status    `json:"status"`
	TotalBytes      int64     `json:"total_bytes"`
	DownloadedBytes int64     `json:"downloaded_bytes"`
	LastError       string    `json:"last_error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Progress 返回 0..1 的完成比例，总大小未知时为 0。
func (t Task) Progress() float64 {
	if t.TotalBytes <= 0 {
		return 0
	}
	p := float64(t.DownloadedBytes) / float64(t.TotalBytes)
	if p > 1 {
		return 1
	}
	return p
}

// ProgressString 形如 "45.2 MB / 100.0 MB"。
func (t Task) ProgressString() string {
	return fmt.Sprintf("%s / %s", units.FormatSize(t.DownloadedBytes), units.FormatSize(t.TotalBytes))
}
