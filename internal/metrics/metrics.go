// Package metrics 汇总下载队列与图片缓存的 Prometheus 指标。
// 所有方法都允许 nil 接收者，未注入指标时子系统照常运行。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "storefront"

// Metrics holds all Prometheus collectors.
type Metrics struct {
	DownloadTasks      *prometheus.GaugeVec
	DownloadBytes      prometheus.Counter
	DownloadsFinished  *prometheus.CounterVec
	ImageCacheBytes    prometheus.Gauge
	ImageCacheEntries  prometheus.Gauge
	ImageRequests      *prometheus.CounterVec
	ImageEvictions     prometheus.Counter
	ImageLoads         *prometheus.CounterVec
	ImageDiskWriteFail prometheus.Counter
}

// New 在 reg 上注册全部指标；reg 为 nil 时使用独立的 Registry，避免污染全局默认注册表。
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		DownloadTasks: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "download_tasks",
			Help:      "Number of download tasks by status",
		}, []string{"status"}),
		DownloadBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Bytes received by package downloads",
		}),
		DownloadsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_finished_total",
			Help:      "Download attempts that left the downloading state",
		}, []string{"result"}),
		ImageCacheBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "image_cache_bytes",
			Help:      "Approximate decoded bytes held by the image cache",
		}),
		ImageCacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "image_cache_entries",
			Help:      "Entries tracked by the image cache",
		}),
		ImageRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_requests_total",
			Help:      "Memory lookups against the image cache",
		}, []string{"result"}),
		ImageEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_evictions_total",
			Help:      "Images evicted by the LRU policy",
		}),
		ImageLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_loads_total",
			Help:      "Image loads by source and result",
		}, []string{"source", "result"}),
		ImageDiskWriteFail: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_disk_write_failures_total",
			Help:      "Failed writes to the image disk cache",
		}),
	}
}

// SetDownloadTasks 覆盖各状态的任务数量；未出现的状态归零。
func (m *Metrics) SetDownloadTasks(counts map[string]int, statuses []string) {
	if m == nil {
		return
	}
	for _, status := range statuses {
		m.DownloadTasks.WithLabelValues(status).Set(float64(counts[status]))
	}
}

func (m *Metrics) AddDownloadBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.DownloadBytes.Add(float64(n))
}

func (m *Metrics) DownloadFinished(result string) {
	if m == nil {
		return
	}
	m.DownloadsFinished.WithLabelValues(result).Inc()
}

func (m *Metrics) SetImageCache(bytes int64, entries int) {
	if m == nil {
		return
	}
	m.ImageCacheBytes.Set(float64(bytes))
	m.ImageCacheEntries.Set(float64(entries))
}

func (m *Metrics) ImageLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.ImageRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) ImageEvicted() {
	if m == nil {
		return
	}
	m.ImageEvictions.Inc()
}

func (m *Metrics) ImageLoaded(source, result string) {
	if m == nil {
		return
	}
	m.ImageLoads.WithLabelValues(source, result).Inc()
}

func (m *Metrics) ImageDiskWriteFailed() {
	if m == nil {
		return
	}
	m.ImageDiskWriteFail.Inc()
}
