package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.SetDownloadTasks(map[string]int{"queued": 1}, []string{"queued"})
	m.AddDownloadBytes(10)
	m.DownloadFinished("completed")
	m.SetImageCache(1, 1)
	m.ImageLookup(true)
	m.ImageEvicted()
	m.ImageLoaded("network", "ok")
	m.ImageDiskWriteFailed()
}

func TestMetricsRecordValues(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetDownloadTasks(map[string]int{"queued": 2}, []string{"queued", "downloading"})
	m.AddDownloadBytes(512)
	m.ImageLookup(true)
	m.ImageLookup(false)
	m.ImageLookup(false)
	m.ImageEvicted()
	m.ImageDiskWriteFailed()

	if got := testutil.ToFloat64(m.DownloadTasks.WithLabelValues("queued")); got != 2 {
		t.Fatalf("queued gauge = %v", got)
	}
	if got := testutil.ToFloat64(m.DownloadTasks.WithLabelValues("downloading")); got != 0 {
		t.Fatalf("downloading gauge = %v", got)
	}
	if got := testutil.ToFloat64(m.DownloadBytes); got != 512 {
		t.Fatalf("download bytes = %v", got)
	}
	if got := testutil.ToFloat64(m.ImageRequests.WithLabelValues("miss")); got != 2 {
		t.Fatalf("image misses = %v", got)
	}
	if got := testutil.ToFloat64(m.ImageDiskWriteFail); got != 1 {
		t.Fatalf("disk write failures = %v", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, fam := range families {
		if fam.GetName() == "storefront_image_evictions_total" {
			found = true
		}
	}
	if !found {
		t.Fatalf("storefront_image_evictions_total not registered")
	}
}
