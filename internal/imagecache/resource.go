package imagecache

import (
	"image"
	"sync"
)

// LoadState 描述单个 URL 的加载状态机：Idle → Loading → Loaded | Failed。
type LoadState int

const (
	StateIdle LoadState = iota
	StateLoading
	StateLoaded
	StateFailed
)

func (s LoadState) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Resource 是缓存拥有的已解码图片。调用方只借用它：
// 淘汰、ClearMemory 或 Close 之后 Valid 返回 false，Image 返回 nil。
type Resource struct {
	url       string
	width     int
	height    int
	sizeBytes int64

	mu    sync.RWMutex
	img   image.Image
	valid bool
}

func newResource(url string, img image.Image) *Resource {
	bounds := img.Bounds()
	return &Resource{
		url:       url,
		width:     bounds.Dx(),
		height:    bounds.Dy(),
		sizeBytes: footprint(bounds),
		img:       img,
		valid:     true,
	}
}

// footprint 按 RGBA 每像素 4 字节估算解码后的内存占用。
func footprint(bounds image.Rectangle) int64 {
	return int64(bounds.Dx()) * int64(bounds.Dy()) * 4
}

func (r *Resource) URL() string { return r.url }
func (r *Resource) Width() int { return r.width }
func (r *Resource) Height() int { return r.height }
func (r *Resource) SizeBytes() int64 { return r.sizeBytes }

// Valid 报告资源是否仍由缓存持有。
func (r *Resource) Valid() bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.valid
}

// Image 返回解码结果；资源失效后返回 nil。
func (r *Resource) Image() image.Image {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.img
}

func (r *Resource) release() {
	r.mu.Lock()
	r.img = nil
	r.valid = false
	r.mu.Unlock()
}
