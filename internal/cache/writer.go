package cache

import (
	"bytes"
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable 表示未注入磁盘缓存实例（磁盘缓存被禁用）。
var ErrStoreUnavailable = errors.New("cache store unavailable")

// Writer 把整块字节写入磁盘缓存；Store 为 nil 时所有写入都返回 ErrStoreUnavailable。
type Writer struct {
	store Store
	now   func() time.Time
}

// NewWriter 构造写入器，默认使用 time.Now 作为文件时间戳。
func NewWriter(store Store) Writer {
	return Writer{
		store: store,
		now:   time.Now,
	}
}

// Enabled 返回当前是否具备缓存写入能力。
func (w Writer) Enabled() bool {
	return w.store != nil
}

// PutBytes 写入 url 对应的缓存文件并返回 Entry。
func (w Writer) PutBytes(ctx context.Context, url string, data []byte) (*Entry, error) {
	if w.store == nil {
		return nil, ErrStoreUnavailable
	}
	return w.store.Put(ctx, FileName(url), bytes.NewReader(data), PutOptions{ModTime: w.now().UTC()})
}
