// Package transport 提供商店客户端唯一的网络原语：整块抓取与带进度的流式下载。
// 下载队列与图片缓存只依赖 Transport 接口，测试中可替换为假实现。
package transport

import (
	"context"
	"errors"
	"fmt"
)

// ProgressFunc 在每个数据块写入后回调，total 为 0 表示长度未知。
type ProgressFunc func(downloaded, total int64)

// Transport 是下载队列与图片缓存消费的网络契约。
type Transport interface {
	FetchBytes(ctx context.Context, url string) ([]byte, error)
	DownloadToFile(ctx context.Context, url, path string, onProgress ProgressFunc) error
}

// ErrStatus 匹配所有非 2xx 响应。
var ErrStatus = errors.New("unexpected status")

// StatusError 携带上游返回的状态码。
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d", e.URL, e.Code)
}

// Is 让 errors.Is(err, ErrStatus) 成立。
func (e *StatusError) Is(target error) bool {
	return target == ErrStatus
}
