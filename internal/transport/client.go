package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/nxstore/storefront/internal/config"
	"github.com/nxstore/storefront/internal/version"
)

const copyChunkSize = 32 * 1024

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// Options 控制 Client 的超时、重试、限速与 User-Agent。
type Options struct {
	// Timeout 限制 FetchBytes 整体耗时，以及下载时等待响应头的时间。
	Timeout           time.Duration
	MaxRetries        int
	RequestsPerSecond float64
	UserAgent         string
	Logger            *logrus.Logger
}

// OptionsFromConfig 从全局配置提取网络参数。
func OptionsFromConfig(cfg *config.Config, logger *logrus.Logger) Options {
	opts := Options{Logger: logger}
	if cfg == nil {
		return opts
	}
	opts.Timeout = cfg.Global.RequestTimeout.DurationValue()
	opts.MaxRetries = cfg.Global.MaxRetries
	opts.RequestsPerSecond = cfg.Global.RequestsPerSecond
	opts.UserAgent = cfg.Global.UserAgent
	return opts
}

// Client 基于 retryablehttp 实现 Transport，所有请求共享同一个连接池。
type Client struct {
	http      *retryablehttp.Client
	limiter   *rate.Limiter
	timeout   time.Duration
	userAgent string
}

var _ Transport = (*Client)(nil)

// New 构造 Client；未设置的字段使用 30s 超时、不重试、不限速。
func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}

	tr := defaultTransport.Clone()
	tr.ResponseHeaderTimeout = timeout

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Transport: tr}
	retryClient.RetryMax = opts.MaxRetries
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	// 保留最后一次响应，由 checkStatus 统一转换成 StatusError。
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retryClient.Logger = nil
	if opts.Logger != nil {
		retryClient.Logger = leveledLogger{entry: opts.Logger.WithField("component", "transport")}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return &Client{
		http:      retryClient,
		limiter:   limiter,
		timeout:   timeout,
		userAgent: userAgent,
	}
}

// HTTPClient 暴露底层 *http.Client（带重试），供目录客户端复用连接池。
func (c *Client) HTTPClient() *http.Client {
	return c.http.StandardClient()
}

// UserAgent 返回请求使用的 User-Agent。
func (c *Client) UserAgent() string {
	return c.userAgent
}

// FetchBytes 读取完整响应体，非 2xx 返回 *StatusError。
func (c *Client) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.do(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	return data, nil
}

// DownloadToFile 以 32 KiB 分块把响应写入 path（创建或截断），
// 每块写入后回调 onProgress。失败时保留部分文件，由调用方负责清理。
func (c *Client) DownloadToFile(ctx context.Context, url, path string, onProgress ProgressFunc) error {
	resp, err := c.do(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}

	total := resp.ContentLength
	if total < 0 {
		total = 0
	}
	_, copyErr := copyWithProgress(ctx, f, resp.Body, total, onProgress)
	closeErr := f.Close()
	if copyErr != nil {
		return copyErr
	}
	if closeErr != nil {
		return fmt.Errorf("close destination: %w", closeErr)
	}
	return nil
}

func (c *Client) do(ctx context.Context, url string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("request %s: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, URL: url}
	}
	return resp, nil
}

func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, total int64, onProgress ProgressFunc) (int64, error) {
	var written int64
	buf := make([]byte, copyChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			w, err := dst.Write(buf[:n])
			written += int64(w)
			if err != nil {
				return written, fmt.Errorf("write destination: %w", err)
			}
			if w < n {
				return written, io.ErrShortWrite
			}
			if onProgress != nil {
				onProgress(written, total)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return written, nil
			}
			if err := ctx.Err(); err != nil {
				return written, err
			}
			return written, fmt.Errorf("read body: %w", readErr)
		}
	}
}

// leveledLogger 把 retryablehttp 的键值日志转成 logrus 字段。
type leveledLogger struct {
	entry *logrus.Entry
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.with(kv).Error(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.with(kv).Debug(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.with(kv).Debug(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.with(kv).Warn(msg) }

func (l leveledLogger) with(kv []interface{}) *logrus.Entry {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields[key] = kv[i+1]
	}
	return l.entry.WithFields(fields)
}
