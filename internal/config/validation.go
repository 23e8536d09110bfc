package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动客户端。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别")
	}
	if g.DataDir == "" {
		return newFieldError("Global.DataDir", "不能为空")
	}
	if g.MaxConcurrentDownloads < 1 {
		return newFieldError("Global.MaxConcurrentDownloads", "必须大于等于 1")
	}
	if g.MaxMemoryCacheBytes <= 0 {
		return newFieldError("Global.MaxMemoryCacheBytes", "必须大于 0")
	}
	if g.ImageLoadsPerTick < 1 {
		return newFieldError("Global.ImageLoadsPerTick", "必须大于等于 1")
	}
	if g.TickInterval.DurationValue() <= 0 {
		return newFieldError("Global.TickInterval", "必须大于 0")
	}
	if g.RequestTimeout.DurationValue() <= 0 {
		return newFieldError("Global.RequestTimeout", "必须大于 0")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.RequestsPerSecond < 0 {
		return newFieldError("Global.RequestsPerSecond", "不能为负数")
	}
	if g.DiagnosticsPort < 0 || g.DiagnosticsPort > 65535 {
		return newFieldError("Global.DiagnosticsPort", "必须在 0-65535")
	}
	if g.CatalogRefreshInterval.DurationValue() <= 0 {
		return newFieldError("Global.CatalogRefreshInterval", "必须大于 0")
	}

	seen := map[string]struct{}{}
	for i := range c.Sources {
		src := &c.Sources[i]
		src.ID = strings.TrimSpace(src.ID)
		if src.ID == "" {
			return newFieldError("Source[].ID", "不能为空")
		}
		if _, exists := seen[src.ID]; exists {
			return newFieldError(sourceField(src.ID, "ID"), "重复")
		}
		seen[src.ID] = struct{}{}

		if err := validateSourceURL(src.URL); err != nil {
			return fmt.Errorf("%s: %w: %w", sourceField(src.ID, "URL"), ErrInvalid, err)
		}
		src.URL = strings.TrimRight(src.URL, "/")
		if src.Name == "" {
			src.Name = src.ID
		}
	}

	return nil
}

func validateSourceURL(raw string) error {
	if raw == "" {
		return errors.New("缺少源地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源缺少 Host: %s", raw)
	}
	return nil
}
