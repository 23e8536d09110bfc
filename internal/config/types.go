package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// DefaultMaxMemoryCacheBytes 是图片内存缓存的默认上限（50 MiB）。
const DefaultMaxMemoryCacheBytes int64 = 50 * 1024 * 1024

// GlobalConfig 描述全局运行时行为：目录布局、下载并发、图片缓存与网络参数。
type GlobalConfig struct {
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	DataDir       string `mapstructure:"DataDir"`
	DownloadDir   string `mapstructure:"DownloadDir"`
	ImageCacheDir string `mapstructure:"ImageCacheDir"`
	InstallDir    string `mapstructure:"InstallDir"`

	MaxConcurrentDownloads int      `mapstructure:"MaxConcurrentDownloads"`
	MaxMemoryCacheBytes    int64    `mapstructure:"MaxMemoryCacheBytes"`
	ImageLoadsPerTick      int      `mapstructure:"ImageLoadsPerTick"`
	TickInterval           Duration `mapstructure:"TickInterval"`

	RequestTimeout    Duration `mapstructure:"RequestTimeout"`
	MaxRetries        int      `mapstructure:"MaxRetries"`
	RequestsPerSecond float64  `mapstructure:"RequestsPerSecond"`
	UserAgent         string   `mapstructure:"UserAgent"`

	DiagnosticsPort        int      `mapstructure:"DiagnosticsPort"`
	CatalogRefreshInterval Duration `mapstructure:"CatalogRefreshInterval"`
}

// SourceConfig 描述一个商店目录源（仓库），Priority 越大越先被刷新。
// 未显式写 Disabled = true 的源默认启用。
type SourceConfig struct {
	ID       string `mapstructure:"ID"`
	Name     string `mapstructure:"Name"`
	URL      string `mapstructure:"URL"`
	Disabled bool   `mapstructure:"Disabled"`
	Priority int    `mapstructure:"Priority"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig   `mapstructure:",squash"`
	Sources []SourceConfig `mapstructure:"Source"`
}

// EnabledSources 返回启用中的源数量，供启动日志使用。
func (c *Config) EnabledSources() int {
	if c == nil {
		return 0
	}
	count := 0
	for _, src := range c.Sources {
		if !src.Disabled {
			count++
		}
	}
	return count
}

// SourceIDs 返回所有源的 ID 摘要，例如 main:enabled。
func SourceIDs(sources []SourceConfig) []string {
	if len(sources) == 0 {
		return nil
	}
	result := make([]string, len(sources))
	for i, src := range sources {
		state := "enabled"
		if src.Disabled {
			state = "disabled"
		}
		result[i] = fmt.Sprintf("%s:%s", src.ID, state)
	}
	return result
}
