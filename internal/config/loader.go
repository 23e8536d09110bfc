package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/nxstore/storefront/internal/version"
)

// 默认目录源：未配置任何 [[Source]] 时使用。
const (
	defaultSourceID  = "official"
	defaultSourceURL = "https://store.nxbrew.example"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := absolutizeDirs(&cfg.Global); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("DataDir", "./data")
	v.SetDefault("MaxConcurrentDownloads", 1)
	v.SetDefault("MaxMemoryCacheBytes", DefaultMaxMemoryCacheBytes)
	v.SetDefault("ImageLoadsPerTick", 1)
	v.SetDefault("TickInterval", "16ms")
	v.SetDefault("RequestTimeout", "30s")
	v.SetDefault("MaxRetries", 0)
	v.SetDefault("RequestsPerSecond", 0)
	v.SetDefault("DiagnosticsPort", 0)
	v.SetDefault("CatalogRefreshInterval", "1h")
}

// ApplyDefaults 补齐未填写的字段；目录默认挂在 DataDir 之下。
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	g := &cfg.Global
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
	if g.DataDir == "" {
		g.DataDir = "./data"
	}
	if g.DownloadDir == "" {
		g.DownloadDir = filepath.Join(g.DataDir, "downloads")
	}
	if g.ImageCacheDir == "" {
		g.ImageCacheDir = filepath.Join(g.DataDir, "images")
	}
	if g.InstallDir == "" {
		g.InstallDir = filepath.Join(g.DataDir, "switch")
	}
	if g.MaxConcurrentDownloads == 0 {
		g.MaxConcurrentDownloads = 1
	}
	if g.MaxMemoryCacheBytes == 0 {
		g.MaxMemoryCacheBytes = DefaultMaxMemoryCacheBytes
	}
	if g.ImageLoadsPerTick == 0 {
		g.ImageLoadsPerTick = 1
	}
	if g.TickInterval.DurationValue() == 0 {
		g.TickInterval = Duration(16 * time.Millisecond)
	}
	if g.RequestTimeout.DurationValue() == 0 {
		g.RequestTimeout = Duration(30 * time.Second)
	}
	if g.CatalogRefreshInterval.DurationValue() == 0 {
		g.CatalogRefreshInterval = Duration(time.Hour)
	}
	if g.UserAgent == "" {
		g.UserAgent = version.UserAgent()
	}

	if len(cfg.Sources) == 0 {
		cfg.Sources = []SourceConfig{{
			ID:       defaultSourceID,
			Name:     "Official",
			URL:      defaultSourceURL,
			Priority: 100,
		}}
	}
}

func absolutizeDirs(g *GlobalConfig) error {
	for _, dir := range []*string{&g.DataDir, &g.DownloadDir, &g.ImageCacheDir, &g.InstallDir} {
		abs, err := filepath.Abs(*dir)
		if err != nil {
			return fmt.Errorf("无法解析目录 %s: %w", *dir, err)
		}
		*dir = abs
	}
	return nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
