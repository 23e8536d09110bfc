package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.MaxConcurrentDownloads != 2 {
		t.Fatalf("MaxConcurrentDownloads 应被解析，得到 %d", cfg.Global.MaxConcurrentDownloads)
	}
	if cfg.Global.TickInterval.DurationValue() != 20*time.Millisecond {
		t.Fatalf("TickInterval 应解析为 20ms，得到 %s", cfg.Global.TickInterval.DurationValue())
	}
	if cfg.Global.RequestTimeout.DurationValue() != 15*time.Second {
		t.Fatalf("纯数字 Duration 应按秒解析，得到 %s", cfg.Global.RequestTimeout.DurationValue())
	}
	if cfg.Global.CatalogRefreshInterval.DurationValue() != time.Hour {
		t.Fatalf("CatalogRefreshInterval 应该自动填充默认值")
	}
	if !filepath.IsAbs(cfg.Global.DownloadDir) || filepath.Base(cfg.Global.DownloadDir) != "downloads" {
		t.Fatalf("DownloadDir 应默认挂在 DataDir 下并转为绝对路径，得到 %s", cfg.Global.DownloadDir)
	}
	if filepath.Base(cfg.Global.ImageCacheDir) != "images" {
		t.Fatalf("ImageCacheDir 默认值错误: %s", cfg.Global.ImageCacheDir)
	}
	if cfg.Global.UserAgent == "" {
		t.Fatalf("UserAgent 应该自动填充默认值")
	}
	if len(cfg.Sources) != 2 {
		t.Fatalf("应解析两个 Source，得到 %d", len(cfg.Sources))
	}
	if cfg.Sources[0].URL != "https://store.example.com" {
		t.Fatalf("Source URL 末尾斜杠应被去除，得到 %s", cfg.Sources[0].URL)
	}
	if cfg.Sources[1].Name != "mirror" {
		t.Fatalf("未填写 Name 时应回退为 ID，得到 %s", cfg.Sources[1].Name)
	}
	if cfg.EnabledSources() != 1 {
		t.Fatalf("仅一个 Source 启用，得到 %d", cfg.EnabledSources())
	}
}

func TestApplyDefaultsAddsOfficialSource(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	if cfg.Global.MaxMemoryCacheBytes != DefaultMaxMemoryCacheBytes {
		t.Fatalf("MaxMemoryCacheBytes 默认应为 50MiB，得到 %d", cfg.Global.MaxMemoryCacheBytes)
	}
	if cfg.Global.MaxConcurrentDownloads != 1 {
		t.Fatalf("MaxConcurrentDownloads 默认应为 1")
	}
	if len(cfg.Sources) != 1 || cfg.Sources[0].ID != defaultSourceID {
		t.Fatalf("未配置 Source 时应注入默认源，得到 %+v", cfg.Sources)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("默认配置应通过校验: %v", err)
	}
}

func TestValidateRejectsBadSource(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
}

func TestValidateEnforcesDiagnosticsPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.DiagnosticsPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("DiagnosticsPort 超出范围应当报错")
	}
}

func TestValidateFields(t *testing.T) {
	testCases := []struct {
		name      string
		mutate    func(*Config)
		shouldErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"zero concurrency", func(c *Config) { c.Global.MaxConcurrentDownloads = 0 }, true},
		{"negative memory", func(c *Config) { c.Global.MaxMemoryCacheBytes = -1 }, true},
		{"negative retries", func(c *Config) { c.Global.MaxRetries = -1 }, true},
		{"bad log level", func(c *Config) { c.Global.LogLevel = "loud" }, true},
		{"duplicate source", func(c *Config) { c.Sources = append(c.Sources, c.Sources[0]) }, true},
		{"ftp source", func(c *Config) { c.Sources[0].URL = "ftp://store.example.com" }, true},
		{"source without host", func(c *Config) { c.Sources[0].URL = "https://" }, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestFieldErrorsWrapErrInvalid(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ImageLoadsPerTick = 0
	err := cfg.Validate()
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("字段错误应可识别为 ErrInvalid: %v", err)
	}
	var fe FieldError
	if !errors.As(err, &fe) || fe.Field != "Global.ImageLoadsPerTick" {
		t.Fatalf("unexpected field error: %v", err)
	}

	if _, err := Load(testConfigPath(t, "does-not-exist.toml")); errors.Is(err, ErrInvalid) {
		t.Fatalf("读取失败不应归为 ErrInvalid")
	}
}

func TestSourceIDs(t *testing.T) {
	ids := SourceIDs([]SourceConfig{{ID: "a"}, {ID: "b", Disabled: true}})
	if len(ids) != 2 || ids[0] != "a:enabled" || ids[1] != "b:disabled" {
		t.Fatalf("unexpected source summary: %v", ids)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			LogLevel:               "info",
			DataDir:                "./data",
			MaxConcurrentDownloads: 1,
			MaxMemoryCacheBytes:    1024,
			ImageLoadsPerTick:      1,
			TickInterval:           Duration(time.Millisecond),
			RequestTimeout:         Duration(time.Second),
			CatalogRefreshInterval: Duration(time.Minute),
		},
		Sources: []SourceConfig{
			{
				ID:  "main",
				URL: "https://store.example.com",
			},
		},
	}
}
