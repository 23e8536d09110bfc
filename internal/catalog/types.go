package catalog

import (
	"time"

	"github.com/nxstore/storefront/internal/config"
	"github.com/nxstore/storefront/internal/units"
)

// Entry 是目录中的一个可下载条目。
type Entry struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Developer      string   `json:"developer"`
	Description    string   `json:"description"`
	Category       string   `json:"category"`
	Version        string   `json:"version"`
	TitleID        string   `json:"titleId"`
	IconURL        string   `json:"iconUrl"`
	ScreenshotURLs []string `json:"screenshotUrls"`
	DownloadURL    string   `json:"downloadUrl"`
	FileSize       int64    `json:"fileSize"`
	Rating         float64  `json:"rating"`
	DownloadCount  int      `json:"downloadCount"`
	ReleaseDate    string   `json:"releaseDate"`
	Languages      []string `json:"languages"`
	SourceID       string   `json:"sourceId,omitempty"`
}

// FormattedSize 返回 "45.2 MB" 形式的文件大小。
func (e Entry) FormattedSize() string {
	return units.FormatSize(e.FileSize)
}

func (e Entry) score() float64 {
	return e.Rating*10 + float64(e.DownloadCount)/1000
}

// Source 是一个目录源（仓库），Priority 越大越先刷新。
type Source struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	Enabled     bool      `json:"enabled"`
	Priority    int       `json:"priority"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
}

// Category 是目录分类。
type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Icon string `json:"icon"`
}

// DefaultCategories 在服务端未下发分类时使用。
func DefaultCategories() []Category {
	return []Category{
		{ID: "games", Name: "Games", Icon: "game"},
		{ID: "homebrew", Name: "Homebrew", Icon: "app"},
		{ID: "emulators", Name: "Emulators", Icon: "gamepad"},
		{ID: "tools", Name: "Tools", Icon: "tool"},
		{ID: "themes", Name: "Themes", Icon: "palette"},
	}
}

// SourcesFromConfig 把配置中的 [[Source]] 转换为目录源。
func SourcesFromConfig(sources []config.SourceConfig) []Source {
	out := make([]Source, 0, len(sources))
	for _, src := range sources {
		out = append(out, Source{
			ID:       src.ID,
			Name:     src.Name,
			URL:      src.URL,
			Enabled:  !src.Disabled,
			Priority: src.Priority,
		})
	}
	return out
}

// catalogResponse 对应 GET <source>/api/catalog 的响应体。
type catalogResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Games      []Entry    `json:"games"`
		Categories []Category `json:"categories"`
	} `json:"data"`
}

// reportResponse 对应 POST <source>/api/catalog/download/<id> 的响应体。
type reportResponse struct {
	Success bool `json:"success"`
	Data    struct {
		NewDownloadCount int `json:"newDownloadCount"`
	} `json:"data"`
}

type sourcesFile struct {
	Sources []Source `json:"sources"`
}
