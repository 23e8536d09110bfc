package routes

import (
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/nxstore/storefront/internal/imagecache"
)

// ImageCache 是图片缓存路由所需的只读视图。
type ImageCache interface {
	Stats() imagecache.Stats
	LoadState(url string) imagecache.LoadState
}

// RegisterImageRoutes 暴露 /-/images 统计与单个 URL 的加载状态。
func RegisterImageRoutes(app *fiber.App, images ImageCache) {
	if app == nil || images == nil {
		return
	}

	app.Get("/-/images", func(c fiber.Ctx) error {
		return c.JSON(images.Stats())
	})

	app.Get("/-/images/state", func(c fiber.Ctx) error {
		url := strings.TrimSpace(c.Query("url"))
		if url == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "url_required"})
		}
		return c.JSON(fiber.Map{
			"url":   url,
			"state": images.LoadState(url).String(),
		})
	})
}
