package routes

import (
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/nxstore/storefront/internal/catalog"
)

// Catalog 是目录路由所需的查询接口。
type Catalog interface {
	All() []catalog.Entry
	Search(query string) []catalog.Entry
	ByCategory(category string) []catalog.Entry
}

// RegisterCatalogRoutes 暴露 /-/catalog?q=&category= 查询。
func RegisterCatalogRoutes(app *fiber.App, cat Catalog) {
	if app == nil || cat == nil {
		return
	}

	app.Get("/-/catalog", func(c fiber.Ctx) error {
		query := strings.TrimSpace(c.Query("q"))
		category := strings.TrimSpace(c.Query("category"))

		var entries []catalog.Entry
		switch {
		case query != "":
			entries = filterCategory(cat.Search(query), category)
		case category != "":
			entries = cat.ByCategory(category)
		default:
			entries = cat.All()
		}
		if entries == nil {
			entries = []catalog.Entry{}
		}
		return c.JSON(fiber.Map{
			"count":   len(entries),
			"entries": entries,
		})
	})
}

func filterCategory(entries []catalog.Entry, category string) []catalog.Entry {
	if category == "" {
		return entries
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Category == category {
			out = append(out, e)
		}
	}
	return out
}
