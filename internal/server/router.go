package server

import (
	"errors"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/nxstore/storefront/internal/server/routes"
)

// AppOptions lists the services exposed by the diagnostics API. Downloads,
// Images and Catalog are optional; their routes are skipped when nil.
type AppOptions struct {
	Logger    *logrus.Logger
	Downloads routes.DownloadQueue
	Images    routes.ImageCache
	Catalog   routes.Catalog
	// Gatherer 为 nil 时不注册 /metrics。
	Gatherer prometheus.Gatherer
}

const contextKeyRequestID = "_storefront_request_id"

// NewApp builds the Fiber application with recover + request-id middleware,
// the diagnostics routes and a JSON 404 fallback.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		JSONEncoder:   sonic.Marshal,
		JSONDecoder:   sonic.Unmarshal,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts.Logger))

	routes.RegisterDownloadRoutes(app, opts.Downloads)
	routes.RegisterImageRoutes(app, opts.Images)
	routes.RegisterCatalogRoutes(app, opts.Catalog)
	if opts.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	app.Use(notFoundHandler())

	return app, nil
}

func notFoundHandler() fiber.Handler {
	return func(c fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "not_found",
		})
	}
}

// requestContextMiddleware 负责生成请求 ID 并记录访问日志。
func requestContextMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		err := c.Next()

		logger.WithFields(logrus.Fields{
			"action":     "diagnostics_request",
			"request_id": reqID,
			"method":     c.Method(),
			"path":       c.Path(),
			"status":     c.Response().StatusCode(),
		}).Debug("diagnostics request served")
		return err
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
