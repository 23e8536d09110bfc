// Package routes 注册诊断 API 的具体路由，依赖以小接口注入，便于测试替换。
package routes

import (
	"errors"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v3"

	"github.com/nxstore/storefront/internal/downloads"
)

// DownloadQueue 是下载路由所需的队列操作。
type DownloadQueue interface {
	List() []downloads.Task
	Get(id string) (downloads.Task, bool)
	Enqueue(name, url, fileName string) string
	Pause(id string) error
	Resume(id string) error
	Remove(id string) error
	ClearCompleted()
}

type taskPayload struct {
	downloads.Task
	Progress     float64 `json:"progress"`
	ProgressText string  `json:"progress_text"`
}

type enqueueRequest struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	FileName string `json:"file_name"`
}

// RegisterDownloadRoutes 暴露 /-/downloads 诊断与控制接口。
func RegisterDownloadRoutes(app *fiber.App, queue DownloadQueue) {
	if app == nil || queue == nil {
		return
	}

	app.Get("/-/downloads", func(c fiber.Ctx) error {
		tasks := queue.List()
		payload := make([]taskPayload, 0, len(tasks))
		for _, t := range tasks {
			payload = append(payload, encodeTask(t))
		}
		return c.JSON(fiber.Map{"tasks": payload})
	})

	app.Post("/-/downloads", func(c fiber.Ctx) error {
		var req enqueueRequest
		if err := sonic.Unmarshal(c.Body(), &req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
		}
		req.URL = strings.TrimSpace(req.URL)
		if req.URL == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "url_required"})
		}
		if req.Name == "" {
			req.Name = req.URL
		}
		id := queue.Enqueue(req.Name, req.URL, req.FileName)
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": id})
	})

	app.Post("/-/downloads/clear-completed", func(c fiber.Ctx) error {
		queue.ClearCompleted()
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Get("/-/downloads/:id", func(c fiber.Ctx) error {
		t, ok := queue.Get(c.Params("id"))
		if !ok {
			return taskNotFound(c)
		}
		return c.JSON(encodeTask(t))
	})

	app.Post("/-/downloads/:id/pause", func(c fiber.Ctx) error {
		return taskAction(c, queue.Pause)
	})

	app.Post("/-/downloads/:id/resume", func(c fiber.Ctx) error {
		return taskAction(c, queue.Resume)
	})

	app.Delete("/-/downloads/:id", func(c fiber.Ctx) error {
		return taskAction(c, queue.Remove)
	})
}

func taskAction(c fiber.Ctx, action func(string) error) error {
	if err := action(c.Params("id")); err != nil {
		if errors.Is(err, downloads.ErrTaskNotFound) {
			return taskNotFound(c)
		}
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func taskNotFound(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "task_not_found"})
}

func encodeTask(t downloads.Task) taskPayload {
	return taskPayload{
		Task:         t,
		Progress:     t.Progress(),
		ProgressText: t.ProgressString(),
	}
}
