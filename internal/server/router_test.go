package server

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/nxstore/storefront/internal/catalog"
	"github.com/nxstore/storefront/internal/downloads"
	"github.com/nxstore/storefront/internal/imagecache"
	"github.com/nxstore/storefront/internal/metrics"
)

func TestDownloadListAndGet(t *testing.T) {
	app, queue := newTestApp(t)
	queue.tasks = []downloads.Task{
		{ID: "dl_1", Name: "Game", Status: downloads.StatusDownloading, TotalBytes: 200, DownloadedBytes: 50},
	}

	resp := doRequest(t, app, http.MethodGet, "/-/downloads", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var list struct {
		Tasks []struct {
			ID           string  `json:"id"`
			Status       string  `json:"status"`
			Progress     float64 `json:"progress"`
			ProgressText string  `json:"progress_text"`
		} `json:"tasks"`
	}
	decodeBody(t, resp, &list)
	if len(list.Tasks) != 1 || list.Tasks[0].ID != "dl_1" {
		t.Fatalf("unexpected tasks: %+v", list.Tasks)
	}
	if list.Tasks[0].Status != "downloading" || list.Tasks[0].Progress != 0.25 {
		t.Fatalf("unexpected task payload: %+v", list.Tasks[0])
	}
	if list.Tasks[0].ProgressText != "50 B / 200 B" {
		t.Fatalf("unexpected progress text: %s", list.Tasks[0].ProgressText)
	}

	resp = doRequest(t, app, http.MethodGet, "/-/downloads/dl_1", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp = doRequest(t, app, http.MethodGet, "/-/downloads/missing", "")
	expectError(t, resp, fiber.StatusNotFound, "task_not_found")
}

func TestDownloadEnqueue(t *testing.T) {
	app, queue := newTestApp(t)

	resp := doRequest(t, app, http.MethodPost, "/-/downloads", `{"name":"Game","url":"https://example.com/g.nro","file_name":"g.nro"}`)
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, resp, &created)
	if created.ID != "dl_new" {
		t.Fatalf("unexpected id: %s", created.ID)
	}
	if len(queue.enqueued) != 1 || queue.enqueued[0] != [3]string{"Game", "https://example.com/g.nro", "g.nro"} {
		t.Fatalf("unexpected enqueue calls: %+v", queue.enqueued)
	}

	resp = doRequest(t, app, http.MethodPost, "/-/downloads", `{"name":"x"}`)
	expectError(t, resp, fiber.StatusBadRequest, "url_required")

	resp = doRequest(t, app, http.MethodPost, "/-/downloads", `{broken`)
	expectError(t, resp, fiber.StatusBadRequest, "invalid_body")
}

func TestDownloadActions(t *testing.T) {
	app, queue := newTestApp(t)
	queue.tasks = []downloads.Task{{ID: "dl_1"}}

	for _, tc := range []struct {
		method string
		path   string
		want   string
	}{
		{http.MethodPost, "/-/downloads/dl_1/pause", "pause:dl_1"},
		{http.MethodPost, "/-/downloads/dl_1/resume", "resume:dl_1"},
		{http.MethodDelete, "/-/downloads/dl_1", "remove:dl_1"},
		{http.MethodPost, "/-/downloads/clear-completed", "clear"},
	} {
		resp := doRequest(t, app, tc.method, tc.path, "")
		if resp.StatusCode != fiber.StatusNoContent {
			t.Fatalf("%s %s: expected 204, got %d", tc.method, tc.path, resp.StatusCode)
		}
		if last := queue.calls[len(queue.calls)-1]; last != tc.want {
			t.Fatalf("%s %s: expected call %s, got %s", tc.method, tc.path, tc.want, last)
		}
	}

	resp := doRequest(t, app, http.MethodPost, "/-/downloads/nope/pause", "")
	expectError(t, resp, fiber.StatusNotFound, "task_not_found")
}

func TestImageRoutes(t *testing.T) {
	app, _ := newTestApp(t)

	resp := doRequest(t, app, http.MethodGet, "/-/images", "")
	var stats imagecache.Stats
	decodeBody(t, resp, &stats)
	if stats.Entries != 3 || stats.MaxMemoryBytes != 1000 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	resp = doRequest(t, app, http.MethodGet, "/-/images/state?url=https://img/a.png", "")
	var state struct {
		URL   string `json:"url"`
		State string `json:"state"`
	}
	decodeBody(t, resp, &state)
	if state.URL != "https://img/a.png" || state.State != "loaded" {
		t.Fatalf("unexpected state payload: %+v", state)
	}

	resp = doRequest(t, app, http.MethodGet, "/-/images/state", "")
	expectError(t, resp, fiber.StatusBadRequest, "url_required")
}

func TestCatalogRoute(t *testing.T) {
	app, _ := newTestApp(t)

	cases := []struct {
		path string
		want []string
	}{
		{"/-/catalog", []string{"g1", "g2", "g3"}},
		{"/-/catalog?category=tools", []string{"g3"}},
		{"/-/catalog?q=box", []string{"g2", "g3"}},
		{"/-/catalog?q=box&category=tools", []string{"g3"}},
		{"/-/catalog?category=themes", []string{}},
	}
	for _, tc := range cases {
		resp := doRequest(t, app, http.MethodGet, tc.path, "")
		var payload struct {
			Count   int             `json:"count"`
			Entries []catalog.Entry `json:"entries"`
		}
		decodeBody(t, resp, &payload)
		if payload.Count != len(tc.want) || len(payload.Entries) != len(tc.want) {
			t.Fatalf("%s: expected %d entries, got %+v", tc.path, len(tc.want), payload)
		}
		for i, id := range tc.want {
			if payload.Entries[i].ID != id {
				t.Fatalf("%s: entry %d expected %s, got %s", tc.path, i, id, payload.Entries[i].ID)
			}
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	app, _ := newTestApp(t)

	resp := doRequest(t, app, http.MethodGet, "/metrics", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("storefront_image_cache_bytes")) {
		t.Fatalf("expected storefront metrics, got %s", string(body))
	}
}

func TestUnknownRouteAndRequestID(t *testing.T) {
	app, _ := newTestApp(t)

	resp := doRequest(t, app, http.MethodGet, "/nope", "")
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
	expectError(t, resp, fiber.StatusNotFound, "not_found")
}

func TestRecoverMiddleware(t *testing.T) {
	app, queue := newTestApp(t)
	queue.panicOnList = true

	resp := doRequest(t, app, http.MethodGet, "/-/downloads", "")
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 after panic, got %d", resp.StatusCode)
	}
}

func TestNewAppRequiresLogger(t *testing.T) {
	if _, err := NewApp(AppOptions{}); err == nil {
		t.Fatalf("expected error without logger")
	}
}

func TestOptionalServicesSkipped(t *testing.T) {
	app, err := NewApp(AppOptions{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewApp error: %v", err)
	}
	for _, path := range []string{"/-/downloads", "/-/images", "/-/catalog", "/metrics"} {
		resp := doRequest(t, app, http.MethodGet, path, "")
		expectError(t, resp, fiber.StatusNotFound, "not_found")
	}
}

func newTestApp(t *testing.T) (*fiber.App, *fakeQueue) {
	t.Helper()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.SetImageCache(400, 3)

	queue := &fakeQueue{}
	app, err := NewApp(AppOptions{
		Logger:    quietLogger(),
		Downloads: queue,
		Images:    fakeImages{},
		Catalog:   fakeCatalog{},
		Gatherer:  reg,
	})
	if err != nil {
		t.Fatalf("NewApp error: %v", err)
	}
	return app, queue
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func doRequest(t *testing.T, app *fiber.App, method, path, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if err := sonic.Unmarshal(body, out); err != nil {
		t.Fatalf("decode body %s: %v", string(body), err)
	}
}

func expectError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("expected %d, got %d", status, resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"`+code+`"`)) {
		t.Fatalf("expected %s error, got %s", code, string(body))
	}
}

type fakeQueue struct {
	tasks       []downloads.Task
	enqueued    [][3]string
	calls       []string
	panicOnList bool
}

func (q *fakeQueue) List() []downloads.Task {
	if q.panicOnList {
		panic("boom")
	}
	return q.tasks
}

func (q *fakeQueue) Get(id string) (downloads.Task, bool) {
	for _, t := range q.tasks {
		if t.ID == id {
			return t, true
		}
	}
	return downloads.Task{}, false
}

func (q *fakeQueue) Enqueue(name, url, fileName string) string {
	q.enqueued = append(q.enqueued, [3]string{name, url, fileName})
	return "dl_new"
}

func (q *fakeQueue) Pause(id string) error  { return q.act("pause", id) }
func (q *fakeQueue) Resume(id string) error { return q.act("resume", id) }
func (q *fakeQueue) Remove(id string) error { return q.act("remove", id) }

func (q *fakeQueue) ClearCompleted() {
	q.calls = append(q.calls, "clear")
}

func (q *fakeQueue) act(name, id string) error {
	if _, ok := q.Get(id); !ok {
		return downloads.ErrTaskNotFound
	}
	q.calls = append(q.calls, name+":"+id)
	return nil
}

type fakeImages struct{}

func (fakeImages) Stats() imagecache.Stats {
	return imagecache.Stats{Entries: 3, Loaded: 2, Loading: 1, MemoryBytes: 400, MaxMemoryBytes: 1000}
}

func (fakeImages) LoadState(url string) imagecache.LoadState {
	if url == "https://img/a.png" {
		return imagecache.StateLoaded
	}
	return imagecache.StateIdle
}

var fakeEntries = []catalog.Entry{
	{ID: "g1", Name: "Super Homebrew", Category: "games"},
	{ID: "g2", Name: "Emu Box", Category: "emulators"},
	{ID: "g3", Name: "Tool Box", Category: "tools"},
}

type fakeCatalog struct{}

func (fakeCatalog) All() []catalog.Entry { return append([]catalog.Entry(nil), fakeEntries...) }

func (fakeCatalog) Search(query string) []catalog.Entry {
	var out []catalog.Entry
	for _, e := range fakeEntries {
		if strings.Contains(strings.ToLower(e.Name), strings.ToLower(query)) {
			out = append(out, e)
		}
	}
	return out
}

func (fakeCatalog) ByCategory(category string) []catalog.Entry {
	var out []catalog.Entry
	for _, e := range fakeEntries {
		if e.Category == category {
			out = append(out, e)
		}
	}
	return out
}
