package routes

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/build-hub/internal/buildcache"
	"github.com/any-hub/build-hub/internal/catalog"
	"github.com/any-hub/build-hub/internal/logging"
	"github.com/any-hub/build-hub/internal/manifest"
	"github.com/any-hub/build-hub/internal/server"
	"github.com/any-hub/build-hub/internal/transport"
)

// StatusClientClosedRequest 表示调用方在操作完成前取消了请求。
const StatusClientClosedRequest = 499

// BuildCache 是路由层依赖的缓存能力，*buildcache.Cache 即为默认实现。
type BuildCache interface {
	ListCached() []manifest.Entry
	TotalSizeBytes() int64
	IsCached(buildID string) bool
	Entry(buildID string) (manifest.Entry, bool)
	GetCachedPath(ctx context.Context, buildID string) (string, bool, error)
	DownloadAndCache(ctx context.Context, buildID, rawURL string, onProgress transport.ProgressFunc) (string, error)
	ClearAll(ctx context.Context) error
	CleanOlderThan(ctx context.Context, maxAge time.Duration) (int, error)
	Prefetch(ctx context.Context, builds []catalog.Build, opts buildcache.PrefetchOptions) buildcache.PrefetchReport
}

// Deps 汇总构建路由需要的依赖。
type Deps struct {
	Cache           BuildCache
	Catalog         catalog.Provider
	Logger          *logrus.Logger
	DownloadTimeout time.Duration
	MaxAge          time.Duration
	MaxConcurrent   int
}

type downloadRequest struct {
	URL string `json:"url"`
}

type prefetchItem struct {
	BuildID string `json:"build_id"`
	Path    string `json:"path,omitempty"`
	Skipped bool   `json:"skipped"`
	Error   string `json:"error,omitempty"`
}

type catalogItem struct {
	catalog.Build
	Cached bool `json:"cached"`
}

// RegisterBuildRoutes 暴露 /-/builds 与 /-/catalog 管理接口。
func RegisterBuildRoutes(app *fiber.App, deps Deps) {
	if app == nil || deps.Cache == nil {
		return
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	h := &buildHandler{deps: deps}

	app.Get("/-/builds", h.list)
	app.Delete("/-/builds", h.clear)
	app.Post("/-/builds/clean", h.clean)
	app.Post("/-/builds/prefetch", h.prefetch)
	app.Get("/-/builds/:id", h.show)
	app.Post("/-/builds/:id", h.download)
	app.Get("/-/catalog", h.catalog)
}

type buildHandler struct {
	deps Deps
}

func (h *buildHandler) list(c fiber.Ctx) error {
	builds := h.deps.Cache.ListCached()
	if builds == nil {
		builds = []manifest.Entry{}
	}
	return c.JSON(fiber.Map{
		"builds":           builds,
		"total_size_bytes": h.deps.Cache.TotalSizeBytes(),
	})
}

func (h *buildHandler) show(c fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	path, found, err := h.deps.Cache.GetCachedPath(c.Context(), id)
	if err != nil {
		return h.renderError(c, id, err)
	}
	if !found {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":    "build_not_cached",
			"build_id": id,
			"cached":   false,
		})
	}
	entry, _ := h.deps.Cache.Entry(id)
	return c.JSON(fiber.Map{
		"build_id": id,
		"cached":   true,
		"path":     path,
		"entry":    entry,
	})
}

func (h *buildHandler) download(c fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))

	var req downloadRequest
	if body := c.Body(); len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":   "invalid_request",
				"message": "request body must be JSON",
			})
		}
	}

	rawURL := strings.TrimSpace(req.URL)
	if rawURL == "" {
		build, ok, err := h.lookup(c.Context(), id)
		if err != nil {
			return h.renderError(c, id, err)
		}
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error":    "build_unknown",
				"build_id": id,
			})
		}
		rawURL = build.URL
	}

	ctx, cancel := h.downloadContext(c.Context())
	defer cancel()

	logger := h.deps.Logger
	reqID := server.RequestID(c)
	path, err := h.deps.Cache.DownloadAndCache(ctx, id, rawURL, func(p transport.Progress) {
		logger.WithFields(logging.ProgressFields(id, p.BytesReceived, p.TotalBytes, p.PercentComplete, p.BytesPerSecond)).
			WithField("request_id", reqID).
			Debug("download progress")
	})
	if err != nil {
		return h.renderError(c, id, err)
	}

	entry, _ := h.deps.Cache.Entry(id)
	return c.JSON(fiber.Map{
		"build_id": id,
		"cached":   true,
		"path":     path,
		"entry":    entry,
	})
}

func (h *buildHandler) clear(c fiber.Ctx) error {
	before := len(h.deps.Cache.ListCached())
	if err := h.deps.Cache.ClearAll(c.Context()); err != nil {
		return h.renderError(c, "*", err)
	}
	return c.JSON(fiber.Map{"removed": before})
}

func (h *buildHandler) clean(c fiber.Ctx) error {
	maxAge := h.deps.MaxAge
	if raw := strings.TrimSpace(c.Query("max_age")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":   "invalid_request",
				"message": "max_age must be a non-negative duration such as 168h",
			})
		}
		maxAge = parsed
	}

	removed, err := h.deps.Cache.CleanOlderThan(c.Context(), maxAge)
	if err != nil {
		return h.renderError(c, "*", err)
	}
	return c.JSON(fiber.Map{
		"removed": removed,
		"max_age": maxAge.String(),
	})
}

func (h *buildHandler) prefetch(c fiber.Ctx) error {
	builds, err := h.catalogBuilds(c.Context())
	if err != nil {
		return h.renderError(c, "*", err)
	}

	report := h.deps.Cache.Prefetch(c.Context(), builds, buildcache.PrefetchOptions{
		Limit:   h.deps.MaxConcurrent,
		Timeout: h.deps.DownloadTimeout,
	})
	items := make([]prefetchItem, len(report.Results))
	for i, result := range report.Results {
		items[i] = prefetchItem{BuildID: result.BuildID, Path: result.Path, Skipped: result.Skipped}
		if result.Err != nil {
			items[i].Error = result.Err.Error()
		}
	}
	return c.JSON(fiber.Map{
		"results":    items,
		"downloaded": report.Downloaded(),
		"failed":     len(report.Failed()),
	})
}

func (h *buildHandler) catalog(c fiber.Ctx) error {
	builds, err := h.catalogBuilds(c.Context())
	if err != nil {
		return h.renderError(c, "*", err)
	}
	items := make([]catalogItem, len(builds))
	for i, build := range builds {
		items[i] = catalogItem{Build: build, Cached: h.deps.Cache.IsCached(build.ID)}
	}
	return c.JSON(fiber.Map{"builds": items})
}

func (h *buildHandler) lookup(ctx context.Context, id string) (catalog.Build, bool, error) {
	if h.deps.Catalog == nil {
		return catalog.Build{}, false, nil
	}
	return h.deps.Catalog.Lookup(ctx, id)
}

func (h *buildHandler) catalogBuilds(ctx context.Context) ([]catalog.Build, error) {
	if h.deps.Catalog == nil {
		return nil, nil
	}
	return h.deps.Catalog.Builds(ctx)
}

// downloadContext 在配置了 DownloadTimeout 时为下载派生带超时的 context。
func (h *buildHandler) downloadContext(parent context.Context) (context.Context, context.CancelFunc) {
	if h.deps.DownloadTimeout > 0 {
		return context.WithTimeout(parent, h.deps.DownloadTimeout)
	}
	return context.WithCancel(parent)
}

func (h *buildHandler) renderError(c fiber.Ctx, buildID string, err error) error {
	status, code := StatusForError(err)
	entry := h.deps.Logger.WithFields(logrus.Fields{
		"action":     "admin_api",
		"request_id": server.RequestID(c),
		"build_id":   buildID,
		"status":     status,
		"error_code": code,
	}).WithError(err)
	if status >= fiber.StatusInternalServerError {
		entry.Error("build operation failed")
	} else {
		entry.Warn("build operation rejected")
	}

	return c.Status(status).JSON(fiber.Map{
		"error":    code,
		"message":  err.Error(),
		"build_id": buildID,
	})
}

// StatusForError 把缓存层的错误分类映射为 HTTP 状态码与错误码。
func StatusForError(err error) (int, string) {
	switch {
	case errors.Is(err, buildcache.ErrInvalidInput):
		return fiber.StatusBadRequest, "invalid_request"
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout, "timeout"
	case buildcache.IsCanceled(err):
		return StatusClientClosedRequest, "canceled"
	case errors.Is(err, buildcache.ErrTransport):
		return fiber.StatusBadGateway, "download_failed"
	case errors.Is(err, buildcache.ErrExtraction):
		return fiber.StatusUnprocessableEntity, "extraction_failed"
	case errors.Is(err, buildcache.ErrExecutableMissing):
		return fiber.StatusUnprocessableEntity, "executable_missing"
	case errors.Is(err, buildcache.ErrPersist):
		return fiber.StatusInternalServerError, "manifest_persist_failed"
	default:
		return fiber.StatusInternalServerError, "internal_error"
	}
}
