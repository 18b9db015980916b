package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/build-hub/internal/buildcache"
	"github.com/any-hub/build-hub/internal/catalog"
	"github.com/any-hub/build-hub/internal/config"
	"github.com/any-hub/build-hub/internal/locator"
	"github.com/any-hub/build-hub/internal/server"
	"github.com/any-hub/build-hub/internal/testutil"
	"github.com/any-hub/build-hub/internal/transport"
)

type apiFixture struct {
	app      *fiber.App
	cache    *buildcache.Cache
	upstream *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	payload := testutil.BuildArchive(t, "app")
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/release-v1.0.0.zip", "/pr-42.zip":
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			_, _ = w.Write(payload)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(upstream.Close)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cache, err := buildcache.New(buildcache.Options{
		Root:      filepath.Join(t.TempDir(), "cache"),
		Logger:    logger,
		Transport: transport.NewDownloader(upstream.Client(), transport.Options{}),
		Finder:    locator.New("app", ""),
	})
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}

	registry, err := catalog.NewRegistry(&config.Config{Builds: []config.BuildConfig{
		{ID: "release-v1.0.0", URL: upstream.URL + "/release-v1.0.0.zip"},
		{ID: "pr-42", URL: upstream.URL + "/pr-42.zip", DisplayName: "Fix loader"},
		{ID: "release-gone", URL: upstream.URL + "/gone.zip"},
	}})
	if err != nil {
		t.Fatalf("create catalog: %v", err)
	}

	app, err := server.NewApp(server.AppOptions{Logger: logger})
	if err != nil {
		t.Fatalf("create app: %v", err)
	}
	RegisterBuildRoutes(app, Deps{
		Cache:         cache,
		Catalog:       registry,
		Logger:        logger,
		MaxAge:        7 * 24 * time.Hour,
		MaxConcurrent: 2,
	})
	RegisterDiagnosticRoutes(app)

	return &apiFixture{app: app, cache: cache, upstream: upstream}
}

func (f *apiFixture) do(t *testing.T, method, target, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.app.Test(req, fiber.TestConfig{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, target, err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("%s %s: missing X-Request-ID", method, target)
	}
	raw, _ := io.ReadAll(resp.Body)
	payload := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			t.Fatalf("%s %s: invalid json %s: %v", method, target, string(raw), err)
		}
	}
	return resp.StatusCode, payload
}

func TestBuildRoutesDownloadFromCatalogAndList(t *testing.T) {
	f := newAPIFixture(t)

	status, payload := f.do(t, "POST", "/-/builds/release-v1.0.0", "")
	if status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d: %v", status, payload)
	}
	path, _ := payload["path"].(string)
	if !strings.HasSuffix(filepath.ToSlash(path), "releases/v1.0.0/bin/app") {
		t.Fatalf("unexpected executable path: %s", path)
	}

	status, payload = f.do(t, "GET", "/-/builds/release-v1.0.0", "")
	if status != fiber.StatusOK || payload["cached"] != true || payload["path"] != path {
		t.Fatalf("unexpected lookup response %d: %v", status, payload)
	}

	status, payload = f.do(t, "GET", "/-/builds", "")
	if status != fiber.StatusOK {
		t.Fatalf("list failed: %d", status)
	}
	builds, _ := payload["builds"].([]any)
	if len(builds) != 1 {
		t.Fatalf("expected 1 cached build, got %v", payload["builds"])
	}
	first := builds[0].(map[string]any)
	if first["buildId"] != "release-v1.0.0" || first["type"] != "Release" {
		t.Fatalf("unexpected manifest entry: %v", first)
	}
	if total, _ := payload["total_size_bytes"].(float64); total <= 0 {
		t.Fatalf("expected positive total size, got %v", payload["total_size_bytes"])
	}
}

func TestBuildRoutesDownloadWithExplicitURL(t *testing.T) {
	f := newAPIFixture(t)

	body := fmt.Sprintf(`{"url":%q}`, f.upstream.URL+"/pr-42.zip")
	status, payload := f.do(t, "POST", "/-/builds/pr-99", body)
	if status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d: %v", status, payload)
	}
	entry, _ := payload["entry"].(map[string]any)
	if entry["displayName"] != "PR #99" || entry["localPath"] != "pull-requests/pr-99" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestBuildRoutesErrors(t *testing.T) {
	f := newAPIFixture(t)

	cases := []struct {
		name   string
		method string
		target string
		body   string
		status int
		code   string
	}{
		{"not cached", "GET", "/-/builds/release-v1.0.0", "", fiber.StatusNotFound, "build_not_cached"},
		{"unknown build", "POST", "/-/builds/release-v9", "", fiber.StatusNotFound, "build_unknown"},
		{"bad body", "POST", "/-/builds/release-v9", "{", fiber.StatusBadRequest, "invalid_request"},
		{"bad url", "POST", "/-/builds/release-v9", `{"url":"ftp://x/y.zip"}`, fiber.StatusBadRequest, "invalid_request"},
		{"upstream 404", "POST", "/-/builds/release-gone", "", fiber.StatusBadGateway, "download_failed"},
		{"bad max age", "POST", "/-/builds/clean?max_age=soon", "", fiber.StatusBadRequest, "invalid_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, payload := f.do(t, tc.method, tc.target, tc.body)
			if status != tc.status || payload["error"] != tc.code {
				t.Fatalf("expected %d/%s, got %d: %v", tc.status, tc.code, status, payload)
			}
		})
	}
}

func TestBuildRoutesCatalogPrefetchCleanAndClear(t *testing.T) {
	f := newAPIFixture(t)

	status, payload := f.do(t, "POST", "/-/builds/prefetch", "")
	if status != fiber.StatusOK {
		t.Fatalf("prefetch failed: %d %v", status, payload)
	}
	if payload["downloaded"] != float64(2) || payload["failed"] != float64(1) {
		t.Fatalf("unexpected prefetch summary: %v", payload)
	}

	status, payload = f.do(t, "GET", "/-/catalog", "")
	if status != fiber.StatusOK {
		t.Fatalf("catalog failed: %d", status)
	}
	cached := map[string]bool{}
	for _, raw := range payload["builds"].([]any) {
		item := raw.(map[string]any)
		cached[item["build_id"].(string)] = item["cached"].(bool)
	}
	if !cached["release-v1.0.0"] || !cached["pr-42"] || cached["release-gone"] {
		t.Fatalf("unexpected cached flags: %v", cached)
	}

	status, payload = f.do(t, "POST", "/-/builds/clean?max_age=1h", "")
	if status != fiber.StatusOK || payload["removed"] != float64(0) || payload["max_age"] != "1h0m0s" {
		t.Fatalf("unexpected clean response %d: %v", status, payload)
	}

	status, payload = f.do(t, "DELETE", "/-/builds", "")
	if status != fiber.StatusOK || payload["removed"] != float64(2) {
		t.Fatalf("unexpected clear response %d: %v", status, payload)
	}
	if len(f.cache.ListCached()) != 0 {
		t.Fatalf("cache should be empty after clear")
	}
}

func TestDiagnosticRoutes(t *testing.T) {
	f := newAPIFixture(t)

	status, payload := f.do(t, "GET", "/-/kinds", "")
	if status != fiber.StatusOK {
		t.Fatalf("kinds failed: %d", status)
	}
	kinds, _ := payload["kinds"].([]any)
	if len(kinds) != 2 {
		t.Fatalf("expected 2 kinds, got %v", payload["kinds"])
	}
	if kinds[0].(map[string]any)["key"] != "pullrequest" {
		t.Fatalf("kinds should be sorted by key: %v", kinds)
	}

	status, payload = f.do(t, "GET", "/-/version", "")
	if status != fiber.StatusOK || !strings.HasPrefix(payload["full"].(string), "build-hub ") {
		t.Fatalf("unexpected version response %d: %v", status, payload)
	}
}

func TestStatusForError(t *testing.T) {
	wrap := func(kind, cause error) error {
		return &buildcache.BuildError{Op: "download", BuildID: "release-v1", Kind: kind, Err: cause}
	}
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{wrap(buildcache.ErrInvalidInput, errors.New("bad")), 400, "invalid_request"},
		{wrap(buildcache.ErrTransport, errors.New("reset")), 502, "download_failed"},
		{wrap(buildcache.ErrExtraction, errors.New("zip")), 422, "extraction_failed"},
		{wrap(buildcache.ErrExecutableMissing, nil), 422, "executable_missing"},
		{wrap(buildcache.ErrPersist, errors.New("disk")), 500, "manifest_persist_failed"},
		{wrap(buildcache.ErrCanceled, context.Canceled), StatusClientClosedRequest, "canceled"},
		{wrap(buildcache.ErrCanceled, context.DeadlineExceeded), 504, "timeout"},
		{errors.New("boom"), 500, "internal_error"},
	}
	for _, tc := range cases {
		status, code := StatusForError(tc.err)
		if status != tc.status || code != tc.code {
			t.Fatalf("%v: expected %d/%s, got %d/%s", tc.err, tc.status, tc.code, status, code)
		}
	}
}
