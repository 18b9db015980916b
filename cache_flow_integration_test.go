package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/any-hub/build-hub/internal/testutil"
)

// cacheFlowFixture 启动一个提供构建归档的上游，并生成指向它的配置文件。
func cacheFlowFixture(t *testing.T) (configPath, storage string, hits *atomic.Int32) {
	t.Helper()

	payload := testutil.BuildArchive(t, "game")
	hits = &atomic.Int32{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/builds/v1.0.0.zip" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write(payload)
	}))
	t.Cleanup(upstream.Close)

	dir := t.TempDir()
	storage = filepath.Join(dir, "storage")
	configPath = writeConfigFile(t, fmt.Sprintf(`
LogLevel = "warn"
LogFilePath = "%s"
StoragePath = "%s"
ExecutableName = "game"

[[Build]]
ID = "release-v1.0.0"
URL = "%s/builds/v1.0.0.zip"

[[Build]]
ID = "pr-7"
URL = "%s/builds/missing.zip"
`, filepath.Join(dir, "logs"), storage, upstream.URL, upstream.URL))
	return configPath, storage, hits
}

func TestCacheFlowFetchListAndClear(t *testing.T) {
	configPath, storage, hits := cacheFlowFixture(t)

	useBufferWriters(t)
	if code := run(cliOptions{configPath: configPath, fetchID: "release-v1.0.0"}); code != 0 {
		t.Fatalf("fetch 失败，退出码 %d: %s", code, stdErrBuffer().String())
	}
	path := strings.TrimSpace(stdOutBuffer().String())
	want := filepath.Join(storage, "releases", "v1.0.0", "bin", "game")
	if path != want {
		t.Fatalf("可执行文件路径错误: %s，期望 %s", path, want)
	}
	if info, err := os.Stat(path); err != nil || info.Mode().Perm()&0o100 == 0 {
		t.Fatalf("可执行文件应存在且带执行位: %v", err)
	}

	// 再次 fetch 命中缓存，不访问上游。
	stdOutBuffer().Reset()
	if code := run(cliOptions{configPath: configPath, fetchID: "release-v1.0.0"}); code != 0 {
		t.Fatalf("二次 fetch 失败: %s", stdErrBuffer().String())
	}
	if hits.Load() != 1 {
		t.Fatalf("缓存命中时不应再次下载，上游请求 %d 次", hits.Load())
	}

	stdOutBuffer().Reset()
	if code := run(cliOptions{configPath: configPath, list: true}); code != 0 {
		t.Fatalf("list 失败: %s", stdErrBuffer().String())
	}
	var listed struct {
		Builds []struct {
			BuildID   string `json:"buildId"`
			LocalPath string `json:"localPath"`
			Kind      string `json:"type"`
		} `json:"builds"`
		TotalSizeBytes int64 `json:"total_size_bytes"`
	}
	if err := json.Unmarshal(stdOutBuffer().Bytes(), &listed); err != nil {
		t.Fatalf("list 输出应为 JSON: %v\n%s", err, stdOutBuffer().String())
	}
	if len(listed.Builds) != 1 || listed.Builds[0].LocalPath != "releases/v1.0.0" || listed.Builds[0].Kind != "Release" {
		t.Fatalf("list 内容错误: %+v", listed)
	}
	if listed.TotalSizeBytes <= 0 {
		t.Fatalf("总大小应为正数")
	}

	if code := run(cliOptions{configPath: configPath, clear: true}); code != 0 {
		t.Fatalf("clear 失败: %s", stdErrBuffer().String())
	}
	if _, err := os.Stat(filepath.Join(storage, "releases", "v1.0.0")); !os.IsNotExist(err) {
		t.Fatalf("clear 后构建目录应被删除")
	}
	data, err := os.ReadFile(filepath.Join(storage, "manifest.json"))
	if err != nil {
		t.Fatalf("读取 manifest 失败: %v", err)
	}
	if !strings.Contains(string(data), `"builds": []`) {
		t.Fatalf("clear 后 manifest 应为空列表: %s", string(data))
	}
}

func TestCacheFlowFetchErrors(t *testing.T) {
	configPath, _, _ := cacheFlowFixture(t)

	useBufferWriters(t)
	if code := run(cliOptions{configPath: configPath, fetchID: "release-v9"}); code == 0 {
		t.Fatalf("未声明的构建应失败")
	}
	if code := run(cliOptions{configPath: configPath, fetchID: "pr-7"}); code == 0 {
		t.Fatalf("上游 404 应失败")
	}
	if !strings.Contains(stdErrBuffer().String(), "download failed") {
		t.Fatalf("错误信息应包含下载失败分类: %s", stdErrBuffer().String())
	}
}

func TestCacheFlowPrefetchReportsFailures(t *testing.T) {
	configPath, storage, _ := cacheFlowFixture(t)

	useBufferWriters(t)
	code := run(cliOptions{configPath: configPath, prefetch: true})
	if code == 0 {
		t.Fatalf("存在失败构建时 prefetch 应返回非零退出码")
	}
	out := stdOutBuffer().String()
	if !strings.Contains(out, "release-v1.0.0\tdownloaded") || !strings.Contains(out, "pr-7\tfailed") {
		t.Fatalf("prefetch 输出错误: %s", out)
	}
	if _, err := os.Stat(filepath.Join(storage, "releases", "v1.0.0", "bin", "game")); err != nil {
		t.Fatalf("成功的构建应已缓存: %v", err)
	}

	stdOutBuffer().Reset()
	if code := run(cliOptions{configPath: configPath, clean: true}); code != 0 {
		t.Fatalf("clean 失败: %s", stdErrBuffer().String())
	}
	if !strings.Contains(stdOutBuffer().String(), "removed 0 build(s)") {
		t.Fatalf("新下载的构建不应被清理: %s", stdOutBuffer().String())
	}
}
