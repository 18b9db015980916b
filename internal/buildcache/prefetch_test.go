package buildcache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/any-hub/build-hub/internal/catalog"
	"github.com/any-hub/build-hub/internal/testutil"
)

func TestPrefetchRespectsConcurrencyLimit(t *testing.T) {
	tr := newFakeTransport()
	tr.delay = 20 * time.Millisecond
	payload := testutil.BuildArchive(t, "app")

	var builds []catalog.Build
	for i := 1; i <= 5; i++ {
		url := fmt.Sprintf("https://builds.example.com/v%d.zip", i)
		tr.serve(url, payload)
		builds = append(builds, catalog.Build{ID: fmt.Sprintf("release-v%d", i), URL: url})
	}
	cache := newTestCache(t, tr, nil)

	report := cache.Prefetch(context.Background(), builds, PrefetchOptions{Limit: 2})
	if len(report.Failed()) != 0 {
		t.Fatalf("预取不应失败: %+v", report.Failed())
	}
	if report.Downloaded() != 5 {
		t.Fatalf("应下载 5 个构建，实际 %d", report.Downloaded())
	}
	calls, maxActive := tr.stats()
	if calls != 5 {
		t.Fatalf("下载次数错误: %d", calls)
	}
	if maxActive > 2 {
		t.Fatalf("并发度不应超过 2，实际 %d", maxActive)
	}
	if len(cache.ListCached()) != 5 {
		t.Fatalf("manifest 应登记全部构建")
	}
}

func TestPrefetchCanceledContext(t *testing.T) {
	tr := newFakeTransport()
	tr.serve(releaseURL, testutil.BuildArchive(t, "app"))
	cache := newTestCache(t, tr, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := cache.Prefetch(ctx, []catalog.Build{{ID: "release-v1.0.0", URL: releaseURL}}, PrefetchOptions{})
	failed := report.Failed()
	if len(failed) != 1 || !IsCanceled(failed[0].Err) {
		t.Fatalf("取消的上下文应让预取失败: %+v", report.Results)
	}
	if len(cache.ListCached()) != 0 {
		t.Fatalf("取消时不应登记构建")
	}
}

func TestPrefetchTimeoutAppliesPerBuild(t *testing.T) {
	tr := newFakeTransport()
	tr.delay = 30 * time.Millisecond
	payload := testutil.BuildArchive(t, "app")

	var builds []catalog.Build
	for i := 1; i <= 4; i++ {
		url := fmt.Sprintf("https://builds.example.com/v%d.zip", i)
		tr.serve(url, payload)
		builds = append(builds, catalog.Build{ID: fmt.Sprintf("release-v%d", i), URL: url})
	}
	cache := newTestCache(t, tr, nil)

	// 串行执行时整批耗时超过单个超时，但每个构建都在自己的时限内完成。
	report := cache.Prefetch(context.Background(), builds, PrefetchOptions{Limit: 1, Timeout: 100 * time.Millisecond})
	if len(report.Failed()) != 0 {
		t.Fatalf("单个构建未超时，预取不应失败: %+v", report.Failed())
	}
	if report.Downloaded() != 4 {
		t.Fatalf("应下载 4 个构建，实际 %d", report.Downloaded())
	}
}

func TestPrefetchTimeoutFailsSlowBuild(t *testing.T) {
	tr := newFakeTransport()
	tr.block = true
	cache := newTestCache(t, tr, nil)

	report := cache.Prefetch(context.Background(), []catalog.Build{{ID: "release-v1.0.0", URL: releaseURL}},
		PrefetchOptions{Timeout: 20 * time.Millisecond})
	failed := report.Failed()
	if len(failed) != 1 || !errors.Is(failed[0].Err, context.DeadlineExceeded) {
		t.Fatalf("超时的构建应以 DeadlineExceeded 失败: %+v", report.Results)
	}
}
