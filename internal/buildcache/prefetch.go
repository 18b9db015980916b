package buildcache

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/any-hub/build-hub/internal/catalog"
	"github.com/any-hub/build-hub/internal/transport"
)

// PrefetchOptions 控制一次批量预取。
type PrefetchOptions struct {
	// Limit 是最大并发下载数，<=0 时为 1。
	Limit int
	// Timeout 约束每个构建各自的下载时长，排队等待不计入；<=0 表示不限。
	Timeout time.Duration
	// OnProgress 接收带 buildId 的进度回调。
	OnProgress func(buildID string, p transport.Progress)
}

// PrefetchResult 记录单个构建的预取结果。
type PrefetchResult struct {
	BuildID string `json:"build_id"`
	Path    string `json:"path,omitempty"`
	Skipped bool   `json:"skipped"`
	Err     error  `json:"-"`
}

// PrefetchReport 按输入顺序汇总全部结果。
type PrefetchReport struct {
	Results []PrefetchResult
}

// Failed 返回失败的结果列表。
func (r PrefetchReport) Failed() []PrefetchResult {
	var failed []PrefetchResult
	for _, result := range r.Results {
		if result.Err != nil {
			failed = append(failed, result)
		}
	}
	return failed
}

// Downloaded 返回本次实际下载的数量。
func (r PrefetchReport) Downloaded() int {
	count := 0
	for _, result := range r.Results {
		if result.Err == nil && !result.Skipped {
			count++
		}
	}
	return count
}

// Prefetch 并行下载尚未缓存的构建，并发度不超过 opts.Limit。
// 单个构建失败不会中断其它构建，错误记录在对应的结果中。ctx 取消会终止整批。
func (c *Cache) Prefetch(ctx context.Context, builds []catalog.Build, opts PrefetchOptions) PrefetchReport {
	limit := opts.Limit
	if limit <= 0 {
		limit = 1
	}
	report := PrefetchReport{Results: make([]PrefetchResult, len(builds))}

	var group errgroup.Group
	group.SetLimit(limit)

	for i, build := range builds {
		report.Results[i].BuildID = build.ID
		if c.IsCached(build.ID) {
			report.Results[i].Skipped = true
			continue
		}

		group.Go(func() error {
			var progress transport.ProgressFunc
			if opts.OnProgress != nil {
				progress = func(p transport.Progress) { opts.OnProgress(build.ID, p) }
			}
			buildCtx, cancel := buildContext(ctx, opts.Timeout)
			defer cancel()
			path, err := c.DownloadAndCache(buildCtx, build.ID, build.URL, progress)
			report.Results[i].Path = path
			report.Results[i].Err = err
			return nil
		})
	}
	_ = group.Wait()
	return report
}

func buildContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(parent, timeout)
	}
	return context.WithCancel(parent)
}
