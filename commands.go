package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/build-hub/internal/archive"
	"github.com/any-hub/build-hub/internal/buildcache"
	"github.com/any-hub/build-hub/internal/catalog"
	"github.com/any-hub/build-hub/internal/config"
	"github.com/any-hub/build-hub/internal/locator"
	"github.com/any-hub/build-hub/internal/logging"
	"github.com/any-hub/build-hub/internal/manifest"
	"github.com/any-hub/build-hub/internal/transport"
)

// buildRuntime 持有一次进程运行期间共享的缓存与目录。
type buildRuntime struct {
	cfg     *config.Config
	logger  *logrus.Logger
	cache   *buildcache.Cache
	catalog *catalog.Registry
}

func newRuntime(cfg *config.Config, logger *logrus.Logger) (*buildRuntime, error) {
	registry, err := catalog.NewRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("构建目录失败: %w", err)
	}

	proxyURL, err := cfg.Global.ProxyURL()
	if err != nil {
		return nil, fmt.Errorf("解析下载代理失败: %w", err)
	}
	downloader := transport.NewDownloader(
		transport.NewClient(transport.ClientOptions{ProxyURL: proxyURL}),
		transport.Options{
			ChunkSize:        cfg.Global.DownloadChunkSize,
			ProgressInterval: cfg.Global.ProgressInterval.DurationValue(),
		},
	)

	cache, err := buildcache.New(buildcache.Options{
		Root:      cfg.Global.StoragePath,
		Logger:    logger,
		Transport: downloader,
		Finder:    locator.New(cfg.Global.ExecutableName, cfg.Global.ExecutableExtension),
		Limits: archive.Limits{
			MaxFiles:      cfg.Global.MaxExtractFiles,
			MaxTotalBytes: cfg.Global.MaxExtractBytes,
		},
	})
	if err != nil {
		return nil, err
	}

	return &buildRuntime{cfg: cfg, logger: logger, cache: cache, catalog: registry}, nil
}

// runCommand 执行一次性缓存命令；多个标志同时出现时依次执行 clear → clean → prefetch → fetch → list。
func runCommand(ctx context.Context, rt *buildRuntime, opts cliOptions) error {
	if opts.clear {
		if err := rt.cache.ClearAll(ctx); err != nil {
			return fmt.Errorf("清空缓存失败: %w", err)
		}
		fmt.Fprintln(stdOut, "cache cleared")
	}

	if opts.clean {
		maxAge := opts.maxAge
		if maxAge == 0 {
			maxAge = rt.cfg.Global.MaxAge.DurationValue()
		}
		removed, err := rt.cache.CleanOlderThan(ctx, maxAge)
		if err != nil {
			return fmt.Errorf("清理过期构建失败: %w", err)
		}
		fmt.Fprintf(stdOut, "removed %d build(s) older than %s\n", removed, maxAge)
	}

	if opts.prefetch {
		if err := prefetchCatalog(ctx, rt); err != nil {
			return err
		}
	}

	if opts.fetchID != "" {
		if err := fetchBuild(ctx, rt, opts.fetchID); err != nil {
			return err
		}
	}

	if opts.list {
		return printCached(rt.cache)
	}
	return nil
}

func fetchBuild(ctx context.Context, rt *buildRuntime, id string) error {
	build, ok, err := rt.catalog.Lookup(ctx, id)
	if err != nil {
		return fmt.Errorf("查询构建失败: %w", err)
	}
	if !ok {
		return fmt.Errorf("构建 %s 未在配置的 [[Build]] 中声明", id)
	}

	if path, found, err := rt.cache.GetCachedPath(ctx, id); err == nil && found {
		fmt.Fprintln(stdOut, path)
		return nil
	}

	ctx, cancel := withDownloadTimeout(ctx, rt.cfg)
	defer cancel()

	path, err := rt.cache.DownloadAndCache(ctx, build.ID, build.URL, progressLogger(rt.logger, build.ID))
	if err != nil {
		return fmt.Errorf("下载构建失败: %w", err)
	}
	fmt.Fprintln(stdOut, path)
	return nil
}

func prefetchCatalog(ctx context.Context, rt *buildRuntime) error {
	builds, err := rt.catalog.Builds(ctx)
	if err != nil {
		return fmt.Errorf("读取目录失败: %w", err)
	}

	report := rt.cache.Prefetch(ctx, builds, buildcache.PrefetchOptions{
		Limit:   rt.cfg.Global.MaxConcurrentDownloads,
		Timeout: rt.cfg.Global.DownloadDeadline(),
		OnProgress: func(id string, p transport.Progress) {
			progressLogger(rt.logger, id)(p)
		},
	})
	for _, result := range report.Results {
		switch {
		case result.Err != nil:
			fmt.Fprintf(stdOut, "%s\tfailed\t%v\n", result.BuildID, result.Err)
		case result.Skipped:
			fmt.Fprintf(stdOut, "%s\tcached\n", result.BuildID)
		default:
			fmt.Fprintf(stdOut, "%s\tdownloaded\t%s\n", result.BuildID, result.Path)
		}
	}
	if failed := len(report.Failed()); failed > 0 {
		return fmt.Errorf("%d 个构建预取失败", failed)
	}
	return nil
}

func printCached(cache *buildcache.Cache) error {
	builds := cache.ListCached()
	if builds == nil {
		builds = []manifest.Entry{}
	}
	payload := struct {
		Builds         []manifest.Entry `json:"builds"`
		TotalSizeBytes int64            `json:"total_size_bytes"`
	}{Builds: builds, TotalSizeBytes: cache.TotalSizeBytes()}

	enc := json.NewEncoder(stdOut)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func progressLogger(logger *logrus.Logger, id string) transport.ProgressFunc {
	return func(p transport.Progress) {
		logger.WithFields(logging.ProgressFields(id, p.BytesReceived, p.TotalBytes, p.PercentComplete, p.BytesPerSecond)).
			Info("下载进度")
	}
}

func withDownloadTimeout(ctx context.Context, cfg *config.Config) (context.Context, context.CancelFunc) {
	if timeout := cfg.Global.DownloadDeadline(); timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}
