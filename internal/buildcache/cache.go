package buildcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/build-hub/internal/archive"
	"github.com/any-hub/build-hub/internal/buildkind"
	"github.com/any-hub/build-hub/internal/locator"
	"github.com/any-hub/build-hub/internal/logging"
	"github.com/any-hub/build-hub/internal/manifest"
	"github.com/any-hub/build-hub/internal/transport"
)

const (
	// DownloadsDir 存放下载中的临时归档，位于缓存根目录下。
	DownloadsDir = ".downloads"
	// DefaultExecutableName 是未配置 Finder 时查找的文件名。
	DefaultExecutableName = "app"

	sampleLimit = 10
)

// Transport 是缓存层依赖的下载能力，transport.Downloader 即为默认实现。
type Transport interface {
	Download(ctx context.Context, rawURL string, dst io.Writer, onProgress transport.ProgressFunc) (int64, error)
}

// Options 描述 Cache 的依赖，未设置的字段使用默认实现。
type Options struct {
	Root      string
	Logger    *logrus.Logger
	Transport Transport
	Finder    locator.Finder
	Limits    archive.Limits
	Clock     func() time.Time
}

// Cache 管理缓存根目录下的全部构建：manifest 的内存副本、按构建目录的下载锁以及目录生命周期。
type Cache struct {
	root      string
	logger    *logrus.Logger
	transport Transport
	finder    locator.Finder
	limits    archive.Limits
	now       func() time.Time
	store     *manifest.Store
	locks     *keyedMutex

	mu       sync.Mutex
	manifest manifest.Manifest
}

// New 创建缓存根目录并加载 manifest。调用方应在启动阶段创建一次并复用。
func New(opts Options) (*Cache, error) {
	if strings.TrimSpace(opts.Root) == "" {
		return nil, errors.New("cache root required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	tr := opts.Transport
	if tr == nil {
		tr = transport.NewDownloader(nil, transport.Options{})
	}
	finder := opts.Finder
	if finder.Name == "" && finder.Extension == "" {
		finder = locator.New(DefaultExecutableName, "")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	store := manifest.NewStore(filepath.Join(root, manifest.FileName), logger, manifest.WithDisplayNamer(displayNameFor))
	c := &Cache{
		root:      root,
		logger:    logger,
		transport: tr,
		finder:    finder,
		limits:    opts.Limits,
		now:       clock,
		store:     store,
		locks:     newKeyedMutex(),
		manifest:  store.Load(),
	}
	return c, nil
}

// Root 返回缓存根目录的绝对路径。
func (c *Cache) Root() string {
	return c.root
}

// IsCached 只读探测：manifest 中存在且目录仍在时返回 true，不触发自愈。
func (c *Cache) IsCached(buildID string) bool {
	entry, ok := c.Entry(buildID)
	if !ok {
		return false
	}
	return dirExists(c.absPath(entry.LocalPath))
}

// Entry 返回 manifest 中的条目副本。
func (c *Cache) Entry(buildID string) (manifest.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, _, ok := c.manifest.Find(buildID)
	return entry, ok
}

// GetCachedPath 返回已缓存构建的可执行文件路径。
// 目录已被外部删除时移除条目并持久化，返回 found=false；只有修复无法持久化时才返回 err。
// 目录存在但找不到可执行文件时同样返回 found=false，条目保持不变。
func (c *Cache) GetCachedPath(ctx context.Context, buildID string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, newBuildError("lookup", buildID, ErrCanceled, err)
	}

	entry, ok := c.Entry(buildID)
	if !ok {
		return "", false, nil
	}

	dir := c.absPath(entry.LocalPath)
	if !dirExists(dir) {
		if err := c.heal(entry); err != nil {
			return "", false, err
		}
		return "", false, nil
	}

	path, found, err := c.finder.Find(dir)
	if err != nil {
		return "", false, newBuildError("lookup", buildID, ErrExecutableMissing, err)
	}
	if !found {
		c.logger.WithFields(logging.BuildFields("build_executable_missing", buildID, entry.Kind)).
			WithField("path", dir).
			Warn("缓存目录中未找到可执行文件")
		return "", false, nil
	}
	return path, true, nil
}

// heal 在条目未被并发替换的前提下移除失效条目。
func (c *Cache) heal(stale manifest.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, _, ok := c.manifest.Find(stale.BuildID)
	if !ok || !current.DownloadedAt.Equal(stale.DownloadedAt) {
		return nil
	}
	if err := c.commitLocked(c.manifest.Without(stale.BuildID)); err != nil {
		return newBuildError("self_heal", stale.BuildID, ErrPersist, err)
	}
	c.logger.WithFields(logging.BuildFields("build_self_heal", stale.BuildID, stale.Kind)).
		WithField("path", stale.LocalPath).
		Info("缓存目录缺失，已移除 manifest 条目")
	return nil
}

// DownloadAndCache 下载、解压并登记一个构建，返回可执行文件的绝对路径。
// 锁按构建目录划分：同一目录的调用串行执行，不同目录可以并行。
// 目录已被另一个 buildId 占用时返回 ErrInvalidInput。
func (c *Cache) DownloadAndCache(ctx context.Context, buildID, rawURL string, onProgress transport.ProgressFunc) (string, error) {
	parsed, err := validateRequest(buildID, rawURL)
	if err != nil {
		return "", newBuildError("download", buildID, ErrInvalidInput, err)
	}

	unlock, err := c.locks.Lock(ctx, parsed.RelativePath)
	if err != nil {
		return "", newBuildError("download", buildID, ErrCanceled, err)
	}
	defer unlock()

	if owner, taken := c.directoryOwner(parsed.RelativePath, buildID); taken {
		return "", newBuildError("download", buildID, ErrInvalidInput,
			fmt.Errorf("directory %s already belongs to build %s", parsed.RelativePath, owner))
	}

	started := c.now()
	log := c.logger.WithFields(logging.BuildFields("build_download", buildID, parsed.Kind)).
		WithField("operation_id", uuid.NewString())
	log.WithField("url", rawURL).Info("build_download_started")

	path, size, err := c.fetch(ctx, buildID, rawURL, parsed, onProgress)
	if err != nil {
		if IsCanceled(err) {
			log.WithError(err).Info("build_download_canceled")
		} else {
			log.WithError(err).Error("build_download_failed")
		}
		return "", err
	}

	log.WithFields(logrus.Fields{
		"path":       path,
		"bytes":      size,
		"elapsed_ms": c.now().Sub(started).Milliseconds(),
	}).Info("build_download_complete")
	return path, nil
}

func (c *Cache) fetch(ctx context.Context, buildID, rawURL string, parsed buildkind.Parsed, onProgress transport.ProgressFunc) (string, int64, error) {
	tempDir := filepath.Join(c.root, DownloadsDir)
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return "", 0, newBuildError("download", buildID, ErrTransport, fmt.Errorf("create temp dir: %w", err))
	}
	tempFile, err := os.CreateTemp(tempDir, "build-*.zip")
	if err != nil {
		return "", 0, newBuildError("download", buildID, ErrTransport, fmt.Errorf("create temp file: %w", err))
	}
	tempName := tempFile.Name()
	defer os.Remove(tempName)

	_, err = c.transport.Download(ctx, rawURL, tempFile, onProgress)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return "", 0, newBuildError("download", buildID, classify(ctx, ErrTransport, err), err)
	}

	target := c.absPath(parsed.RelativePath)
	stats, err := archive.Extract(ctx, tempName, target, c.limits)
	if err != nil {
		return "", 0, newBuildError("extract", buildID, classify(ctx, ErrExtraction, err), err)
	}

	exe, found, err := c.finder.Find(target)
	if err != nil {
		return "", 0, newBuildError("locate", buildID, ErrExecutableMissing, err)
	}
	if !found {
		sample, _ := locator.Sample(target, sampleLimit)
		return "", 0, newBuildError("locate", buildID, ErrExecutableMissing,
			fmt.Errorf("no %q under %s; extracted files: [%s]", c.finder.Name, parsed.RelativePath, strings.Join(sample, ", ")))
	}

	if err := ctx.Err(); err != nil {
		return "", 0, newBuildError("persist", buildID, ErrCanceled, err)
	}

	entry := manifest.Entry{
		BuildID:      buildID,
		DisplayName:  parsed.DisplayName,
		LocalPath:    parsed.RelativePath,
		DownloadedAt: c.now().UTC(),
		SizeBytes:    stats.Bytes,
		Kind:         parsed.Kind,
	}

	c.mu.Lock()
	err = c.commitLocked(c.manifest.With(entry))
	c.mu.Unlock()
	if err != nil {
		return "", 0, newBuildError("persist", buildID, ErrPersist, err)
	}
	return exe, stats.Bytes, nil
}

// ClearAll 尽力删除所有已登记构建的目录，清空 manifest 并持久化。
// 单个目录删除失败只记录日志，不中断整体清理。
func (c *Cache) ClearAll(ctx context.Context) error {
	c.mu.Lock()
	snapshot := c.manifest.Clone()
	c.mu.Unlock()

	cleared := c.evict(ctx, snapshot.Builds)

	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.manifest.Clone()
	for _, entry := range cleared {
		next = withoutIfUnchanged(next, entry)
	}
	if err := c.commitLocked(next); err != nil {
		return newBuildError("clear", "*", ErrPersist, err)
	}
	if err := ctx.Err(); err != nil {
		return newBuildError("clear", "*", ErrCanceled, err)
	}
	return nil
}

// CleanOlderThan 删除 downloadedAt 早于 now-maxAge 的构建，返回移除数量；没有移除时不写盘。
func (c *Cache) CleanOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge < 0 {
		return 0, newBuildError("clean", "*", ErrInvalidInput, fmt.Errorf("negative max age %s", maxAge))
	}
	cutoff := c.now().Add(-maxAge)

	c.mu.Lock()
	var expired []manifest.Entry
	for _, entry := range c.manifest.Builds {
		if entry.DownloadedAt.Before(cutoff) {
			expired = append(expired, entry)
		}
	}
	c.mu.Unlock()

	if len(expired) == 0 {
		return 0, nil
	}

	evicted := c.evict(ctx, expired)

	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.manifest.Clone()
	removed := 0
	for _, entry := range evicted {
		before := len(next.Builds)
		next = withoutIfUnchanged(next, entry)
		removed += before - len(next.Builds)
	}
	if removed > 0 {
		if err := c.commitLocked(next); err != nil {
			return 0, newBuildError("clean", "*", ErrPersist, err)
		}
	}
	c.logger.WithFields(logrus.Fields{
		"action":  "clean",
		"removed": removed,
		"max_age": maxAge.String(),
	}).Info("过期构建清理完成")

	if err := ctx.Err(); err != nil {
		return removed, newBuildError("clean", "*", ErrCanceled, err)
	}
	return removed, nil
}

// TotalSizeBytes 汇总 manifest 中记录的大小，不扫描磁盘。
func (c *Cache) TotalSizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manifest.TotalSize()
}

// ListCached 返回 manifest 条目的快照副本。
func (c *Cache) ListCached() []manifest.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manifest.Clone().Builds
}

// commitLocked 先写盘再替换内存副本，调用方必须持有 c.mu。
func (c *Cache) commitLocked(next manifest.Manifest) error {
	if err := c.store.Save(next); err != nil {
		return err
	}
	c.manifest = next
	return nil
}

// evict 逐个持有目录锁删除构建目录。条目在等待期间被重新下载替换时跳过，
// 返回实际删除了目录的快照条目；ctx 取消后停止。
func (c *Cache) evict(ctx context.Context, entries []manifest.Entry) []manifest.Entry {
	evicted := make([]manifest.Entry, 0, len(entries))
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		unlock, err := c.locks.Lock(ctx, entry.LocalPath)
		if err != nil {
			break
		}
		if c.unchanged(entry) {
			c.removeDir(entry)
			evicted = append(evicted, entry)
		}
		unlock()
	}
	return evicted
}

// unchanged 判断 manifest 中的条目是否仍是 snapshot 记录的那一次下载。
func (c *Cache) unchanged(snapshot manifest.Entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, _, ok := c.manifest.Find(snapshot.BuildID)
	return ok && current.DownloadedAt.Equal(snapshot.DownloadedAt)
}

// directoryOwner 返回占用 localPath 的其他 buildId。
func (c *Cache) directoryOwner(localPath, buildID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.manifest.Builds {
		if entry.LocalPath == localPath && entry.BuildID != buildID {
			return entry.BuildID, true
		}
	}
	return "", false
}

func (c *Cache) removeDir(entry manifest.Entry) {
	dir := c.absPath(entry.LocalPath)
	if err := os.RemoveAll(dir); err != nil {
		c.logger.WithFields(logging.BuildFields("evict", entry.BuildID, entry.Kind)).
			WithField("path", dir).
			WithError(err).
			Warn("删除构建目录失败")
	}
}

func (c *Cache) absPath(localPath string) string {
	return filepath.Join(c.root, filepath.FromSlash(localPath))
}

func withoutIfUnchanged(m manifest.Manifest, snapshot manifest.Entry) manifest.Manifest {
	current, _, ok := m.Find(snapshot.BuildID)
	if !ok || !current.DownloadedAt.Equal(snapshot.DownloadedAt) {
		return m
	}
	return m.Without(snapshot.BuildID)
}

func validateRequest(buildID, rawURL string) (buildkind.Parsed, error) {
	if strings.TrimSpace(buildID) == "" {
		return buildkind.Parsed{}, errors.New("build id is required")
	}
	if strings.TrimSpace(rawURL) == "" {
		return buildkind.Parsed{}, errors.New("download url is required")
	}
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return buildkind.Parsed{}, fmt.Errorf("parse download url: %w", err)
	}
	if !parsedURL.IsAbs() || (parsedURL.Scheme != "http" && parsedURL.Scheme != "https") {
		return buildkind.Parsed{}, fmt.Errorf("download url must be absolute http(s): %s", rawURL)
	}
	if parsedURL.Host == "" {
		return buildkind.Parsed{}, fmt.Errorf("download url has no host: %s", rawURL)
	}
	parsed, err := buildkind.Resolve(buildID)
	if err != nil {
		return buildkind.Parsed{}, err
	}
	return parsed, nil
}

// displayNameFor 按 buildId 语法推导展示名，用于补齐旧 manifest 中缺失的 displayName。
func displayNameFor(buildID string) string {
	parsed, err := buildkind.Resolve(buildID)
	if err != nil {
		return buildID
	}
	return parsed.DisplayName
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}
