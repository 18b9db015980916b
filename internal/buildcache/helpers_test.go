package buildcache

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/build-hub/internal/locator"
	"github.com/any-hub/build-hub/internal/transport"
)

// fakeTransport 按 URL 返回预置的归档内容，并记录同时在途的下载数。
type fakeTransport struct {
	mu         sync.Mutex
	payloads   map[string][]byte
	errs       map[string]error
	delay      time.Duration
	block      bool
	calls      int
	active     int
	maxActive  int
	onDownload func()
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{payloads: map[string][]byte{}, errs: map[string]error{}}
}

func (f *fakeTransport) serve(url string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads[url] = payload
}

func (f *fakeTransport) fail(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[url] = err
}

func (f *fakeTransport) Download(ctx context.Context, url string, dst io.Writer, onProgress transport.ProgressFunc) (int64, error) {
	f.mu.Lock()
	f.calls++
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	payload := f.payloads[url]
	failure := f.errs[url]
	delay := f.delay
	block := f.block
	hook := f.onDownload
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if hook != nil {
		hook()
	}
	if block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if failure != nil {
		return 0, failure
	}

	n, err := io.Copy(dst, bytes.NewReader(payload))
	if onProgress != nil {
		onProgress(transport.Progress{BytesReceived: n, TotalBytes: n, PercentComplete: 100})
	}
	return n, err
}

func (f *fakeTransport) stats() (calls, maxActive int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.maxActive
}

// manualClock 是可手动拨动的时钟。
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(now time.Time) *manualClock {
	return &manualClock{now: now}
}

func (m *manualClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *manualClock) Set(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestCache(t *testing.T, tr Transport, clock func() time.Time) *Cache {
	t.Helper()
	cache, err := New(Options{
		Root:      filepath.Join(t.TempDir(), "cache"),
		Logger:    quietLogger(),
		Transport: tr,
		Finder:    locator.New("app", ""),
		Clock:     clock,
	})
	if err != nil {
		t.Fatalf("创建缓存失败: %v", err)
	}
	return cache
}

func assertNoTempFiles(t *testing.T, cache *Cache) {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(cache.Root(), DownloadsDir))
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("读取临时目录失败: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("临时文件应被清理，实际剩余 %d 个", len(entries))
	}
}
