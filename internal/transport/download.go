package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultChunkSize 是单次读取并写入目标的字节数。
	DefaultChunkSize = 81920
	// DefaultProgressInterval 是两次进度回调之间的最小间隔。
	DefaultProgressInterval = 100 * time.Millisecond
	// DefaultUserAgent 用于所有下载请求。
	DefaultUserAgent = "build-hub"

	throughputWindow = 5
)

// Progress 是一次进度回调携带的数据；TotalBytes 为 0 表示服务端未声明长度。
type Progress struct {
	BytesReceived   int64   `json:"bytes_received"`
	TotalBytes      int64   `json:"total_bytes"`
	PercentComplete float64 `json:"percent_complete"`
	BytesPerSecond  float64 `json:"bytes_per_second"`
}

// ProgressFunc 在下载所在的 goroutine 中被同步调用，实现方应尽快返回。
type ProgressFunc func(Progress)

// StatusError 表示上游返回了非 2xx 状态码。
type StatusError struct {
	StatusCode int
	Status     string
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %s from %s", e.Status, e.URL)
}

// Options 调整 Downloader 的分块与进度节流行为，零值字段使用默认值。
type Options struct {
	ChunkSize        int
	ProgressInterval time.Duration
	UserAgent        string
	Now              func() time.Time
}

// Downloader 将 URL 内容流式写入 io.Writer，并汇报吞吐量。
type Downloader struct {
	client   *http.Client
	chunk    int
	interval time.Duration
	agent    string
	now      func() time.Time
}

// NewDownloader 基于共享客户端构造 Downloader；client 为空时使用 NewClient 的默认配置。
func NewDownloader(client *http.Client, opts Options) *Downloader {
	if client == nil {
		client = NewClient(ClientOptions{})
	}
	d := &Downloader{
		client:   client,
		chunk:    opts.ChunkSize,
		interval: opts.ProgressInterval,
		agent:    opts.UserAgent,
		now:      opts.Now,
	}
	if d.chunk <= 0 {
		d.chunk = DefaultChunkSize
	}
	if d.interval <= 0 {
		d.interval = DefaultProgressInterval
	}
	if d.agent == "" {
		d.agent = DefaultUserAgent
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// Download 发起 GET 请求并把响应体按块写入 dst，返回写入的字节数。
// onProgress 最多每 ProgressInterval 调用一次，成功结束时额外以 100% 调用一次。
// 取消或失败时 dst 中可能只有部分内容。
func (d *Downloader) Download(ctx context.Context, rawURL string, dst io.Writer, onProgress ProgressFunc) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", d.agent)

	resp, err := d.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, fmt.Errorf("download canceled: %w", ctxErr)
		}
		return 0, fmt.Errorf("request %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, URL: rawURL}
	}

	total := resp.ContentLength
	if total < 0 {
		total = 0
	}

	meter := newMeter(d.now(), total)
	lastReport := meter.start
	buf := make([]byte, d.chunk)
	var received int64

	for {
		if err := ctx.Err(); err != nil {
			return received, fmt.Errorf("download canceled: %w", err)
		}

		n, readErr := io.ReadFull(resp.Body, buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return received, fmt.Errorf("write chunk: %w", err)
			}
			received += int64(n)

			now := d.now()
			meter.observe(now, received)
			if onProgress != nil && now.Sub(lastReport) >= d.interval {
				onProgress(meter.progress(received))
				lastReport = now
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
				break
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return received, fmt.Errorf("download canceled: %w", ctxErr)
			}
			return received, fmt.Errorf("read body: %w", readErr)
		}
	}

	if total > 0 && received < total {
		return received, fmt.Errorf("read body: %w (got %d of %d bytes)", io.ErrUnexpectedEOF, received, total)
	}

	if onProgress != nil {
		final := meter.progress(received)
		final.PercentComplete = 100
		if final.TotalBytes == 0 {
			final.TotalBytes = received
		}
		onProgress(final)
	}
	return received, nil
}

type sample struct {
	at    time.Time
	bytes int64
}

// meter 维护最近 throughputWindow 个采样点，吞吐量取窗口首尾的差值。
type meter struct {
	start   time.Time
	total   int64
	samples []sample
}

func newMeter(start time.Time, total int64) *meter {
	return &meter{
		start:   start,
		total:   total,
		samples: []sample{{at: start, bytes: 0}},
	}
}

func (m *meter) observe(at time.Time, bytes int64) {
	m.samples = append(m.samples, sample{at: at, bytes: bytes})
	if len(m.samples) > throughputWindow {
		m.samples = m.samples[len(m.samples)-throughputWindow:]
	}
}

func (m *meter) rate() float64 {
	if len(m.samples) < 2 {
		return 0
	}
	oldest := m.samples[0]
	newest := m.samples[len(m.samples)-1]
	elapsed := newest.at.Sub(oldest.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(newest.bytes-oldest.bytes) / elapsed
}

func (m *meter) progress(received int64) Progress {
	p := Progress{
		BytesReceived:  received,
		TotalBytes:     m.total,
		BytesPerSecond: m.rate(),
	}
	if m.total > 0 {
		p.PercentComplete = float64(received) * 100 / float64(m.total)
		if p.PercentComplete > 100 {
			p.PercentComplete = 100
		}
	}
	return p
}
