package config

import (
	"net/url"
	"time"
)

// ProxyURL 返回下载代理地址；未配置时返回 nil。
func (g GlobalConfig) ProxyURL() (*url.URL, error) {
	if g.DownloadProxy == "" {
		return nil, nil
	}
	return url.Parse(g.DownloadProxy)
}

// DownloadDeadline 返回单次下载的超时时间，0 表示只依赖调用方取消。
func (g GlobalConfig) DownloadDeadline() time.Duration {
	return g.DownloadTimeout.DurationValue()
}

// BuildIDs 按配置顺序返回全部构建 ID，供日志字段使用。
func BuildIDs(builds []BuildConfig) []string {
	if len(builds) == 0 {
		return nil
	}
	result := make([]string, len(builds))
	for i, build := range builds {
		result[i] = build.ID
	}
	return result
}
