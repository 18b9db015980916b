package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/any-hub/build-hub/internal/buildkind"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if strings.TrimSpace(g.StoragePath) == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if strings.ContainsAny(g.ExecutableName, `/\`) || strings.TrimSpace(g.ExecutableName) == "" {
		return newFieldError("Global.ExecutableName", "必须是不含路径分隔符的文件名")
	}
	if strings.ContainsAny(g.ExecutableExtension, `/\`) {
		return newFieldError("Global.ExecutableExtension", "不能包含路径分隔符")
	}
	if g.MaxAge.DurationValue() <= 0 {
		return newFieldError("Global.MaxAge", "必须大于 0")
	}
	if g.DownloadChunkSize <= 0 {
		return newFieldError("Global.DownloadChunkSize", "必须大于 0")
	}
	if g.ProgressInterval.DurationValue() <= 0 {
		return newFieldError("Global.ProgressInterval", "必须大于 0")
	}
	if g.DownloadTimeout.DurationValue() < 0 {
		return newFieldError("Global.DownloadTimeout", "不能为负数")
	}
	if g.MaxConcurrentDownloads <= 0 {
		return newFieldError("Global.MaxConcurrentDownloads", "必须大于 0")
	}
	if g.MaxExtractFiles < 0 {
		return newFieldError("Global.MaxExtractFiles", "不能为负数")
	}
	if g.MaxExtractBytes < 0 {
		return newFieldError("Global.MaxExtractBytes", "不能为负数")
	}
	if g.DownloadProxy != "" {
		if err := validateUpstream(g.DownloadProxy); err != nil {
			return fmt.Errorf("Global.DownloadProxy: %w", err)
		}
	}

	seenIDs := map[string]struct{}{}
	for i := range c.Builds {
		build := &c.Builds[i]
		if build.ID == "" {
			return newFieldError("Build[].ID", "不能为空")
		}
		if _, exists := seenIDs[build.ID]; exists {
			return newFieldError(buildField(build.ID, "ID"), "重复")
		}
		seenIDs[build.ID] = struct{}{}

		if _, err := buildkind.Resolve(build.ID); err != nil {
			return newFieldError(buildField(build.ID, "ID"), err.Error())
		}
		if err := validateUpstream(build.URL); err != nil {
			return fmt.Errorf("%s: %w", buildField(build.ID, "URL"), err)
		}
	}

	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	return nil
}
