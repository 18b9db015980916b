package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/any-hub/build-hub/internal/manifest"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// BuildFields 提供单个构建相关的日志字段，供缓存与 API 日志复用。
func BuildFields(action, buildID string, kind manifest.Kind) logrus.Fields {
	fields := logrus.Fields{
		"action":   action,
		"build_id": buildID,
	}
	if kind != "" {
		fields["kind"] = string(kind)
	}
	return fields
}

// ProgressFields 输出下载进度字段，bytes_per_second 保留整数便于检索。
func ProgressFields(buildID string, received, total int64, percent, rate float64) logrus.Fields {
	return logrus.Fields{
		"action":           "download_progress",
		"build_id":         buildID,
		"bytes":            received,
		"total_bytes":      total,
		"percent":          percent,
		"bytes_per_second": int64(rate),
	}
}
