package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Store 负责 manifest.json 的读写，本身不加锁，由调用方串行化访问。
type Store struct {
	path        string
	logger      *logrus.Logger
	displayName func(buildID string) string
}

// StoreOption 调整 Store 的可选行为。
type StoreOption func(*Store)

// WithDisplayNamer 指定迁移时为缺失 displayName 的条目推导展示名的函数。
func WithDisplayNamer(fn func(buildID string) string) StoreOption {
	return func(s *Store) {
		if fn != nil {
			s.displayName = fn
		}
	}
}

// NewStore 以 manifest 文件的绝对路径构建 Store，logger 为空时使用 logrus 全局实例。
// 未指定 WithDisplayNamer 时，缺失的 displayName 回退为 buildId。
func NewStore(path string, logger *logrus.Logger, opts ...StoreOption) *Store {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Store{
		path:        path,
		logger:      logger,
		displayName: func(buildID string) string { return buildID },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path 返回 manifest 文件路径。
func (s *Store) Path() string {
	return s.path
}

// Load 读取并迁移 manifest。文件不存在或解析失败时返回空 manifest，解析失败会记录日志。
func (s *Store) Load() Manifest {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"action": "manifest_load",
				"path":   s.path,
			}).Warn("manifest 读取失败，使用空 manifest")
		}
		return New()
	}

	var loaded Manifest
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"action": "manifest_load",
			"path":   s.path,
		}).Warn("manifest 解析失败，使用空 manifest")
		return New()
	}

	return s.migrate(loaded)
}

// Save 序列化完整快照并通过临时文件 + rename 覆盖写入；任何失败都返回给调用方。
func (s *Store) Save(m Manifest) error {
	if m.Version <= 0 {
		m.Version = CurrentVersion
	}
	if m.Builds == nil {
		m.Builds = []Entry{}
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, ".manifest-*")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	if err == nil {
		err = tempFile.Sync()
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return fmt.Errorf("write temp manifest: %w", err)
	}

	if err := os.Rename(tempName, s.path); err != nil {
		os.Remove(tempName)
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}

// migrate 修正旧版本或被手工编辑过的 manifest：补版本号、丢弃非法条目、buildId 去重（后者优先）。
func (s *Store) migrate(m Manifest) Manifest {
	if m.Version <= 0 {
		m.Version = CurrentVersion
	}

	result := Manifest{Version: m.Version, Builds: make([]Entry, 0, len(m.Builds))}
	for _, entry := range m.Builds {
		if entry.BuildID == "" || !ValidLocalPath(entry.LocalPath) {
			s.logger.WithFields(logrus.Fields{
				"action":     "manifest_migrate",
				"build_id":   entry.BuildID,
				"local_path": entry.LocalPath,
			}).Warn("丢弃非法 manifest 条目")
			continue
		}
		if !entry.Kind.Valid() {
			entry.Kind = KindRelease
		}
		if entry.DisplayName == "" {
			entry.DisplayName = s.displayName(entry.BuildID)
			if entry.DisplayName == "" {
				entry.DisplayName = entry.BuildID
			}
		}
		result = result.With(entry)
	}
	return result
}
