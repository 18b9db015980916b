package manifest

import (
	"path"
	"strings"
	"time"
)

// CurrentVersion 是当前写盘使用的 manifest 版本号。
const CurrentVersion = 1

// FileName 是 manifest 在缓存根目录下的固定文件名。
const FileName = "manifest.json"

// Kind 区分正式发布与 PR 构建，JSON 中以 "type" 字段输出。
type Kind string

const (
	KindRelease     Kind = "Release"
	KindPullRequest Kind = "PullRequest"
)

// Valid 判断是否为已知的构建类型。
func (k Kind) Valid() bool {
	return k == KindRelease || k == KindPullRequest
}

// Entry 描述一个已缓存的构建。LocalPath 始终是相对缓存根目录、以 / 分隔的路径。
type Entry struct {
	BuildID      string    `json:"buildId"`
	DisplayName  string    `json:"displayName"`
	LocalPath    string    `json:"localPath"`
	DownloadedAt time.Time `json:"downloadedAt"`
	SizeBytes    int64     `json:"sizeBytes"`
	Kind         Kind      `json:"type"`
}

// Manifest 是 manifest.json 的整体结构，Builds 保持写入顺序。
type Manifest struct {
	Version int     `json:"version"`
	Builds  []Entry `json:"builds"`
}

// New 返回一个空的当前版本 manifest。
func New() Manifest {
	return Manifest{Version: CurrentVersion, Builds: []Entry{}}
}

// Clone 深拷贝 Builds，调用方可以安全地修改返回值。
func (m Manifest) Clone() Manifest {
	builds := make([]Entry, len(m.Builds))
	copy(builds, m.Builds)
	return Manifest{Version: m.Version, Builds: builds}
}

// Find 按 buildId 查找条目并返回其下标。
func (m Manifest) Find(buildID string) (Entry, int, bool) {
	for i, entry := range m.Builds {
		if entry.BuildID == buildID {
			return entry, i, true
		}
	}
	return Entry{}, -1, false
}

// Without 返回移除指定 buildId 后的新 manifest，原值不变。
func (m Manifest) Without(buildID string) Manifest {
	builds := make([]Entry, 0, len(m.Builds))
	for _, entry := range m.Builds {
		if entry.BuildID != buildID {
			builds = append(builds, entry)
		}
	}
	return Manifest{Version: m.Version, Builds: builds}
}

// With 先移除同 buildId 的旧条目再追加新条目，保证 buildId 唯一。
func (m Manifest) With(entry Entry) Manifest {
	next := m.Without(entry.BuildID)
	next.Builds = append(next.Builds, entry)
	return next
}

// TotalSize 汇总所有条目记录的大小，不会重新扫描磁盘。
func (m Manifest) TotalSize() int64 {
	var total int64
	for _, entry := range m.Builds {
		total += entry.SizeBytes
	}
	return total
}

// ValidLocalPath 校验相对路径：非空、非绝对路径、不含 .. 或反斜杠、不是根目录本身。
func ValidLocalPath(p string) bool {
	if strings.TrimSpace(p) == "" {
		return false
	}
	if strings.ContainsAny(p, "\\:\x00") {
		return false
	}
	if strings.HasPrefix(p, "/") {
		return false
	}
	for _, segment := range strings.Split(p, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return false
		}
	}
	return path.Clean(p) == p
}
