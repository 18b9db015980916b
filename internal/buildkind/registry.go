package buildkind

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/any-hub/build-hub/internal/manifest"
)

// ErrInvalidBuildID 表示 buildId 无法映射为安全的缓存子目录。
var ErrInvalidBuildID = errors.New("invalid build id")

// FallbackDirectory 是无法识别前缀时使用的目录。
const FallbackDirectory = "releases"

// ParseFunc 解析去掉前缀后的剩余部分，返回展示名与目录段；ok=false 表示格式不匹配，交由兜底规则处理。
type ParseFunc func(rest string) (displayName, segment string, ok bool)

// Definition 描述一种构建标识前缀以及它在缓存目录中的落点。
type Definition struct {
	Key         string
	Prefix      string
	Kind        manifest.Kind
	Directory   string
	Description string
	Parse       ParseFunc
}

// Parsed 是 Resolve 的结果，RelativePath 以 / 分隔，相对缓存根目录。
type Parsed struct {
	Key          string
	Kind         manifest.Kind
	DisplayName  string
	RelativePath string
}

var globalRegistry = newRegistry()

type registry struct {
	mu    sync.RWMutex
	kinds map[string]Definition
}

func newRegistry() *registry {
	return &registry{kinds: make(map[string]Definition)}
}

// Register 将构建类型加入全局注册表，键或前缀重复都会返回错误。
func Register(def Definition) error {
	return globalRegistry.register(def)
}

// MustRegister 在注册失败时 panic，适合子包 init() 中调用。
func MustRegister(def Definition) {
	if err := Register(def); err != nil {
		panic(err)
	}
}

// Lookup 返回指定键的构建类型定义。
func Lookup(key string) (Definition, bool) {
	return globalRegistry.lookup(key)
}

// List 返回按键排序的定义列表。
func List() []Definition {
	return globalRegistry.list()
}

// Keys 返回所有已注册类型的键值。
func Keys() []string {
	items := List()
	result := make([]string, len(items))
	for i, def := range items {
		result[i] = def.Key
	}
	return result
}

// Resolve 将 buildId 解析为类型、展示名与相对目录。
// 前缀匹配按前缀长度从长到短尝试；都不匹配时视为 Release，原始 id 同时作为展示名与目录段。
func Resolve(buildID string) (Parsed, error) {
	return globalRegistry.resolve(buildID)
}

func (r *registry) normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func (r *registry) register(def Definition) error {
	key := r.normalizeKey(def.Key)
	if key == "" {
		return fmt.Errorf("build kind key is required")
	}
	if def.Prefix == "" {
		return fmt.Errorf("build kind %s: prefix is required", key)
	}
	if def.Parse == nil {
		return fmt.Errorf("build kind %s: parse func is required", key)
	}
	if !validSegment(def.Directory) {
		return fmt.Errorf("build kind %s: invalid directory %q", key, def.Directory)
	}
	if !def.Kind.Valid() {
		return fmt.Errorf("build kind %s: unknown kind %q", key, def.Kind)
	}
	def.Key = key

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.kinds[key]; exists {
		return fmt.Errorf("build kind %s already registered", key)
	}
	for _, existing := range r.kinds {
		if existing.Prefix == def.Prefix {
			return fmt.Errorf("build kind %s: prefix %q already used by %s", key, def.Prefix, existing.Key)
		}
	}
	r.kinds[key] = def
	return nil
}

func (r *registry) lookup(key string) (Definition, bool) {
	if key == "" {
		return Definition{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.kinds[r.normalizeKey(key)]
	return def, ok
}

func (r *registry) list() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.kinds) == 0 {
		return nil
	}
	keys := make([]string, 0, len(r.kinds))
	for key := range r.kinds {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]Definition, 0, len(keys))
	for _, key := range keys {
		result = append(result, r.kinds[key])
	}
	return result
}

// byPrefix 返回按前缀长度降序排列的定义，保证更具体的前缀优先。
func (r *registry) byPrefix() []Definition {
	defs := r.list()
	sort.SliceStable(defs, func(i, j int) bool {
		return len(defs[i].Prefix) > len(defs[j].Prefix)
	})
	return defs
}

func (r *registry) resolve(buildID string) (Parsed, error) {
	if strings.TrimSpace(buildID) == "" {
		return Parsed{}, fmt.Errorf("%w: empty", ErrInvalidBuildID)
	}

	for _, def := range r.byPrefix() {
		rest, ok := strings.CutPrefix(buildID, def.Prefix)
		if !ok {
			continue
		}
		display, segment, ok := def.Parse(rest)
		if !ok {
			continue
		}
		if !validSegment(segment) {
			return Parsed{}, fmt.Errorf("%w: %q", ErrInvalidBuildID, buildID)
		}
		return Parsed{
			Key:          def.Key,
			Kind:         def.Kind,
			DisplayName:  display,
			RelativePath: def.Directory + "/" + segment,
		}, nil
	}

	if !validSegment(buildID) {
		return Parsed{}, fmt.Errorf("%w: %q", ErrInvalidBuildID, buildID)
	}
	return Parsed{
		Kind:         manifest.KindRelease,
		DisplayName:  buildID,
		RelativePath: FallbackDirectory + "/" + buildID,
	}, nil
}

// validSegment 要求目录段是单层、非空、且不含路径分隔符或控制字符。
func validSegment(segment string) bool {
	if strings.TrimSpace(segment) == "" || segment == "." || segment == ".." {
		return false
	}
	if strings.ContainsAny(segment, "/\\:") {
		return false
	}
	for _, r := range segment {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}
