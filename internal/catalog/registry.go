// Package catalog 提供可下载构建的元数据来源。
package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/any-hub/build-hub/internal/buildkind"
	"github.com/any-hub/build-hub/internal/config"
	"github.com/any-hub/build-hub/internal/manifest"
)

// Build 是元数据来源返回的一条构建描述。
type Build struct {
	ID          string        `json:"build_id"`
	URL         string        `json:"url"`
	DisplayName string        `json:"display_name"`
	Kind        manifest.Kind `json:"type"`
	CreatedAt   time.Time     `json:"created_at,omitempty"`
}

// Provider 是缓存层消费的元数据接口，可以由静态配置或远端服务实现。
type Provider interface {
	Builds(ctx context.Context) ([]Build, error)
	Lookup(ctx context.Context, id string) (Build, bool, error)
}

// Registry 是基于 [[Build]] 配置的静态 Provider，保持配置中的顺序。
type Registry struct {
	builds  map[string]*Build
	ordered []*Build
}

var _ Provider = (*Registry)(nil)

// NewRegistry 根据配置构建目录。调用方应在启动阶段创建一次并复用。
func NewRegistry(cfg *config.Config) (*Registry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &Registry{
		builds: make(map[string]*Build, len(cfg.Builds)),
	}

	for _, item := range cfg.Builds {
		if _, exists := registry.builds[item.ID]; exists {
			return nil, fmt.Errorf("duplicate build id %s", item.ID)
		}
		build, err := buildFromConfig(item)
		if err != nil {
			return nil, err
		}
		registry.builds[build.ID] = build
		registry.ordered = append(registry.ordered, build)
	}

	return registry, nil
}

func buildFromConfig(item config.BuildConfig) (*Build, error) {
	parsed, err := buildkind.Resolve(item.ID)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", item.ID, err)
	}
	if _, err := url.Parse(item.URL); err != nil {
		return nil, fmt.Errorf("invalid url for build %s: %w", item.ID, err)
	}

	display := item.DisplayName
	if display == "" {
		display = parsed.DisplayName
	}
	return &Build{
		ID:          item.ID,
		URL:         item.URL,
		DisplayName: display,
		Kind:        parsed.Kind,
		CreatedAt:   item.CreatedAt,
	}, nil
}

// Builds 返回全部构建的副本，按配置顺序排列。
func (r *Registry) Builds(ctx context.Context) ([]Build, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r == nil || len(r.ordered) == 0 {
		return nil, nil
	}
	result := make([]Build, len(r.ordered))
	for i, build := range r.ordered {
		result[i] = *build
	}
	return result, nil
}

// Lookup 按 ID 查找构建。
func (r *Registry) Lookup(ctx context.Context, id string) (Build, bool, error) {
	if err := ctx.Err(); err != nil {
		return Build{}, false, err
	}
	if r == nil {
		return Build{}, false, nil
	}
	build, ok := r.builds[id]
	if !ok {
		return Build{}, false, nil
	}
	return *build, true, nil
}

// Len 返回目录中的构建数量。
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.ordered)
}
