// Package release 注册 "release-<version>" 形式的正式发布构建。
package release

import (
	"github.com/any-hub/build-hub/internal/buildkind"
	"github.com/any-hub/build-hub/internal/manifest"
)

const (
	Key       = "release"
	Prefix    = "release-"
	Directory = "releases"
)

func init() {
	buildkind.MustRegister(buildkind.Definition{
		Key:         Key,
		Prefix:      Prefix,
		Kind:        manifest.KindRelease,
		Directory:   Directory,
		Description: "Tagged release builds, cached under releases/<version>",
		Parse:       parse,
	})
}

// parse 直接使用版本号作为展示名与目录名。
func parse(rest string) (string, string, bool) {
	if rest == "" {
		return "", "", false
	}
	return rest, rest, true
}
