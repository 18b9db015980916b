// Package pullrequest 注册 "pr-<number>" 形式的 PR 构建。
package pullrequest

import (
	"strconv"

	"github.com/any-hub/build-hub/internal/buildkind"
	"github.com/any-hub/build-hub/internal/manifest"
)

const (
	Key       = "pullrequest"
	Prefix    = "pr-"
	Directory = "pull-requests"
)

func init() {
	buildkind.MustRegister(buildkind.Definition{
		Key:         Key,
		Prefix:      Prefix,
		Kind:        manifest.KindPullRequest,
		Directory:   Directory,
		Description: "Pull request builds, cached under pull-requests/pr-<n>",
		Parse:       parse,
	})
}

// parse 只接受纯数字编号；pr-abc 之类交给兜底规则。
func parse(rest string) (string, string, bool) {
	if rest == "" {
		return "", "", false
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return "", "", false
		}
	}
	if _, err := strconv.ParseUint(rest, 10, 64); err != nil {
		return "", "", false
	}
	return "PR #" + rest, Prefix + rest, true
}
