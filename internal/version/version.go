package version

import (
	"fmt"
	"runtime"
)

// Version/Commit/BuildDate 可在构建时通过 -ldflags 注入，默认使用开发占位符。
var (
	Version   = "0.1.0"
	Commit    = "dev"
	BuildDate = "unknown"
)

// Info 是 /-/version 接口与 CLI 共用的版本描述。
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Full      string `json:"full"`
}

// Get 返回当前二进制的版本信息。
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Full:      Full(),
	}
}

// Full 返回便于 CLI 打印的完整版本信息。
func Full() string {
	return fmt.Sprintf("build-hub %s (%s, built %s)", Version, Commit, BuildDate)
}
