// Package locator 在解压后的目录树里查找可运行的构建产物。
package locator

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"runtime"
	"strings"
)

// Finder 先按文件名精确匹配，找不到时再按平台约定回退。
type Finder struct {
	// Name 是期望的可执行文件名（含扩展名）。
	Name string
	// Extension 非空时作为回退匹配的扩展名，否则使用平台默认规则。
	Extension string

	goos string
}

// New 构建 Finder；extension 可带或不带前导点。
func New(name, extension string) Finder {
	ext := strings.TrimSpace(extension)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return Finder{Name: name, Extension: ext, goos: runtime.GOOS}
}

func (f Finder) platform() string {
	if f.goos != "" {
		return f.goos
	}
	return runtime.GOOS
}

// Find 返回第一个匹配文件的绝对路径。未找到时 found=false 且 err=nil。
func (f Finder) Find(dir string) (string, bool, error) {
	if f.Name != "" {
		path, found, err := f.walk(dir, f.matchName)
		if err != nil || found {
			return path, found, err
		}
	}
	return f.walk(dir, f.matchFallback)
}

func (f Finder) walk(dir string, match func(fs.DirEntry) (bool, error)) (string, bool, error) {
	var result string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		ok, err := match(d)
		if err != nil {
			return err
		}
		if ok {
			result = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && result == "" {
			return "", false, nil
		}
		return "", false, fmt.Errorf("search %s: %w", dir, err)
	}
	if result == "" {
		return "", false, nil
	}
	abs, err := filepath.Abs(result)
	if err != nil {
		return "", false, fmt.Errorf("resolve %s: %w", result, err)
	}
	return abs, true, nil
}

func (f Finder) matchName(d fs.DirEntry) (bool, error) {
	if f.platform() == "windows" {
		return strings.EqualFold(d.Name(), f.Name), nil
	}
	return d.Name() == f.Name, nil
}

// matchFallback 配置了扩展名时按扩展名匹配；否则 Windows 匹配 .exe，其它平台匹配任一可执行位。
func (f Finder) matchFallback(d fs.DirEntry) (bool, error) {
	if f.Extension != "" {
		return strings.EqualFold(filepath.Ext(d.Name()), f.Extension), nil
	}
	if f.platform() == "windows" {
		return strings.EqualFold(filepath.Ext(d.Name()), ".exe"), nil
	}
	info, err := d.Info()
	if err != nil {
		return false, err
	}
	return info.Mode().Perm()&0o111 != 0, nil
}

// Sample 返回最多 limit 个相对 dir 的文件名（/ 分隔），用于诊断信息。
func Sample(dir string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	names := make([]string, 0, limit)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		if len(names) >= limit {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return names, fmt.Errorf("sample %s: %w", dir, err)
	}
	return names, nil
}
