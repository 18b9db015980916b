package archive

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var encodedTraversal = []string{
	"..%2f", "..%5c",
	"%2e%2e%2f", "%2e%2e%5c",
	"%2e%2e/", "%2e%2e\\",
	"..%c0%af", "..%c1%9c",
}

// normalizeName 将 Windows 工具写入的反斜杠统一为 /，并去掉目录项的结尾分隔符。
func normalizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	return strings.TrimSuffix(name, "/")
}

// validateName 拒绝空路径、绝对路径、穿越片段、编码穿越以及控制字符。
// 传入的 name 必须已经过 normalizeName。
func validateName(raw, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty entry name %q", ErrUnsafePath, raw)
	}
	if isAbsolute(raw) || isAbsolute(name) {
		return fmt.Errorf("%w: absolute entry name %q", ErrUnsafePath, raw)
	}
	lower := strings.ToLower(raw)
	for _, variant := range encodedTraversal {
		if strings.Contains(lower, variant) {
			return fmt.Errorf("%w: encoded traversal in %q", ErrUnsafePath, raw)
		}
	}
	for _, segment := range strings.Split(name, "/") {
		if segment == ".." {
			return fmt.Errorf("%w: traversal segment in %q", ErrUnsafePath, raw)
		}
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: control character in %q", ErrUnsafePath, raw)
		}
	}
	return nil
}

// isAbsolute 同时识别 POSIX、Windows 盘符与 UNC 形式的绝对路径。
func isAbsolute(p string) bool {
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") {
		return true
	}
	if strings.HasPrefix(p, `\\`) {
		return true
	}
	if len(p) >= 2 && p[1] == ':' {
		drive := p[0]
		if (drive >= 'A' && drive <= 'Z') || (drive >= 'a' && drive <= 'z') {
			return true
		}
	}
	return false
}

// within 判断 target 是否落在 root 内（含 root 本身）。两者都必须是清理过的绝对路径。
func within(root, target string) bool {
	if target == root {
		return true
	}
	return strings.HasPrefix(target, root+string(os.PathSeparator))
}

// plannedDestination 计算条目的目标路径，并做词法层面的包含校验。
func plannedDestination(root, name string) (string, error) {
	dest := filepath.Join(root, filepath.FromSlash(name))
	if !within(root, dest) {
		return "", fmt.Errorf("%w: %q resolves outside target", ErrUnsafePath, name)
	}
	return dest, nil
}

// validateLinkTarget 要求符号链接目标是相对路径，且相对链接所在目录解析后仍在 root 内。
func validateLinkTarget(root, name, target string) error {
	if strings.TrimSpace(target) == "" {
		return fmt.Errorf("%w: empty symlink target for %q", ErrUnsafePath, name)
	}
	normalized := strings.ReplaceAll(target, "\\", "/")
	if isAbsolute(target) || isAbsolute(normalized) {
		return fmt.Errorf("%w: absolute symlink target %q -> %q", ErrUnsafePath, name, target)
	}
	if strings.ContainsRune(target, 0) {
		return fmt.Errorf("%w: NUL in symlink target for %q", ErrUnsafePath, name)
	}
	resolved := path.Join(path.Dir(name), normalized)
	if resolved == ".." || strings.HasPrefix(resolved, "../") {
		return fmt.Errorf("%w: symlink %q -> %q escapes target", ErrUnsafePath, name, target)
	}
	dest := filepath.Join(root, filepath.FromSlash(resolved))
	if !within(root, dest) {
		return fmt.Errorf("%w: symlink %q -> %q escapes target", ErrUnsafePath, name, target)
	}
	return nil
}
