package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
)

var (
	// ErrUnsafePath 表示条目（或符号链接目标）会落到目标目录之外，整个解压被拒绝。
	ErrUnsafePath = errors.New("unsafe archive entry path")
	// ErrLimitExceeded 表示条目数或解压后字节数超过 Limits。
	ErrLimitExceeded = errors.New("archive limit exceeded")
)

const maxLinkTargetSize = 4096

// Limits 约束单次解压的规模，0 表示不限制。
type Limits struct {
	MaxFiles      int
	MaxTotalBytes int64
}

// Stats 汇总一次解压写出的内容，Bytes 只统计普通文件。
type Stats struct {
	Files    int
	Dirs     int
	Symlinks int
	Bytes    int64
}

type entryKind int

const (
	entryFile entryKind = iota
	entryDir
	entrySymlink
)

type plannedEntry struct {
	file   *zip.File
	name   string
	dest   string
	kind   entryKind
	target string
}

// Extract 将 zip 归档解压到 targetDir。
// 所有条目先统一校验，任一条目不安全则不写入任何内容并返回 ErrUnsafePath。
// 写入阶段失败时可能残留部分文件，由调用方决定是否清理。
func Extract(ctx context.Context, archivePath, targetDir string, limits Limits) (Stats, error) {
	var stats Stats

	root, err := filepath.Abs(targetDir)
	if err != nil {
		return stats, fmt.Errorf("resolve target dir: %w", err)
	}
	root = filepath.Clean(root)

	// ErrInsecurePath 仍会返回可用的 reader，具体条目交给 planEntries 判定。
	reader, err := zip.OpenReader(archivePath)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return stats, fmt.Errorf("open archive: %w", err)
	}
	defer reader.Close()

	plan, err := planEntries(root, reader.File, limits)
	if err != nil {
		return stats, err
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return stats, fmt.Errorf("create target dir: %w", err)
	}

	for _, entry := range plan {
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("extraction canceled: %w", err)
		}
		if err := checkResolved(root, entry); err != nil {
			return stats, err
		}

		switch entry.kind {
		case entryDir:
			if err := os.MkdirAll(entry.dest, 0o755); err != nil {
				return stats, fmt.Errorf("create dir %s: %w", entry.name, err)
			}
			stats.Dirs++
		case entrySymlink:
			if err := writeSymlink(entry); err != nil {
				return stats, err
			}
			stats.Symlinks++
		default:
			remaining := int64(-1)
			if limits.MaxTotalBytes > 0 {
				remaining = limits.MaxTotalBytes - stats.Bytes
			}
			written, err := writeFile(entry, remaining)
			stats.Bytes += written
			if err != nil {
				return stats, err
			}
			stats.Files++
		}
	}

	return stats, nil
}

// planEntries 完成全部静态校验：名称、词法包含、符号链接目标与声明大小。
func planEntries(root string, files []*zip.File, limits Limits) ([]plannedEntry, error) {
	if limits.MaxFiles > 0 && len(files) > limits.MaxFiles {
		return nil, fmt.Errorf("%w: %d entries exceeds %d", ErrLimitExceeded, len(files), limits.MaxFiles)
	}

	plan := make([]plannedEntry, 0, len(files))
	var declared uint64
	for _, f := range files {
		name := normalizeName(f.Name)
		if err := validateName(f.Name, name); err != nil {
			return nil, err
		}
		dest, err := plannedDestination(root, name)
		if err != nil {
			return nil, err
		}

		entry := plannedEntry{file: f, name: name, dest: dest, kind: entryFile}
		mode := f.Mode()
		if dest == root {
			if mode.IsDir() {
				continue
			}
			return nil, fmt.Errorf("%w: %q resolves to the target itself", ErrUnsafePath, f.Name)
		}
		switch {
		case mode.IsDir():
			entry.kind = entryDir
		case mode&fs.ModeSymlink != 0:
			target, err := readLinkTarget(f)
			if err != nil {
				return nil, err
			}
			if err := validateLinkTarget(root, name, target); err != nil {
				return nil, err
			}
			entry.kind = entrySymlink
			entry.target = target
		default:
			declared += f.UncompressedSize64
			if limits.MaxTotalBytes > 0 && declared > uint64(limits.MaxTotalBytes) {
				return nil, fmt.Errorf("%w: declared size exceeds %d bytes", ErrLimitExceeded, limits.MaxTotalBytes)
			}
		}
		plan = append(plan, entry)
	}
	return plan, nil
}

// checkResolved 用 securejoin 解析父目录中已存在的符号链接，结果必须与词法路径一致。
func checkResolved(root string, entry plannedEntry) error {
	parentRel, err := filepath.Rel(root, filepath.Dir(entry.dest))
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrUnsafePath, entry.name, err)
	}
	resolved, err := securejoin.SecureJoin(root, parentRel)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrUnsafePath, entry.name, err)
	}
	if filepath.Clean(resolved) != filepath.Dir(entry.dest) {
		return fmt.Errorf("%w: %q is redirected by an existing symlink", ErrUnsafePath, entry.name)
	}
	return nil
}

func readLinkTarget(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", fmt.Errorf("open symlink %s: %w", f.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxLinkTargetSize+1))
	if err != nil {
		return "", fmt.Errorf("read symlink %s: %w", f.Name, err)
	}
	if len(data) > maxLinkTargetSize {
		return "", fmt.Errorf("%w: symlink target too long for %q", ErrUnsafePath, f.Name)
	}
	return string(data), nil
}

// removeIfSymlink 清理上一次解压留下的同名符号链接，避免写入被重定向。
func removeIfSymlink(dest string) error {
	info, err := os.Lstat(dest)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return os.Remove(dest)
	}
	return nil
}

func writeSymlink(entry plannedEntry) error {
	if err := os.MkdirAll(filepath.Dir(entry.dest), 0o755); err != nil {
		return fmt.Errorf("create parent for %s: %w", entry.name, err)
	}
	if err := os.RemoveAll(entry.dest); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("replace %s: %w", entry.name, err)
	}
	if err := os.Symlink(filepath.FromSlash(entry.target), entry.dest); err != nil {
		return fmt.Errorf("create symlink %s: %w", entry.name, err)
	}
	return nil
}

// writeFile 以覆盖语义写出普通文件，remaining < 0 表示不限制剩余字节数。
func writeFile(entry plannedEntry, remaining int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(entry.dest), 0o755); err != nil {
		return 0, fmt.Errorf("create parent for %s: %w", entry.name, err)
	}
	if err := removeIfSymlink(entry.dest); err != nil {
		return 0, fmt.Errorf("replace %s: %w", entry.name, err)
	}

	perm := entry.file.Mode().Perm() | 0o600
	if entry.file.Mode().Perm()&0o111 != 0 {
		perm |= 0o755
	}

	rc, err := entry.file.Open()
	if err != nil {
		return 0, fmt.Errorf("open entry %s: %w", entry.name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(entry.dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", entry.name, err)
	}

	var src io.Reader = rc
	if remaining >= 0 {
		src = io.LimitReader(rc, remaining+1)
	}
	written, copyErr := io.Copy(out, src)
	closeErr := out.Close()

	if copyErr != nil {
		return written, fmt.Errorf("write %s: %w", entry.name, copyErr)
	}
	if remaining >= 0 && written > remaining {
		return written, fmt.Errorf("%w: %s exceeds remaining byte budget", ErrLimitExceeded, entry.name)
	}
	if closeErr != nil {
		return written, fmt.Errorf("close %s: %w", entry.name, closeErr)
	}
	if err := os.Chmod(entry.dest, perm); err != nil {
		return written, fmt.Errorf("chmod %s: %w", entry.name, err)
	}
	return written, nil
}
