// Package testutil builds zip fixtures for extraction and cache tests.
package testutil

import (
	"archive/zip"
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// ZipEntry 描述 fixture 中的一个条目；Dir 与 LinkTarget 互斥。
type ZipEntry struct {
	Name       string
	Body       string
	Mode       fs.FileMode
	Dir        bool
	LinkTarget string
}

// File 返回普通文件条目。
func File(name, body string) ZipEntry {
	return ZipEntry{Name: name, Body: body, Mode: 0o644}
}

// Executable 返回带可执行位的文件条目。
func Executable(name, body string) ZipEntry {
	return ZipEntry{Name: name, Body: body, Mode: 0o755}
}

// Dir 返回目录条目，名称会自动补全结尾的 /。
func Dir(name string) ZipEntry {
	return ZipEntry{Name: name, Dir: true, Mode: 0o755}
}

// Symlink 返回符号链接条目。
func Symlink(name, target string) ZipEntry {
	return ZipEntry{Name: name, LinkTarget: target, Mode: 0o777}
}

// ZipBytes 将条目按顺序写成内存中的 zip 归档。
func ZipBytes(t testing.TB, entries ...ZipEntry) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	modified := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, entry := range entries {
		header := &zip.FileHeader{
			Name:     entry.Name,
			Method:   zip.Deflate,
			Modified: modified,
		}
		body := entry.Body
		switch {
		case entry.Dir:
			if n := len(header.Name); n == 0 || header.Name[n-1] != '/' {
				header.Name += "/"
			}
			header.Method = zip.Store
			header.SetMode(fs.ModeDir | entry.Mode)
		case entry.LinkTarget != "":
			header.SetMode(fs.ModeSymlink | entry.Mode)
			body = entry.LinkTarget
		default:
			header.SetMode(entry.Mode)
		}

		w, err := zw.CreateHeader(header)
		if err != nil {
			t.Fatalf("create zip entry %s: %v", entry.Name, err)
		}
		if entry.Dir {
			continue
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatalf("write zip entry %s: %v", entry.Name, err)
		}
	}

	if err := zw.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}
	return buf.Bytes()
}

// WriteZip 将 fixture 写入 dir 下的 name 文件并返回完整路径。
func WriteZip(t testing.TB, dir, name string, entries ...ZipEntry) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, ZipBytes(t, entries...), 0o644); err != nil {
		t.Fatalf("write zip fixture: %v", err)
	}
	return path
}

// BuildArchive 返回一个典型构建产物：可执行文件位于 bin/ 下，并附带若干资源文件。
func BuildArchive(t testing.TB, executable string) []byte {
	t.Helper()
	return ZipBytes(t,
		Dir("bin"),
		Executable("bin/"+executable, "#!/bin/sh\necho ok\n"),
		File("assets/readme.txt", "hello"),
		File("assets/data/level1.dat", "0123456789"),
	)
}

// ZipSlipArchive 返回包含穿越路径的归档，合法条目排在前面以验证整体拒绝。
func ZipSlipArchive(t testing.TB, maliciousName string) []byte {
	t.Helper()
	return ZipBytes(t,
		File("safe.txt", "legitimate content"),
		File(maliciousName, "malicious content"),
	)
}
