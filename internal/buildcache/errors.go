package buildcache

import (
	"context"
	"errors"
	"fmt"
)

// 错误分类，调用方通过 errors.Is 判断。
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrTransport         = errors.New("download failed")
	ErrExtraction        = errors.New("extraction failed")
	ErrExecutableMissing = errors.New("executable not found")
	ErrPersist           = errors.New("manifest persist failed")
	ErrCanceled          = errors.New("operation canceled")
)

// BuildError 记录失败的操作、构建与错误分类，Err 保留底层原因。
type BuildError struct {
	Op      string
	BuildID string
	Kind    error
	Err     error
}

func (e *BuildError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.BuildID, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.BuildID, e.Kind, e.Err)
}

// Unwrap 同时暴露分类与原因，使 errors.Is(err, ErrTransport) 与 errors.As(err, *StatusError) 都成立。
func (e *BuildError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newBuildError(op, buildID string, kind, err error) error {
	return &BuildError{Op: op, BuildID: buildID, Kind: kind, Err: err}
}

// IsCanceled 判断错误是否源自取消或超时。
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// classify 在 ctx 已结束时把任意失败统一归为 ErrCanceled。
func classify(ctx context.Context, fallback, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrCanceled
	}
	return fallback
}
