package buildcache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	locks := newKeyedMutex()
	unlock, err := locks.Lock(context.Background(), "release-v1")
	if err != nil {
		t.Fatalf("首次加锁失败: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		second, err := locks.Lock(context.Background(), "release-v1")
		if err != nil {
			t.Errorf("第二次加锁失败: %v", err)
			return
		}
		close(acquired)
		second()
	}()

	select {
	case <-acquired:
		t.Fatalf("同一 key 不应被同时持有")
	case <-time.After(30 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("释放后等待者应获得锁")
	}
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	locks := newKeyedMutex()
	first, err := locks.Lock(context.Background(), "release-v1")
	if err != nil {
		t.Fatalf("加锁失败: %v", err)
	}
	defer first()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	second, err := locks.Lock(ctx, "pr-1")
	if err != nil {
		t.Fatalf("不同 key 不应互相阻塞: %v", err)
	}
	second()
}

func TestKeyedMutexContextCancel(t *testing.T) {
	locks := newKeyedMutex()
	unlock, _ := locks.Lock(context.Background(), "release-v1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := locks.Lock(ctx, "release-v1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("期望超时错误，实际 %v", err)
	}
	if locks.Len() != 1 {
		t.Fatalf("等待者放弃后只应剩持有者的表项，实际 %d", locks.Len())
	}

	unlock()
	if locks.Len() != 0 {
		t.Fatalf("全部释放后表项应被回收，实际 %d", locks.Len())
	}
}
