package buildcache

import (
	"context"
	"sync"
)

// keyedMutex 为每个 buildId 提供互斥，表项按引用计数创建与回收。
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*entryLock
}

// entryLock 用容量为 1 的 channel 实现可被 context 打断的互斥锁。
type entryLock struct {
	slot chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*entryLock)}
}

// Lock 阻塞直到获得 key 的锁或 ctx 结束；返回的 unlock 只能调用一次。
func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	lock := k.locks[key]
	if lock == nil {
		lock = &entryLock{slot: make(chan struct{}, 1)}
		k.locks[key] = lock
	}
	lock.refs++
	k.mu.Unlock()

	select {
	case lock.slot <- struct{}{}:
	case <-ctx.Done():
		k.release(key, lock)
		return nil, ctx.Err()
	}

	return func() {
		<-lock.slot
		k.release(key, lock)
	}, nil
}

func (k *keyedMutex) release(key string, lock *entryLock) {
	k.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// Len 返回当前仍被持有或等待的 key 数量。
func (k *keyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
