package keylock

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// Arena はキーごとの排他ロックを必要な時だけ生成し、競合がなくなれば破棄します。
// 異なるキー同士は互いにブロックしません。
type Arena[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry
}

// New は空の Arena を生成します。
func New[K comparable]() *Arena[K] {
	return &Arena[K]{entries: make(map[K]*entry)}
}

// Lock は key のロックを取得し、解放関数を返します。
// ctx がキャンセルされた場合はロックを取得せずにエラーを返します。
func (a *Arena[K]) Lock(ctx context.Context, key K) (func(), error) {
	a.mu.Lock()
	e, ok := a.entries[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		a.entries[key] = e
	}
	e.refs++
	a.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		a.release(key, e, false)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { a.release(key, e, true) })
	}, nil
}

func (a *Arena[K]) release(key K, e *entry, held bool) {
	if held {
		e.sem.Release(1)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(a.entries, key)
	}
}

// Len は現在保持しているキーの数を返します。
func (a *Arena[K]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}
