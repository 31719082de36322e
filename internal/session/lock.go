package session

import (
	"context"
	"sync"
)

// Locker 保证同一会话的回合从加载到保存串行执行。
// Lock 返回的 unlock 函数必须且只能调用一次。
type Locker interface {
	Lock(ctx context.Context, sessionID string) (unlock func(), err error)
}

// KeyedLocker 是进程内按键加锁的实现，不同会话互不阻塞。
type KeyedLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewKeyedLocker 创建进程内会话锁。
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{slots: make(map[string]*slot)}
}

// Lock 获取会话锁，ctx 结束前未获取到时返回 ctx 的错误。
func (l *KeyedLocker) Lock(ctx context.Context, sessionID string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[sessionID]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[sessionID] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(sessionID, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.release(sessionID, s)
		})
	}, nil
}

func (l *KeyedLocker) release(sessionID string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, sessionID)
	}
}

// active 返回仍被持有或等待的会话数量。
func (l *KeyedLocker) active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

var _ Locker = (*KeyedLocker)(nil)
