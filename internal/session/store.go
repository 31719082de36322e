// Package session 定义会话存储与按会话串行化的锁，并提供内存实现。
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"FinAssist/internal/model"
)

// ErrNotFound 表示会话不存在或已过期。
var ErrNotFound = errors.New("session: not found")

// Store 持久化会话状态。实现必须保证 Save 失败时保留原有会话。
type Store interface {
	Load(ctx context.Context, sessionID string) (*model.Session, error)
	Save(ctx context.Context, s *model.Session, ttl time.Duration) error
	Delete(ctx context.Context, sessionID string) error
}

// MemoryStore 是进程内会话存储，适用于开发与测试。
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	session *model.Session
	expires time.Time
}

// MemoryOption 定义可选配置。
type MemoryOption func(*MemoryStore)

// WithClock 替换时钟，便于测试过期逻辑。
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore 创建内存会话存储。
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Load 返回会话的深拷贝，调用方的修改不会影响已存储的状态。
func (s *MemoryStore) Load(ctx context.Context, sessionID string) (*model.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	entry, ok := s.entries[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if !entry.expires.IsZero() && !s.now().Before(entry.expires) {
		s.mu.Lock()
		if current, ok := s.entries[sessionID]; ok && current.expires.Equal(entry.expires) {
			delete(s.entries, sessionID)
		}
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	return entry.session.Clone(), nil
}

// Save 存储会话快照并刷新过期时间，ttl 不大于 0 表示永不过期。
func (s *MemoryStore) Save(ctx context.Context, sess *model.Session, ttl time.Duration) error {
	if sess == nil || sess.SessionID == "" {
		return errors.New("会话标识不能为空")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	entry := memoryEntry{session: sess.Clone()}
	if ttl > 0 {
		entry.expires = s.now().Add(ttl)
	}
	s.mu.Lock()
	s.entries[sess.SessionID] = entry
	s.mu.Unlock()
	return nil
}

// Delete 删除会话，不存在时返回 ErrNotFound。
func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[sessionID]; !ok {
		return ErrNotFound
	}
	delete(s.entries, sessionID)
	return nil
}

// Len 返回当前存储的会话数量（含尚未清理的过期会话）。
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

var _ Store = (*MemoryStore)(nil)
