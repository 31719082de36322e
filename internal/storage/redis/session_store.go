package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"FinAssist/internal/model"
	"FinAssist/internal/session"
)

// SessionStore 将会话序列化为 JSON 存入 Redis。
type SessionStore struct {
	client commander
	prefix string
}

// NewSessionStore 基于已建立的客户端创建会话存储。
func NewSessionStore(client *goredis.Client, prefix string) *SessionStore {
	return newSessionStore(client, prefix)
}

func newSessionStore(client commander, prefix string) *SessionStore {
	return &SessionStore{client: client, prefix: prefixOrDefault(prefix) + "session:"}
}

func (s *SessionStore) key(sessionID string) string {
	return s.prefix + sessionID
}

// Load 读取会话，键不存在时返回 session.ErrNotFound。
func (s *SessionStore) Load(ctx context.Context, sessionID string) (*model.Session, error) {
	raw, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, session.ErrNotFound
		}
		return nil, fmt.Errorf("读取会话失败: %w", err)
	}
	var sess model.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("解析会话失败: %w", err)
	}
	if sess.LastActiveEntities == nil {
		sess.LastActiveEntities = make(map[model.EntityKind]model.Entity)
	}
	return &sess, nil
}

// Save 以单条 SET 写入整个会话，写入失败时 Redis 中保留旧值。
func (s *SessionStore) Save(ctx context.Context, sess *model.Session, ttl time.Duration) error {
	if sess == nil || sess.SessionID == "" {
		return errors.New("会话标识不能为空")
	}
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("序列化会话失败: %w", err)
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(sess.SessionID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("保存会话失败: %w", err)
	}
	return nil
}

// Delete 删除会话。
func (s *SessionStore) Delete(ctx context.Context, sessionID string) error {
	n, err := s.client.Del(ctx, s.key(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("删除会话失败: %w", err)
	}
	if n == 0 {
		return session.ErrNotFound
	}
	return nil
}

var _ session.Store = (*SessionStore)(nil)
