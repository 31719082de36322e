package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"FinAssist/internal/session"
	"FinAssist/pkg/logger"
)

// releaseScript 仅在令牌匹配时删除锁。
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// Locker 是基于 Redis 的分布式会话锁。
type Locker struct {
	client commander
	prefix string
	ttl    time.Duration
	retry  time.Duration
	logger *slog.Logger
}

// LockerOption 定义锁的可选配置。
type LockerOption func(*Locker)

// WithLockTTL 设置锁的自动过期时间，防止持有者崩溃后锁永不释放。
func WithLockTTL(ttl time.Duration) LockerOption {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithRetryInterval 设置获取锁失败后的重试间隔。
func WithRetryInterval(d time.Duration) LockerOption {
	return func(l *Locker) {
		if d > 0 {
			l.retry = d
		}
	}
}

// WithLockerLogger 指定日志记录器。
func WithLockerLogger(log *slog.Logger) LockerOption {
	return func(l *Locker) {
		if log != nil {
			l.logger = log
		}
	}
}

// NewLocker 创建分布式会话锁。
func NewLocker(client *goredis.Client, prefix string, opts ...LockerOption) *Locker {
	return newLocker(client, prefix, opts...)
}

func newLocker(client commander, prefix string, opts ...LockerOption) *Locker {
	l := &Locker{
		client: client,
		prefix: prefixOrDefault(prefix) + "lock:",
		ttl:    30 * time.Second,
		retry:  50 * time.Millisecond,
		logger: logger.Named("session-lock"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Lock 轮询获取锁直到成功或 ctx 结束。
func (l *Locker) Lock(ctx context.Context, sessionID string) (func(), error) {
	key := l.prefix + sessionID
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("获取会话锁失败: %w", err)
		}
		if ok {
			break
		}
		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, token, sessionID) })
	}, nil
}

func (l *Locker) release(key, token, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := l.client.Eval(ctx, releaseScript, []string{key}, token).Err(); err != nil {
		l.logger.Warn("释放会话锁失败", "session_id", sessionID, "error", err)
	}
}

var _ session.Locker = (*Locker)(nil)
