package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Router 按代码所属市场选择数据源：A 股与国内指数走新浪，港美股与海外指数走 Yahoo。
type Router struct {
	domestic Fetcher
	overseas Fetcher
}

// NewRouter 创建行情路由，任一数据源可为空。
func NewRouter(domestic, overseas Fetcher) *Router {
	return &Router{domestic: domestic, overseas: overseas}
}

// Fetch 实现 Fetcher。
func (r *Router) Fetch(ctx context.Context, code string) (Quote, error) {
	var target Fetcher
	if _, ok := SinaSymbol(code); ok {
		target = r.domestic
	} else if _, ok := YahooSymbol(code); ok {
		target = r.overseas
	}
	if target == nil {
		return Quote{}, ErrNotFound
	}
	return target.Fetch(ctx, code)
}

// CachedFetcher 为底层数据源增加短时缓存，同一代码在 TTL 内只请求一次。
type CachedFetcher struct {
	next Fetcher
	ttl  time.Duration
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	quote   Quote
	expires time.Time
}

// NewCachedFetcher 创建带缓存的数据源，ttl 不大于 0 时直接透传。
func NewCachedFetcher(next Fetcher, ttl time.Duration) *CachedFetcher {
	return &CachedFetcher{next: next, ttl: ttl, now: time.Now, entries: make(map[string]cacheEntry)}
}

// Fetch 实现 Fetcher。错误结果不缓存。
func (c *CachedFetcher) Fetch(ctx context.Context, code string) (Quote, error) {
	if c.ttl <= 0 {
		return c.next.Fetch(ctx, code)
	}
	key := strings.ToUpper(strings.TrimSpace(code))
	now := c.now()

	c.mu.Lock()
	if entry, ok := c.entries[key]; ok && now.Before(entry.expires) {
		c.mu.Unlock()
		return entry.quote, nil
	}
	c.mu.Unlock()

	q, err := c.next.Fetch(ctx, code)
	if err != nil {
		return Quote{}, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{quote: q, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return q, nil
}

// StaticFetcher 从本地 JSON 行情快照提供数据，用于离线演示与测试。
type StaticFetcher struct {
	quotes map[string]Quote
}

// NewStaticFetcher 使用给定行情创建静态数据源。
func NewStaticFetcher(quotes ...Quote) *StaticFetcher {
	f := &StaticFetcher{quotes: make(map[string]Quote, len(quotes))}
	for _, q := range quotes {
		q.fillChange()
		if q.Source == "" {
			q.Source = "fixture"
		}
		f.quotes[strings.ToUpper(q.Code)] = q
	}
	return f
}

// LoadStaticFetcher 读取 JSON 数组格式的行情快照文件。
func LoadStaticFetcher(path string) (*StaticFetcher, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取行情快照失败: %w", err)
	}
	var quotes []Quote
	if err := json.Unmarshal(raw, &quotes); err != nil {
		return nil, fmt.Errorf("解析行情快照失败: %w", err)
	}
	return NewStaticFetcher(quotes...), nil
}

// Fetch 实现 Fetcher。
func (f *StaticFetcher) Fetch(ctx context.Context, code string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	q, ok := f.quotes[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return Quote{}, ErrNotFound
	}
	return q, nil
}

var (
	_ Fetcher = (*Router)(nil)
	_ Fetcher = (*CachedFetcher)(nil)
	_ Fetcher = (*StaticFetcher)(nil)
)
