package marketdata

import (
	"context"
	"fmt"
	"strings"
	"time"

	finance "github.com/piquette/finance-go"
	"github.com/piquette/finance-go/quote"
	"github.com/shopspring/decimal"
)

const yahooSource = "yahoo_finance"

// yahooIndices 将规范指数代码映射为 Yahoo 符号。
var yahooIndices = map[string]string{
	"DJI":  "^DJI",
	"IXIC": "^IXIC",
	"SPX":  "^GSPC",
	"HSI":  "^HSI",
}

// YahooClient 通过 Yahoo Finance 获取港美股与海外指数行情。
type YahooClient struct {
	get func(symbol string) (*finance.Quote, error)
	now func() time.Time
}

// YahooOption 定义可选配置。
type YahooOption func(*YahooClient)

// WithQuoteFunc 替换行情查询函数，便于测试。
func WithQuoteFunc(get func(symbol string) (*finance.Quote, error)) YahooOption {
	return func(c *YahooClient) {
		if get != nil {
			c.get = get
		}
	}
}

// NewYahooClient 创建 Yahoo 行情客户端。
func NewYahooClient(opts ...YahooOption) *YahooClient {
	c := &YahooClient{get: quote.Get, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// YahooSymbol 将规范代码转换为 Yahoo 符号：AAPL.US → AAPL，00700.HK → 0700.HK。
func YahooSymbol(code string) (string, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if symbol, ok := yahooIndices[code]; ok {
		return symbol, true
	}
	base, market, ok := strings.Cut(code, ".")
	if !ok || base == "" {
		return "", false
	}
	switch market {
	case "US":
		return base, true
	case "HK":
		trimmed := strings.TrimLeft(base, "0")
		for len(trimmed) < 4 {
			trimmed = "0" + trimmed
		}
		return trimmed + ".HK", true
	}
	return "", false
}

// Fetch 实现 Fetcher。底层库不支持 context，调用前后检查取消状态。
func (c *YahooClient) Fetch(ctx context.Context, code string) (Quote, error) {
	symbol, ok := YahooSymbol(code)
	if !ok {
		return Quote{}, ErrNotFound
	}
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}

	q, err := c.get(symbol)
	if err != nil {
		return Quote{}, fmt.Errorf("请求 Yahoo 行情 %s 失败: %w", symbol, err)
	}
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	if q == nil {
		return Quote{}, ErrNotFound
	}

	name := q.ShortName
	if name == "" {
		name = symbol
	}
	out := Quote{
		Code:          code,
		Name:          name,
		Price:         decimal.NewFromFloat(q.RegularMarketPrice),
		Open:          decimal.NewFromFloat(q.RegularMarketOpen),
		PrevClose:     decimal.NewFromFloat(q.RegularMarketPreviousClose),
		High:          decimal.NewFromFloat(q.RegularMarketDayHigh),
		Low:           decimal.NewFromFloat(q.RegularMarketDayLow),
		Volume:        int64(q.RegularMarketVolume),
		Change:        decimal.NewFromFloat(q.RegularMarketChange),
		ChangePercent: decimal.NewFromFloat(q.RegularMarketChangePercent).Round(2),
		Currency:      q.CurrencyID,
		Source:        yahooSource,
		Timestamp:     c.now(),
	}
	if q.RegularMarketTime > 0 {
		out.Timestamp = time.Unix(int64(q.RegularMarketTime), 0)
	}
	out.fillChange()
	return out, nil
}

var _ Fetcher = (*YahooClient)(nil)
