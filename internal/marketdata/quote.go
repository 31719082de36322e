// Package marketdata 提供 A 股、港美股与指数的实时行情数据源。
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound 表示数据源没有该代码的行情。
var ErrNotFound = errors.New("marketdata: symbol not found")

// Quote 是一条实时行情快照，价格统一使用十进制避免浮点误差。
type Quote struct {
	Code          string          `json:"code"`
	Name          string          `json:"name"`
	Price         decimal.Decimal `json:"price"`
	Open          decimal.Decimal `json:"open"`
	PrevClose     decimal.Decimal `json:"prev_close"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Volume        int64           `json:"volume"`
	Amount        decimal.Decimal `json:"amount"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Currency      string          `json:"currency,omitempty"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Fetcher 按规范代码获取实时行情。代码格式见 intent.NormalizeCode。
type Fetcher interface {
	Fetch(ctx context.Context, code string) (Quote, error)
}

// FetcherFunc 允许普通函数实现 Fetcher。
type FetcherFunc func(ctx context.Context, code string) (Quote, error)

// Fetch 实现 Fetcher。
func (f FetcherFunc) Fetch(ctx context.Context, code string) (Quote, error) {
	return f(ctx, code)
}

// fillChange 在数据源未提供涨跌时根据昨收价计算。
func (q *Quote) fillChange() {
	if q.PrevClose.IsZero() {
		return
	}
	if q.Change.IsZero() {
		q.Change = q.Price.Sub(q.PrevClose)
	}
	if q.ChangePercent.IsZero() {
		q.ChangePercent = q.Change.Div(q.PrevClose).Mul(decimal.NewFromInt(100)).Round(2)
	}
}

// Summary 返回行情的中文摘要，用于证据内容。
func (q Quote) Summary() string {
	name := q.Name
	if name == "" {
		name = q.Code
	}
	sign := ""
	if q.Change.IsPositive() {
		sign = "+"
	}
	text := fmt.Sprintf("%s(%s) 最新价 %s，涨跌 %s%s（%s%s%%），今开 %s，昨收 %s，最高 %s，最低 %s",
		name, q.Code,
		q.Price.StringFixed(2),
		sign, q.Change.StringFixed(2),
		sign, q.ChangePercent.StringFixed(2),
		q.Open.StringFixed(2), q.PrevClose.StringFixed(2),
		q.High.StringFixed(2), q.Low.StringFixed(2),
	)
	if q.Volume > 0 {
		text += fmt.Sprintf("，成交量 %d", q.Volume)
	}
	if !q.Timestamp.IsZero() {
		text += "，时间 " + q.Timestamp.Format("2006-01-02 15:04:05")
	}
	return text
}
