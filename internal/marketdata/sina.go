package marketdata

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

const (
	defaultSinaBaseURL = "https://hq.sinajs.cn"
	sinaReferer        = "https://finance.sina.com.cn/"
	sinaSource         = "sina_finance"
)

var shanghai = time.FixedZone("CST", 8*3600)

// SinaClient 通过新浪财经行情接口获取 A 股与国内指数数据。
type SinaClient struct {
	client *resty.Client
}

// SinaOption 定义可选配置。
type SinaOption func(*SinaClient)

// WithSinaBaseURL 覆盖接口地址，便于测试。
func WithSinaBaseURL(baseURL string) SinaOption {
	return func(c *SinaClient) {
		if strings.TrimSpace(baseURL) != "" {
			c.client.SetBaseURL(strings.TrimRight(baseURL, "/"))
		}
	}
}

// WithSinaTimeout 设置请求超时时间。
func WithSinaTimeout(timeout time.Duration) SinaOption {
	return func(c *SinaClient) {
		if timeout > 0 {
			c.client.SetTimeout(timeout)
		}
	}
}

// NewSinaClient 创建新浪行情客户端。
func NewSinaClient(opts ...SinaOption) *SinaClient {
	client := resty.New()
	client.SetBaseURL(defaultSinaBaseURL)
	client.SetTimeout(10 * time.Second)
	client.SetHeader("Referer", sinaReferer)
	client.SetHeader("User-Agent", "Mozilla/5.0")

	c := &SinaClient{client: client}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// SinaSymbol 将规范代码转换为新浪接口使用的 "sh600519" 形式。
func SinaSymbol(code string) (string, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if digits, exchange, ok := strings.Cut(code, "."); ok {
		if len(digits) != 6 {
			return "", false
		}
		switch exchange {
		case "SH", "SS":
			return "sh" + digits, true
		case "SZ":
			return "sz" + digits, true
		}
		return "", false
	}
	if len(code) != 6 || !isDigits(code) {
		return "", false
	}
	switch code[0] {
	case '6', '9':
		return "sh" + code, true
	case '0', '2', '3':
		return "sz" + code, true
	}
	return "", false
}

// Fetch 实现 Fetcher。
func (c *SinaClient) Fetch(ctx context.Context, code string) (Quote, error) {
	symbol, ok := SinaSymbol(code)
	if !ok {
		return Quote{}, ErrNotFound
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get("/list=" + symbol)
	if err != nil {
		return Quote{}, fmt.Errorf("请求新浪行情失败: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() != http.StatusOK {
		return Quote{}, fmt.Errorf("新浪行情返回状态码 %d", resp.StatusCode())
	}

	raw, err := io.ReadAll(transform.NewReader(body, simplifiedchinese.GBK.NewDecoder()))
	if err != nil {
		return Quote{}, fmt.Errorf("解码新浪行情失败: %w", err)
	}
	q, err := parseSinaQuote(string(raw))
	if err != nil {
		return Quote{}, err
	}
	q.Code = code
	return q, nil
}

// parseSinaQuote 解析 `var hq_str_sh600519="贵州茅台,1700.00,...";` 格式的响应。
func parseSinaQuote(payload string) (Quote, error) {
	start := strings.Index(payload, `="`)
	if start < 0 {
		return Quote{}, fmt.Errorf("新浪行情响应格式错误")
	}
	rest := payload[start+2:]
	end := strings.Index(rest, `"`)
	if end < 0 {
		return Quote{}, fmt.Errorf("新浪行情响应格式错误")
	}
	data := strings.TrimSpace(rest[:end])
	if data == "" {
		return Quote{}, ErrNotFound
	}

	fields := strings.Split(data, ",")
	if len(fields) < 10 {
		return Quote{}, fmt.Errorf("新浪行情数据不完整: %d 个字段", len(fields))
	}

	var (
		values [9]decimal.Decimal
		err    error
	)
	// 依次为 今开、昨收、现价、最高、最低、买一、卖一、成交量、成交额。
	for i := range values {
		values[i], err = decimal.NewFromString(strings.TrimSpace(fields[i+1]))
		if err != nil {
			return Quote{}, fmt.Errorf("解析新浪行情字段 %d 失败: %w", i+1, err)
		}
	}

	q := Quote{
		Name:      strings.TrimSpace(fields[0]),
		Open:      values[0],
		PrevClose: values[1],
		Price:     values[2],
		High:      values[3],
		Low:       values[4],
		Volume:    values[7].IntPart(),
		Amount:    values[8],
		Currency:  "CNY",
		Source:    sinaSource,
	}
	if len(fields) > 31 {
		if ts, err := time.ParseInLocation("2006-01-02 15:04:05", fields[30]+" "+fields[31], shanghai); err == nil {
			q.Timestamp = ts
		}
	}
	if q.Timestamp.IsZero() {
		q.Timestamp = time.Now().In(shanghai)
	}
	// 停牌或集合竞价前现价为 0，以昨收代替。
	if q.Price.IsZero() {
		q.Price = q.PrevClose
	}
	q.fillChange()
	return q, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

var _ Fetcher = (*SinaClient)(nil)
