package llm

import "context"

// 生成参数的默认值。
const (
	DefaultMaxTokens   = 1000
	DefaultTemperature = 0.7
)

// Request 是一次生成请求，Prompt 为组装完成的完整提示词。
type Request struct {
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Response 是大模型返回的文本。
type Response struct {
	Text  string
	Model string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Normalize 为未设置的生成参数填充默认值。
func (r Request) Normalize() Request {
	if r.MaxTokens <= 0 {
		r.MaxTokens = DefaultMaxTokens
	}
	if r.Temperature <= 0 {
		r.Temperature = DefaultTemperature
	}
	return r
}

// ClientFunc 允许以函数形式实现 Client，便于测试替身。
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Generate 调用函数本身。
func (f ClientFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
