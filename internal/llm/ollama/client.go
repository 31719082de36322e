// Package ollama 适配本地 Ollama 服务的 /api/generate 接口。
package ollama

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"FinAssist/internal/llm"
)

const (
	defaultBaseURL = "http://localhost:11434"
	defaultModel   = "llama2"
	defaultTimeout = 60 * time.Second
)

// Config 描述本地模型服务的地址与模型名。
type Config struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 以非流式方式调用 Ollama。
type Client struct {
	model  string
	client *resty.Client
}

// NewClient 创建 Ollama 客户端。
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		model: model,
		client: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(timeout),
	}
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Error    string `json:"error"`
}

// Generate 调用 /api/generate 并返回完整回答。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	req = req.Normalize()

	var decoded generateResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(generateRequest{
			Model:  c.model,
			Prompt: req.Prompt,
			Stream: false,
			Options: map[string]any{
				"num_predict": req.MaxTokens,
				"temperature": req.Temperature,
			},
		}).
		SetResult(&decoded).
		SetError(&decoded).
		Post("/api/generate")
	if err != nil {
		return nil, fmt.Errorf("请求本地模型失败: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("本地模型返回错误状态 %d: %s", resp.StatusCode(), strings.TrimSpace(decoded.Error))
	}
	text := strings.TrimSpace(decoded.Response)
	if text == "" {
		return nil, errors.New("本地模型响应内容为空")
	}
	return &llm.Response{Text: text, Model: c.model}, nil
}

var _ llm.Client = (*Client)(nil)
