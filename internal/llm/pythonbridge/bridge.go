// Package pythonbridge 把回答生成委托给外部 Python 脚本。
//
// 协议：脚本从标准输入读取一行 JSON 请求，在标准输出的最后一行写出
// {"text": "...", "model": "..."} 或 {"error": "..."}。之前的输出行视为日志并被忽略。
package pythonbridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"FinAssist/internal/llm"
)

// stderrTail 是错误信息中保留的 stderr 最大字节数。
const stderrTail = 512

type payload struct {
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	SentAt      int64   `json:"sent_at"`
}

type result struct {
	Text  string `json:"text"`
	Model string `json:"model"`
	Error string `json:"error"`
}

// Client 以子进程方式运行脚本，每次 Generate 启动一个新进程。
type Client struct {
	interpreter string
	script      string
	dir         string
	env         []string
}

// Option 调整子进程的运行环境。
type Option func(*Client)

// WithInterpreter 指定解释器，默认 python3。
func WithInterpreter(path string) Option {
	return func(c *Client) {
		if path != "" {
			c.interpreter = path
		}
	}
}

// WithWorkingDir 设置子进程工作目录，相对脚本路径也以它为基准。
func WithWorkingDir(dir string) Option {
	return func(c *Client) { c.dir = dir }
}

// WithEnv 追加环境变量，格式为 KEY=VALUE。
func WithEnv(kv ...string) Option {
	return func(c *Client) { c.env = append(c.env, kv...) }
}

// New 创建客户端。script 为空时返回错误。
func New(script string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(script) == "" {
		return nil, errors.New("未指定 Python 脚本路径")
	}
	c := &Client{interpreter: "python3"}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if !filepath.IsAbs(script) && c.dir != "" {
		script = filepath.Join(c.dir, script)
	}
	c.script = script
	return c, nil
}

// Script 返回解析后的脚本路径。
func (c *Client) Script() string { return c.script }

// Generate 运行脚本并解析最后一行输出。ctx 结束时子进程被终止并返回 ctx 的错误。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	req = req.Normalize()
	in, err := json.Marshal(payload{
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		SentAt:      time.Now().Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.interpreter, c.script)
	cmd.Dir = c.dir
	cmd.WaitDelay = time.Second
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}
	cmd.Stdin = bytes.NewReader(append(in, '\n'))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if runErr := cmd.Run(); runErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("Python 脚本退出异常: %w (stderr: %s)", runErr, tail(stderr.Bytes()))
	}

	line := lastLine(stdout.Bytes())
	if line == "" {
		return nil, errors.New("Python 脚本没有输出")
	}
	var out result
	if err := json.Unmarshal([]byte(line), &out); err != nil {
		return nil, fmt.Errorf("解析 Python 输出失败: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("Python 脚本返回错误: %s", out.Error)
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return nil, errors.New("Python 脚本返回空文本")
	}
	return &llm.Response{Text: text, Model: out.Model}, nil
}

func lastLine(b []byte) string {
	var last string
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	return last
}

func tail(b []byte) string {
	b = bytes.TrimSpace(b)
	if len(b) > stderrTail {
		b = b[len(b)-stderrTail:]
	}
	return string(b)
}

var _ llm.Client = (*Client)(nil)
