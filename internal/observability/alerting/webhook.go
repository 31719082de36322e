package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// DingTalkWebhook 通过自定义机器人 Webhook 发送文本消息。
type DingTalkWebhook struct {
	client *resty.Client
	url    string
}

// NewDingTalkWebhook 创建钉钉 Webhook 发送器。
func NewDingTalkWebhook(url string, timeout time.Duration) *DingTalkWebhook {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DingTalkWebhook{client: resty.New().SetTimeout(timeout), url: url}
}

type dingTalkReply struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// Send 发送文本消息，钉钉以 errcode 非零表示失败。
func (w *DingTalkWebhook) Send(ctx context.Context, content string) error {
	if strings.TrimSpace(w.url) == "" {
		return errors.New("钉钉 Webhook 地址为空")
	}
	var reply dingTalkReply
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"msgtype": "text",
			"text":    map[string]string{"content": content},
		}).
		SetResult(&reply).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("发送钉钉消息失败: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("钉钉返回错误状态 %d", resp.StatusCode())
	}
	if reply.ErrCode != 0 {
		return fmt.Errorf("钉钉返回错误 %d: %s", reply.ErrCode, reply.ErrMsg)
	}
	return nil
}

// SlackWebhook 通过 Incoming Webhook 发送消息。
type SlackWebhook struct {
	client *resty.Client
	url    string
}

// NewSlackWebhook 创建 Slack Webhook 发送器。
func NewSlackWebhook(url string, timeout time.Duration) *SlackWebhook {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SlackWebhook{client: resty.New().SetTimeout(timeout), url: url}
}

// Send 发送消息，channel 为空时使用 Webhook 绑定的默认频道。
func (w *SlackWebhook) Send(ctx context.Context, channel, content string) error {
	if strings.TrimSpace(w.url) == "" {
		return errors.New("Slack Webhook 地址为空")
	}
	body := map[string]string{"text": content}
	if channel != "" {
		body["channel"] = channel
	}
	resp, err := w.client.R().SetContext(ctx).SetBody(body).Post(w.url)
	if err != nil {
		return fmt.Errorf("发送 Slack 消息失败: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("Slack 返回错误状态 %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}

var (
	_ DingTalkSender = (*DingTalkWebhook)(nil)
	_ SlackSender    = (*SlackWebhook)(nil)
)
