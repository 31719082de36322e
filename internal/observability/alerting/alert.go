// Package alerting 将需要人工关注的回合失败通知到钉钉、Slack 或审计日志。
package alerting

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	xerrors "FinAssist/internal/errors"
	"FinAssist/pkg/logger"
)

// Channel 是通知渠道名。
type Channel string

const (
	ChannelLog      Channel = "log"
	ChannelDingTalk Channel = "dingtalk"
	ChannelSlack    Channel = "slack"
)

// Event 是一次失败回合的告警内容。
type Event struct {
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	SessionID  string
	TurnID     string
	Stage      string
	Metadata   map[string]string
	OccurredAt time.Time
}

// EventFromError 从错误链中提取错误码、描述与元数据。
func EventFromError(err error, sessionID, turnID, stage string, now time.Time) Event {
	ev := Event{
		Code:       xerrors.CodeOf(err),
		Severity:   xerrors.SeverityOf(err),
		SessionID:  sessionID,
		TurnID:     turnID,
		Stage:      stage,
		OccurredAt: now,
	}
	switch coded, ok := xerrors.From(err); {
	case ok:
		ev.Message = coded.Message()
		ev.Metadata = coded.Metadata()
	case err != nil:
		ev.Message = err.Error()
	}
	return ev
}

// fingerprint 用于在抑制窗口内识别重复告警。
func (e Event) fingerprint() string {
	return string(e.Code) + "|" + e.Stage + "|" + e.SessionID
}

var severityRank = map[xerrors.Severity]int{
	xerrors.SeverityInfo:     0,
	xerrors.SeverityWarning:  1,
	xerrors.SeverityCritical: 2,
}

func atLeast(sev, floor xerrors.Severity) bool {
	return severityRank[sev] >= severityRank[floor]
}

// Notifier 把事件发送到一个渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 是协调器依赖的告警入口。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

type route struct {
	notifier    Notifier
	minSeverity xerrors.Severity
}

// Router 按渠道投递事件。每个渠道可设置最低严重程度，
// 同一会话同一阶段的同类错误在抑制窗口内只投递一次。
type Router struct {
	routes   map[Channel]route
	suppress time.Duration
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// RouterOption 调整 Router。
type RouterOption func(*Router)

// WithSuppressWindow 设置重复告警的抑制窗口，0 表示不抑制。
func WithSuppressWindow(d time.Duration) RouterOption {
	return func(r *Router) { r.suppress = d }
}

// WithClock 替换时钟，测试使用。
func WithClock(now func() time.Time) RouterOption {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRouter 创建空路由，渠道通过 Add 注册。
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		routes:   map[Channel]route{},
		now:      time.Now,
		lastSent: map[string]time.Time{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Add 注册渠道；同名渠道后注册的覆盖先注册的。minSeverity 为空时接收全部事件。
func (r *Router) Add(n Notifier, minSeverity xerrors.Severity) *Router {
	if n != nil {
		r.routes[n.Channel()] = route{notifier: n, minSeverity: cmp.Or(minSeverity, xerrors.SeverityInfo)}
	}
	return r
}

// Channels 返回已注册渠道，按名称排序。
func (r *Router) Channels() []Channel {
	if r == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(r.routes))
}

// Notify 投递事件，各渠道的失败合并为一个错误返回。
func (r *Router) Notify(ctx context.Context, event Event) error {
	if r == nil || r.suppressed(event) {
		return nil
	}
	var errs []error
	for _, ch := range r.Channels() {
		rt := r.routes[ch]
		if !atLeast(event.Severity, rt.minSeverity) {
			continue
		}
		if err := rt.notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Router) suppressed(event Event) bool {
	if r.suppress <= 0 {
		return false
	}
	key := event.fingerprint()
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.lastSent[key]; ok && now.Sub(last) < r.suppress {
		return true
	}
	for k, t := range r.lastSent {
		if now.Sub(t) >= r.suppress {
			delete(r.lastSent, k)
		}
	}
	r.lastSent[key] = now
	return false
}

// LogNotifier 写审计日志，Logger 为空时使用全局审计日志。
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Channel() Channel { return ChannelLog }

func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	log := logger.Audit()
	if n != nil && n.Logger != nil {
		log = n.Logger
	}
	attrs := make([]slog.Attr, 0, 6+len(event.Metadata))
	attrs = append(attrs,
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("session_id", event.SessionID),
		slog.String("turn_id", event.TurnID),
		slog.String("stage", event.Stage),
		slog.Time("occurred_at", event.OccurredAt),
	)
	for _, k := range slices.Sorted(maps.Keys(event.Metadata)) {
		attrs = append(attrs, slog.String("meta."+k, event.Metadata[k]))
	}
	log.LogAttrs(context.Background(), slog.LevelWarn, "alert: "+event.Message, attrs...)
	return nil
}

// DingTalkSender 发送一条钉钉文本消息。
type DingTalkSender interface {
	Send(ctx context.Context, content string) error
}

// DingTalkNotifier 通过钉钉机器人告警。
type DingTalkNotifier struct {
	Sender DingTalkSender
}

func (n *DingTalkNotifier) Channel() Channel { return ChannelDingTalk }

func (n *DingTalkNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil {
		logger.L().Warn("钉钉告警未配置发送器，跳过", slog.String("turn_id", event.TurnID))
		return nil
	}
	return n.Sender.Send(ctx, plainText(event))
}

// SlackSender 向指定频道发送消息，channel 为空时使用 webhook 默认频道。
type SlackSender interface {
	Send(ctx context.Context, channel, content string) error
}

// SlackNotifier 通过 Slack 告警。
type SlackNotifier struct {
	Sender    SlackSender
	ChannelID string
}

func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil {
		logger.L().Warn("Slack 告警未配置发送器，跳过", slog.String("turn_id", event.TurnID))
		return nil
	}
	return n.Sender.Send(ctx, n.ChannelID, slackText(event))
}

func plainText(event Event) string {
	lines := []string{
		fmt.Sprintf("[%s] %s", event.Severity, event.Code),
		"时间: " + event.OccurredAt.Format(time.RFC3339),
		"会话: " + event.SessionID,
		"回合: " + event.TurnID,
		"阶段: " + event.Stage,
		event.Message,
	}
	for _, k := range slices.Sorted(maps.Keys(event.Metadata)) {
		lines = append(lines, fmt.Sprintf("- %s: %s", k, event.Metadata[k]))
	}
	return strings.Join(lines, "\n")
}

func slackText(event Event) string {
	return fmt.Sprintf("*[%s]* `%s` %s\nsession `%s` · turn `%s` · stage `%s`",
		event.Severity, event.Code, event.Message, event.SessionID, event.TurnID, event.Stage)
}
