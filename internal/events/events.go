// Package events 发布对话生命周期事件，供下游审计、统计或推送使用。
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"FinAssist/pkg/logger"
)

// Type 是事件类型。
type Type string

const (
	TypeTurnCompleted Type = "turn.completed"
	TypeTurnFailed    Type = "turn.failed"
	TypeSessionEnded  Type = "session.ended"
)

// Event 是一次生命周期事件，只携带摘要信息，不包含回答正文。
type Event struct {
	Type          Type      `json:"type"`
	SessionID     string    `json:"session_id"`
	UserID        string    `json:"user_id,omitempty"`
	TurnID        string    `json:"turn_id,omitempty"`
	Intent        string    `json:"intent,omitempty"`
	FailureCode   string    `json:"failure_code,omitempty"`
	EvidenceCount int       `json:"evidence_count"`
	Markers       []string  `json:"markers,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Encode 序列化事件为 JSON。
func (e Event) Encode() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("序列化事件失败: %w", err)
	}
	return raw, nil
}

// Publisher 发布事件。发布失败不影响已持久化的回合。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// LogPublisher 将事件写入日志。
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher 创建日志发布器，log 为空时使用 "events" 组件日志。
func NewLogPublisher(log *slog.Logger) *LogPublisher {
	if log == nil {
		log = logger.Named("events")
	}
	return &LogPublisher{logger: log}
}

// Publish 记录事件。
func (p *LogPublisher) Publish(_ context.Context, event Event) error {
	p.logger.Info("对话事件",
		slog.String("type", string(event.Type)),
		slog.String("session_id", event.SessionID),
		slog.String("turn_id", event.TurnID),
		slog.String("intent", event.Intent),
		slog.String("failure_code", event.FailureCode),
		slog.Int("evidence_count", event.EvidenceCount),
	)
	return nil
}

// Close 无需释放资源。
func (p *LogPublisher) Close() error { return nil }

// MemoryPublisher 在内存中保存事件，主要用于测试与本地调试。
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryPublisher 创建内存发布器。
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish 追加事件。
func (p *MemoryPublisher) Publish(_ context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// Events 返回已发布事件的副本。
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

// Close 无需释放资源。
func (p *MemoryPublisher) Close() error { return nil }

// FanoutPublisher 将事件投递到多个发布器，收集所有错误。
type FanoutPublisher struct {
	publishers []Publisher
}

// NewFanout 创建扇出发布器，忽略 nil 项。
func NewFanout(publishers ...Publisher) *FanoutPublisher {
	var list []Publisher
	for _, p := range publishers {
		if p != nil {
			list = append(list, p)
		}
	}
	return &FanoutPublisher{publishers: list}
}

// Publish 依次投递。
func (f *FanoutPublisher) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range f.publishers {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close 关闭所有发布器。
func (f *FanoutPublisher) Close() error {
	var errs []error
	for _, p := range f.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Publisher = (*LogPublisher)(nil)
	_ Publisher = (*MemoryPublisher)(nil)
	_ Publisher = (*FanoutPublisher)(nil)
)
