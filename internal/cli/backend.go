package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"FinAssist/internal/agent"
	"FinAssist/internal/bootstrap"
	"FinAssist/sdk/go/finassist"
)

// backend 屏蔽本地装配与远程 API 两种运行方式。
type backend interface {
	Chat(ctx context.Context, userID, sessionID, query string) (*finassist.Reply, error)
	History(ctx context.Context, sessionID string) (*finassist.Session, error)
	End(ctx context.Context, sessionID string) error
	Close() error
}

// localBackend 在进程内运行协调器。
type localBackend struct {
	app *bootstrap.App
}

func (b *localBackend) Chat(ctx context.Context, userID, sessionID, query string) (*finassist.Reply, error) {
	reply, err := b.app.Coordinator.Handle(ctx, agent.Request{UserID: userID, SessionID: sessionID, Query: query})
	if err != nil {
		return nil, err
	}
	var out finassist.Reply
	if err := convert(reply, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (b *localBackend) History(ctx context.Context, sessionID string) (*finassist.Session, error) {
	sess, err := b.app.Coordinator.History(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var out finassist.Session
	if err := convert(sess, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (b *localBackend) End(ctx context.Context, sessionID string) error {
	return b.app.Coordinator.EndSession(ctx, sessionID)
}

func (b *localBackend) Close() error {
	return b.app.Close()
}

// remoteBackend 通过 HTTP API 访问已部署的 finassistd。
type remoteBackend struct {
	client *finassist.Client
}

func (b *remoteBackend) Chat(ctx context.Context, userID, sessionID, query string) (*finassist.Reply, error) {
	return b.client.Chat(ctx, finassist.ChatRequest{UserID: userID, SessionID: sessionID, Query: query})
}

func (b *remoteBackend) History(ctx context.Context, sessionID string) (*finassist.Session, error) {
	return b.client.Session(ctx, sessionID)
}

func (b *remoteBackend) End(ctx context.Context, sessionID string) error {
	return b.client.EndSession(ctx, sessionID)
}

func (b *remoteBackend) Close() error { return nil }

// convert 借助相同的 JSON 结构在内部模型与 SDK 类型之间转换。
func convert(in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("序列化结果失败: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("转换结果失败: %w", err)
	}
	return nil
}
