// Package evidence 并发调用路由到的能力提供方并汇总证据。
package evidence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"FinAssist/internal/capability"
	xerrors "FinAssist/internal/errors"
	"FinAssist/internal/model"
	"FinAssist/pkg/logger"
)

const defaultTimeout = 5 * time.Second

// ProviderFailure 记录一个能力提供方的失败，不会中止整轮对话。
type ProviderFailure struct {
	Capability string
	Reason     string
}

// Marker 将失败转换为回合上的透明标记。
func (f ProviderFailure) Marker() model.Marker {
	return model.Marker{
		Code:   string(xerrors.CodeProviderFailure),
		Detail: f.Capability + ": " + f.Reason,
	}
}

// Router 根据意图返回有序的能力列表，由 capability.Registry 实现。
type Router interface {
	ProvidersFor(intent model.Intent) []capability.Route
}

// Gatherer 并发调用能力提供方，每个提供方有独立的超时。
type Gatherer struct {
	router  Router
	timeout time.Duration
	logger  *slog.Logger
}

// Option 定义可选配置。
type Option func(*Gatherer)

// WithTimeout 设置单个提供方的超时时间。
func WithTimeout(timeout time.Duration) Option {
	return func(g *Gatherer) {
		if timeout > 0 {
			g.timeout = timeout
		}
	}
}

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(g *Gatherer) {
		if l != nil {
			g.logger = l
		}
	}
}

// New 创建证据收集器。
func New(router Router, opts ...Option) *Gatherer {
	g := &Gatherer{
		router:  router,
		timeout: defaultTimeout,
		logger:  logger.Named("evidence"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

type outcome struct {
	items   []model.EvidenceItem
	failure *ProviderFailure
}

// Gather 调用意图对应的全部能力。失败的提供方只产生 ProviderFailure，其证据被丢弃；
// 输出按路由顺序排列，同一提供方内部保持其返回顺序。
func (g *Gatherer) Gather(ctx context.Context, intent model.Intent, query string, entities []model.Entity) ([]model.EvidenceItem, []ProviderFailure) {
	if g.router == nil {
		return nil, nil
	}
	routes := g.router.ProvidersFor(intent)
	if len(routes) == 0 {
		return nil, nil
	}

	outcomes := make([]outcome, len(routes))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, route := range routes {
		desc := route.Provider.Describe()
		subset := desc.Filter(entities)
		if desc.RequiresEntities && len(subset) == 0 {
			continue
		}
		eg.Go(func() error {
			outcomes[i] = g.invoke(egCtx, route, capability.Query{Text: query, Entities: subset})
			return nil
		})
	}
	_ = eg.Wait()

	var (
		items    []model.EvidenceItem
		failures []ProviderFailure
	)
	for _, o := range outcomes {
		if o.failure != nil {
			failures = append(failures, *o.failure)
			continue
		}
		items = append(items, o.items...)
	}
	return items, failures
}

// invoke 在独立协程中调用提供方，超时后立即返回，不等待忽略 context 的实现。
func (g *Gatherer) invoke(ctx context.Context, route capability.Route, q capability.Query) outcome {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type result struct {
		items []model.EvidenceItem
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		items, err := route.Provider.Retrieve(callCtx, q)
		done <- result{items: items, err: err}
	}()

	start := time.Now()
	select {
	case res := <-done:
		if res.err != nil {
			return g.fail(route.Name, res.err, time.Since(start))
		}
		return outcome{items: res.items}
	case <-callCtx.Done():
		err := callCtx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s", g.timeout)
		}
		return g.fail(route.Name, err, time.Since(start))
	}
}

func (g *Gatherer) fail(name string, err error, elapsed time.Duration) outcome {
	g.logger.Warn("能力调用失败",
		slog.String("capability", name),
		slog.Duration("elapsed", elapsed),
		slog.Any("error", err),
	)
	return outcome{failure: &ProviderFailure{Capability: name, Reason: err.Error()}}
}
