// Package quotetool 将实时行情数据源包装为 price-tool 与 index-tool 两个能力。
package quotetool

import (
	"context"
	"errors"
	"fmt"

	"FinAssist/internal/capability"
	"FinAssist/internal/marketdata"
	"FinAssist/internal/model"
)

// Tool 为一组实体查询实时行情。
type Tool struct {
	name        string
	description string
	kind        model.EntityKind
	fetcher     marketdata.Fetcher
}

// NewPriceTool 创建个股行情能力。
func NewPriceTool(fetcher marketdata.Fetcher) *Tool {
	return &Tool{
		name:        capability.PriceTool,
		description: "个股实时行情",
		kind:        model.KindInstrument,
		fetcher:     fetcher,
	}
}

// NewIndexTool 创建指数行情能力。
func NewIndexTool(fetcher marketdata.Fetcher) *Tool {
	return &Tool{
		name:        capability.IndexTool,
		description: "市场指数实时行情",
		kind:        model.KindMarketIndex,
		fetcher:     fetcher,
	}
}

// Describe 实现 capability.Provider。
func (t *Tool) Describe() capability.Descriptor {
	return capability.Descriptor{
		Name:             t.name,
		SourceKind:       model.ToolSource(t.name),
		Description:      t.description,
		EntityKinds:      []model.EntityKind{t.kind},
		RequiresEntities: true,
	}
}

// Retrieve 实现 capability.Provider。
// 未找到的代码直接跳过；仅当所有实体都因其他原因失败时返回错误。
func (t *Tool) Retrieve(ctx context.Context, q capability.Query) ([]model.EvidenceItem, error) {
	if t.fetcher == nil {
		return nil, fmt.Errorf("%s 未配置行情数据源", t.name)
	}

	var (
		items []model.EvidenceItem
		errs  []error
		seen  = make(map[string]struct{})
	)
	for _, e := range q.Entities {
		if e.Kind != t.kind || !e.Resolved() {
			continue
		}
		code := e.ID()
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}

		quote, err := t.fetcher.Fetch(ctx, code)
		if err != nil {
			if errors.Is(err, marketdata.ErrNotFound) {
				continue
			}
			errs = append(errs, fmt.Errorf("%s: %w", code, err))
			continue
		}
		if quote.Name == "" {
			quote.Name = e.DisplayName()
		}
		items = append(items, model.EvidenceItem{
			SourceKind: model.ToolSource(t.name),
			Content:    quote.Summary(),
			Origin:     quote.Source,
			FetchedAt:  quote.Timestamp,
			Title:      quote.Name,
			Subject:    code,
		})
	}

	if len(items) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return items, nil
}

var _ capability.Provider = (*Tool)(nil)
