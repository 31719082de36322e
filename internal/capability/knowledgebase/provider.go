// Package knowledgebase 将知识库检索包装为能力提供方。
package knowledgebase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"FinAssist/internal/capability"
	"FinAssist/internal/knowledge"
	"FinAssist/internal/model"
)

const (
	defaultTopK          = 3
	defaultMinRelevance  = 0.1
	defaultContentLength = 600
)

// Provider 在知识库中检索与查询相关的段落。
type Provider struct {
	searcher     knowledge.Searcher
	topK         int
	minRelevance float64
	now          func() time.Time
}

// Option 定义可选配置。
type Option func(*Provider)

// WithTopK 设置最多返回的段落数。
func WithTopK(k int) Option {
	return func(p *Provider) {
		if k > 0 {
			p.topK = k
		}
	}
}

// WithMinRelevance 设置相关度下限，低于该值的段落会被丢弃。
func WithMinRelevance(floor float64) Option {
	return func(p *Provider) {
		if floor >= 0 && floor <= 1 {
			p.minRelevance = floor
		}
	}
}

// WithClock 替换时钟，便于测试。
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

// New 创建知识库能力。
func New(searcher knowledge.Searcher, opts ...Option) *Provider {
	p := &Provider{
		searcher:     searcher,
		topK:         defaultTopK,
		minRelevance: defaultMinRelevance,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Describe 实现 capability.Provider。
func (p *Provider) Describe() capability.Descriptor {
	return capability.Descriptor{
		Name:        capability.KnowledgeBase,
		SourceKind:  model.SourceKnowledge,
		Description: "金融知识库全文检索",
	}
}

// Retrieve 实现 capability.Provider。没有命中时返回空结果而非错误。
func (p *Provider) Retrieve(ctx context.Context, q capability.Query) ([]model.EvidenceItem, error) {
	if p.searcher == nil {
		return nil, fmt.Errorf("未配置知识库")
	}
	text := searchText(q)
	if text == "" {
		return nil, nil
	}

	passages, err := p.searcher.Search(ctx, text, p.topK)
	if err != nil {
		return nil, fmt.Errorf("检索知识库失败: %w", err)
	}

	fetchedAt := p.now()
	items := make([]model.EvidenceItem, 0, len(passages))
	for _, passage := range passages {
		if passage.Score < p.minRelevance {
			continue
		}
		items = append(items, model.EvidenceItem{
			SourceKind:     model.SourceKnowledge,
			Content:        truncate(strings.TrimSpace(passage.Content), defaultContentLength),
			SourceRef:      model.StringPtr(passage.Ref()),
			RelevanceScore: model.Float64Ptr(passage.Score),
			FetchedAt:      fetchedAt,
			Title:          passage.Title,
		})
		if len(items) >= p.topK {
			break
		}
	}
	return items, nil
}

// searchText 在查询后补充实体名称，提升全文检索对实体的命中。
func searchText(q capability.Query) string {
	parts := []string{strings.TrimSpace(q.Text)}
	for _, e := range q.Entities {
		if name := e.DisplayName(); name != "" && !strings.Contains(q.Text, name) {
			parts = append(parts, name)
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "…"
}

var _ capability.Provider = (*Provider)(nil)
