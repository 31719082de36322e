package capability

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	xerrors "FinAssist/internal/errors"
	"FinAssist/internal/model"
	"FinAssist/pkg/logger"
)

// 内置能力名称。
const (
	KnowledgeBase = "knowledge-base"
	PriceTool     = "price-tool"
	IndexTool     = "index-tool"
)

// Query 是传给能力提供方的检索请求。
type Query struct {
	Text     string
	Entities []model.Entity
}

// Descriptor 描述能力提供方可处理的输入。
type Descriptor struct {
	Name        string
	SourceKind  string
	Description string
	// EntityKinds 为空表示接受任何实体。
	EntityKinds []model.EntityKind
	// RequiresEntities 为 true 时，没有匹配实体的查询不会调用该能力。
	RequiresEntities bool
}

// Accepts 判断实体类别是否被该能力接受。
func (d Descriptor) Accepts(kind model.EntityKind) bool {
	if len(d.EntityKinds) == 0 {
		return true
	}
	for _, k := range d.EntityKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Filter 返回该能力可处理的已消解实体子集。
func (d Descriptor) Filter(entities []model.Entity) []model.Entity {
	var out []model.Entity
	for _, e := range entities {
		if e.Resolved() && d.Accepts(e.Kind) {
			out = append(out, e)
		}
	}
	return out
}

// Provider 是可插拔的证据来源，例如知识库检索或实时行情工具。
type Provider interface {
	Retrieve(ctx context.Context, q Query) ([]model.EvidenceItem, error)
	Describe() Descriptor
}

// Route 是某个能力在路由表中的绑定。
type Route struct {
	Name     string
	Provider Provider
}

// DefaultRoutes 返回意图到能力名称的默认路由表。
func DefaultRoutes() map[model.Intent][]string {
	return map[model.Intent][]string{
		model.IntentKnowledgeLookup: {KnowledgeBase},
		model.IntentLiveData:        {PriceTool, IndexTool},
		model.IntentComparison:      {PriceTool, IndexTool},
		model.IntentMixed:           {KnowledgeBase, PriceTool, IndexTool},
		model.IntentChitChat:        {},
		model.IntentUnknown:         {KnowledgeBase},
	}
}

// Registry 维护能力名称到提供方的映射，可被并发读取。
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	routes    map[model.Intent][]string
	logger    *slog.Logger
}

// Option 定义可选配置。
type Option func(*Registry)

// WithRoutes 覆盖默认路由表。
func WithRoutes(routes map[model.Intent][]string) Option {
	return func(r *Registry) {
		if routes == nil {
			return
		}
		copied := make(map[model.Intent][]string, len(routes))
		for intent, names := range routes {
			copied[intent] = append([]string(nil), names...)
		}
		r.routes = copied
	}
}

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry 创建能力注册表。
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		providers: make(map[string]Provider),
		routes:    DefaultRoutes(),
		logger:    logger.Named("capability"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register 绑定能力名称，名称已存在时返回 DUPLICATE_CAPABILITY。
func (r *Registry) Register(name string, provider Provider) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "能力名称不能为空")
	}
	if provider == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "能力提供方不能为空", xerrors.WithMetadata("capability", name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; exists {
		return xerrors.New(xerrors.CodeDuplicateCapability, "能力已注册", xerrors.WithMetadata("capability", name))
	}
	r.providers[name] = provider
	return nil
}

// Unregister 移除能力绑定，返回是否存在。
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; !exists {
		return false
	}
	delete(r.providers, name)
	return true
}

// Lookup 按名称查找能力，未注册时返回 NOT_FOUND。
func (r *Registry) Lookup(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.providers[name]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "能力未注册", xerrors.WithMetadata("capability", name))
	}
	return provider, nil
}

// Names 返回已注册的能力名称，按字典序排列。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProvidersFor 按路由表顺序返回意图对应的已注册能力，未注册的名称会被跳过。
func (r *Registry) ProvidersFor(intent model.Intent) []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.routes[intent]
	routes := make([]Route, 0, len(names))
	for _, name := range names {
		provider, ok := r.providers[name]
		if !ok {
			r.logger.Warn("路由中的能力未注册", slog.String("capability", name), slog.String("intent", string(intent)))
			continue
		}
		routes = append(routes, Route{Name: name, Provider: provider})
	}
	return routes
}
