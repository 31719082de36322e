package resolver

import (
	"log/slog"
	"strings"

	xerrors "FinAssist/internal/errors"
	"FinAssist/internal/model"
	"FinAssist/pkg/logger"
)

// Failure 描述一个无法消解的代词。
type Failure struct {
	Reference string
	Reason    string
}

// Marker 将消解失败转换为回合上的透明标记。
func (f Failure) Marker() model.Marker {
	return model.Marker{
		Code:   string(xerrors.CodeResolutionFailure),
		Detail: f.Reference + ": " + f.Reason,
	}
}

// Resolution 是一次指代消解的结果。
type Resolution struct {
	// Entities 与查询中的顺序一致，不再包含代词占位。
	Entities []model.Entity
	Failures []Failure
	// Promotions 按应用顺序排列，最后一项成为会话中的最新实体。
	Promotions []model.Entity
}

// Resolver 基于会话的实体近期列表消解代词。
type Resolver struct {
	logger *slog.Logger
}

// Option 定义可选配置。
type Option func(*Resolver)

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// New 创建消解器。
func New(opts ...Option) *Resolver {
	r := &Resolver{logger: logger.Named("resolver")}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Resolve 用会话中最近提及的兼容实体替换代词占位，不修改会话本身。
func (r *Resolver) Resolve(intent model.Intent, entities []model.Entity, session *model.Session) Resolution {
	literals := make(map[string]struct{})
	literalKinds := make(map[model.EntityKind]struct{})
	for _, e := range entities {
		if e.Resolved() {
			literals[e.Key()] = struct{}{}
			literalKinds[e.Kind] = struct{}{}
		}
	}

	pool := newCandidatePool(candidatesFrom(session), intent, literals, literalKinds)

	var (
		out      = make([]model.Entity, 0, len(entities))
		promoted = make([]model.Entity, 0, len(entities))
		resolved []model.Entity
		failures []Failure
	)
	for _, e := range entities {
		if !e.IsPronoun() {
			out = append(out, e.Clone())
			if e.Resolved() {
				promoted = append(promoted, e.Clone())
			}
			continue
		}

		want := 1
		if e.Plural && intent == model.IntentComparison {
			want = 2
		}
		picks := pool.take(want)
		switch {
		case len(picks) == 0:
			failures = append(failures, Failure{Reference: e.SurfaceForm, Reason: "no prior entity of a compatible kind"})
			r.logger.Debug("代词无法消解", slog.String("reference", e.SurfaceForm), slog.String("intent", string(intent)))
			continue
		case len(picks) < want:
			failures = append(failures, Failure{Reference: e.SurfaceForm, Reason: "only one prior entity available"})
		}

		for _, pick := range picks {
			bound := pick.Clone()
			bound.Reference = e.SurfaceForm
			bound.Plural = false
			bound.Position = e.Position
			bound.Confidence = min(pick.Confidence, e.Confidence+0.3)
			out = append(out, bound)
		}
		// 逆序提升，保证最近提及的实体最终位于列表头部。
		for i := len(picks) - 1; i >= 0; i-- {
			resolved = append(resolved, picks[i].Clone())
		}
	}

	return Resolution{
		Entities:   out,
		Failures:   failures,
		Promotions: append(promoted, resolved...),
	}
}

// candidatesFrom 返回按最近提及排序的候选实体；旧数据缺少近期列表时回退到 LastActiveEntities。
func candidatesFrom(session *model.Session) []model.Entity {
	if session == nil {
		return nil
	}
	out := make([]model.Entity, 0, len(session.RecentEntities)+len(session.LastActiveEntities))
	seen := make(map[string]struct{})
	for _, e := range session.RecentEntities {
		if !e.Resolved() {
			continue
		}
		if _, dup := seen[e.Key()]; dup {
			continue
		}
		seen[e.Key()] = struct{}{}
		out = append(out, e)
	}
	for _, kind := range []model.EntityKind{model.KindInstrument, model.KindMarketIndex} {
		e, ok := session.LastActiveEntities[kind]
		if !ok || !e.Resolved() {
			continue
		}
		if _, dup := seen[e.Key()]; dup {
			continue
		}
		seen[e.Key()] = struct{}{}
		out = append(out, e)
	}
	return out
}

// compatibleKinds 返回意图可接受的实体类别。
func compatibleKinds(intent model.Intent) map[model.EntityKind]struct{} {
	switch intent {
	case model.IntentChitChat:
		return nil
	default:
		return map[model.EntityKind]struct{}{
			model.KindInstrument:  {},
			model.KindMarketIndex: {},
		}
	}
}

type candidatePool struct {
	ordered []model.Entity
	used    []bool
}

func newCandidatePool(candidates []model.Entity, intent model.Intent, literals map[string]struct{}, literalKinds map[model.EntityKind]struct{}) *candidatePool {
	kinds := compatibleKinds(intent)
	var preferred, rest []model.Entity
	for _, c := range candidates {
		if _, ok := kinds[c.Kind]; !ok {
			continue
		}
		if _, ok := literals[c.Key()]; ok {
			continue
		}
		// 比较查询优先选择与字面实体同类的候选。
		if _, same := literalKinds[c.Kind]; intent == model.IntentComparison && len(literalKinds) > 0 && !same {
			rest = append(rest, c)
			continue
		}
		preferred = append(preferred, c)
	}
	ordered := append(preferred, rest...)
	return &candidatePool{ordered: ordered, used: make([]bool, len(ordered))}
}

func (p *candidatePool) take(n int) []model.Entity {
	var picks []model.Entity
	for i := range p.ordered {
		if len(picks) == n {
			break
		}
		if p.used[i] {
			continue
		}
		p.used[i] = true
		picks = append(picks, p.ordered[i])
	}
	return picks
}

// ResolvedQuery 将查询中的代词替换为其消解后的实体名称。
func ResolvedQuery(query string, entities []model.Entity) string {
	var b strings.Builder
	rest := query
	for i := 0; i < len(entities); i++ {
		ref := entities[i].Reference
		if ref == "" {
			continue
		}
		names := []string{entities[i].DisplayName()}
		for i+1 < len(entities) && entities[i+1].Reference == ref && entities[i+1].Position == entities[i].Position {
			i++
			names = append(names, entities[i].DisplayName())
		}

		idx := indexFold(rest, ref)
		if idx < 0 {
			continue
		}
		b.WriteString(rest[:idx])
		b.WriteString(strings.Join(names, "和"))
		rest = rest[idx+len(ref):]
	}
	b.WriteString(rest)
	return b.String()
}

func indexFold(s, substr string) int {
	if idx := strings.Index(s, substr); idx >= 0 {
		return idx
	}
	return strings.Index(strings.ToLower(s), strings.ToLower(substr))
}
