package model

import "strings"

// Intent 是一轮对话请求的意图分类，取值为封闭集合。
type Intent string

const (
	IntentKnowledgeLookup Intent = "knowledge_lookup"
	IntentLiveData        Intent = "live_data_query"
	IntentComparison      Intent = "comparison_query"
	IntentMixed           Intent = "mixed"
	IntentChitChat        Intent = "chit_chat"
	IntentUnknown         Intent = "unknown"
)

// Intents 返回所有合法意图，顺序固定。
func Intents() []Intent {
	return []Intent{
		IntentKnowledgeLookup,
		IntentLiveData,
		IntentComparison,
		IntentMixed,
		IntentChitChat,
		IntentUnknown,
	}
}

// Valid 判断意图是否属于封闭集合。
func (i Intent) Valid() bool {
	for _, known := range Intents() {
		if i == known {
			return true
		}
	}
	return false
}

// NeedsLiveData 表示该意图是否需要实时行情数据。
func (i Intent) NeedsLiveData() bool {
	return i == IntentLiveData || i == IntentComparison || i == IntentMixed
}

// EntityKind 描述实体的类别。
type EntityKind string

const (
	KindInstrument        EntityKind = "instrument"
	KindMarketIndex       EntityKind = "market_index"
	KindUnresolvedPronoun EntityKind = "unresolved_pronoun"
)

// Entity 是从用户输入中抽取出的结构化引用。
type Entity struct {
	Kind        EntityKind `json:"kind"`
	SurfaceForm string     `json:"surface_form"`
	CanonicalID *string    `json:"canonical_id,omitempty"`
	Confidence  float64    `json:"confidence"`
	// Reference 保存被消解的代词原文，例如 "它"。
	Reference string `json:"reference,omitempty"`
	// Plural 仅对代词有效，表示请求两个引用（"它们"、"compare them"）。
	Plural bool `json:"plural,omitempty"`
	// Position 是表层形式在原始查询中的 rune 偏移。
	Position int `json:"-"`
}

// NewEntity 创建一个已知标识的实体。
func NewEntity(kind EntityKind, surface, canonicalID string, confidence float64) Entity {
	e := Entity{Kind: kind, SurfaceForm: surface, Confidence: confidence}
	if canonicalID != "" {
		id := canonicalID
		e.CanonicalID = &id
	}
	return e
}

// ID 返回规范标识，未消解时为空字符串。
func (e Entity) ID() string {
	if e.CanonicalID == nil {
		return ""
	}
	return *e.CanonicalID
}

// Resolved 表示实体是否已具备规范标识。
func (e Entity) Resolved() bool {
	return e.Kind != KindUnresolvedPronoun && e.CanonicalID != nil && *e.CanonicalID != ""
}

// IsPronoun 判断是否为待消解的代词占位。
func (e Entity) IsPronoun() bool {
	return e.Kind == KindUnresolvedPronoun
}

// Key 以 "kind:id" 的形式标识实体，便于日志与去重。
func (e Entity) Key() string {
	return string(e.Kind) + ":" + e.ID()
}

// DisplayName 返回可读名称，优先使用表层形式。
func (e Entity) DisplayName() string {
	if name := strings.TrimSpace(e.SurfaceForm); name != "" {
		return name
	}
	return e.ID()
}

// Clone 返回深拷贝，避免共享 CanonicalID 指针。
func (e Entity) Clone() Entity {
	if e.CanonicalID != nil {
		id := *e.CanonicalID
		e.CanonicalID = &id
	}
	return e
}

// CloneEntities 深拷贝实体序列。
func CloneEntities(list []Entity) []Entity {
	if list == nil {
		return nil
	}
	out := make([]Entity, len(list))
	for i, e := range list {
		out[i] = e.Clone()
	}
	return out
}
