package model

import (
	"strings"
	"time"
)

// SourceKnowledge 是知识库证据的来源类型。
const SourceKnowledge = "knowledge"

// ToolSource 返回实时工具证据的来源类型 "tool:<name>"。
func ToolSource(name string) string {
	return "tool:" + name
}

// EvidenceItem 是能力提供方返回的一条证据，创建后不再修改。
type EvidenceItem struct {
	SourceKind     string    `json:"source_kind"`
	Content        string    `json:"content"`
	SourceRef      *string   `json:"source_ref,omitempty"`
	RelevanceScore *float64  `json:"relevance_score,omitempty"`
	FetchedAt      time.Time `json:"fetched_at"`
	Title          string    `json:"title,omitempty"`
	// Subject 是证据描述的实体规范标识（如行情对应的代码）。
	Subject string `json:"subject,omitempty"`
	// Origin 是实时数据的供应方（如 sina、yahoo）。SourceRef 只用于知识库文档。
	Origin string `json:"origin,omitempty"`
}

// IsKnowledge 判断证据是否来自知识库。
func (e EvidenceItem) IsKnowledge() bool {
	return e.SourceKind == SourceKnowledge
}

// IsTool 判断证据是否来自实时工具。
func (e EvidenceItem) IsTool() bool {
	return strings.HasPrefix(e.SourceKind, "tool:")
}

// Ref 返回来源引用，缺失时为空字符串。
func (e EvidenceItem) Ref() string {
	if e.SourceRef == nil {
		return ""
	}
	return *e.SourceRef
}

// StringPtr 返回字符串指针，空字符串返回 nil。
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Float64Ptr 返回浮点数指针。
func Float64Ptr(f float64) *float64 {
	return &f
}

// CloneEvidence 深拷贝证据序列。
func CloneEvidence(list []EvidenceItem) []EvidenceItem {
	if list == nil {
		return nil
	}
	out := make([]EvidenceItem, len(list))
	for i, item := range list {
		if item.SourceRef != nil {
			ref := *item.SourceRef
			item.SourceRef = &ref
		}
		if item.RelevanceScore != nil {
			score := *item.RelevanceScore
			item.RelevanceScore = &score
		}
		out[i] = item
	}
	return out
}
