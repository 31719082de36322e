package model

import "time"

// maxRecentEntities 限制会话内实体近期列表的长度。
const maxRecentEntities = 16

// Marker 记录一次非致命的降级情况，随回合持久化以保持透明。
type Marker struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// TurnFailure 是中止回合的错误标记。
type TurnFailure struct {
	Stage   string `json:"stage"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Turn 是一次用户消息及其处理结果，由协调器定稿后不可变。
type Turn struct {
	TurnID            string         `json:"turn_id"`
	UserID            string         `json:"user_id"`
	SessionID         string         `json:"session_id"`
	QueryText         string         `json:"query_text"`
	ResolvedQueryText string         `json:"resolved_query_text"`
	Intent            Intent         `json:"intent"`
	Entities          []Entity       `json:"entities"`
	Evidence          []EvidenceItem `json:"evidence"`
	AnswerText        *string        `json:"answer_text"`
	Citations         []string       `json:"citations,omitempty"`
	Markers           []Marker       `json:"markers,omitempty"`
	Failure           *TurnFailure   `json:"failure,omitempty"`
	Timestamp         time.Time      `json:"timestamp"`
}

// Failed 表示回合是否以错误标记结束。
func (t Turn) Failed() bool {
	return t.Failure != nil
}

// Answer 返回回答文本，失败回合为空字符串。
func (t Turn) Answer() string {
	if t.AnswerText == nil {
		return ""
	}
	return *t.AnswerText
}

// Clone 深拷贝回合。
func (t Turn) Clone() Turn {
	t.Entities = CloneEntities(t.Entities)
	t.Evidence = CloneEvidence(t.Evidence)
	if t.AnswerText != nil {
		answer := *t.AnswerText
		t.AnswerText = &answer
	}
	if t.Citations != nil {
		t.Citations = append([]string(nil), t.Citations...)
	}
	if t.Markers != nil {
		t.Markers = append([]Marker(nil), t.Markers...)
	}
	if t.Failure != nil {
		failure := *t.Failure
		t.Failure = &failure
	}
	return t
}

// Session 保存单个会话的对话历史与指代上下文。
type Session struct {
	SessionID          string                `json:"session_id"`
	UserID             string                `json:"user_id"`
	Turns              []Turn                `json:"turns"`
	LastActiveEntities map[EntityKind]Entity `json:"last_active_entities"`
	// RecentEntities 按最近提及排序（最新在前），用于"第二近"的指代。
	RecentEntities []Entity  `json:"recent_entities"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewSession 创建空会话。
func NewSession(sessionID, userID string, now time.Time) *Session {
	return &Session{
		SessionID:          sessionID,
		UserID:             userID,
		LastActiveEntities: make(map[EntityKind]Entity),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// AppendTurn 追加回合并按最大轮数与最大时长淘汰最旧的回合，返回淘汰数量。
// 刚追加的回合永远不会被淘汰。
func (s *Session) AppendTurn(turn Turn, maxTurns int, maxAge time.Duration, now time.Time) int {
	s.Turns = append(s.Turns, turn.Clone())
	s.UpdatedAt = now

	drop := 0
	if maxTurns > 0 && len(s.Turns) > maxTurns {
		drop = len(s.Turns) - maxTurns
	}
	if maxAge > 0 {
		for drop < len(s.Turns)-1 && now.Sub(s.Turns[drop].Timestamp) > maxAge {
			drop++
		}
	}
	if drop == 0 {
		return 0
	}
	kept := make([]Turn, len(s.Turns)-drop)
	copy(kept, s.Turns[drop:])
	s.Turns = kept
	return drop
}

// Promote 将实体设为对应类别的最新活跃实体，并移动到近期列表头部。
func (s *Session) Promote(e Entity) {
	if !e.Resolved() {
		return
	}
	if s.LastActiveEntities == nil {
		s.LastActiveEntities = make(map[EntityKind]Entity)
	}
	head := e.Clone()
	head.Reference = ""
	head.Plural = false
	s.LastActiveEntities[head.Kind] = head

	recent := make([]Entity, 0, len(s.RecentEntities)+1)
	recent = append(recent, head)
	for _, existing := range s.RecentEntities {
		if existing.Kind == head.Kind && existing.ID() == head.ID() {
			continue
		}
		recent = append(recent, existing)
		if len(recent) >= maxRecentEntities {
			break
		}
	}
	s.RecentEntities = recent
}

// LastTurn 返回最近一轮对话。
func (s *Session) LastTurn() (Turn, bool) {
	if s == nil || len(s.Turns) == 0 {
		return Turn{}, false
	}
	return s.Turns[len(s.Turns)-1], true
}

// Clone 深拷贝会话，存储实现借此避免与调用方共享内存。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	if s.Turns != nil {
		clone.Turns = make([]Turn, len(s.Turns))
		for i, t := range s.Turns {
			clone.Turns[i] = t.Clone()
		}
	}
	clone.LastActiveEntities = make(map[EntityKind]Entity, len(s.LastActiveEntities))
	for kind, e := range s.LastActiveEntities {
		clone.LastActiveEntities[kind] = e.Clone()
	}
	clone.RecentEntities = CloneEntities(s.RecentEntities)
	return &clone
}
