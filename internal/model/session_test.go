package model

import (
	"fmt"
	"testing"
	"time"
)

func TestAppendTurnKeepsMostRecent(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	s := NewSession("s-1", "u-1", base)

	for i := 0; i < 8; i++ {
		s.AppendTurn(Turn{TurnID: fmt.Sprintf("t-%d", i), Timestamp: base.Add(time.Duration(i) * time.Minute)}, 5, 0, base.Add(time.Duration(i)*time.Minute))
		if len(s.Turns) > 5 {
			t.Fatalf("turns exceeded max after %d appends: %d", i+1, len(s.Turns))
		}
	}
	if s.Turns[0].TurnID != "t-3" || s.Turns[4].TurnID != "t-7" {
		t.Fatalf("unexpected retained turns: first=%s last=%s", s.Turns[0].TurnID, s.Turns[4].TurnID)
	}
}

func TestAppendTurnEvictsByAgeButKeepsNewest(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	s := NewSession("s-1", "u-1", base)
	s.AppendTurn(Turn{TurnID: "old", Timestamp: base}, 10, time.Hour, base)
	s.AppendTurn(Turn{TurnID: "mid", Timestamp: base.Add(50 * time.Minute)}, 10, time.Hour, base.Add(50*time.Minute))

	now := base.Add(3 * time.Hour)
	evicted := s.AppendTurn(Turn{TurnID: "new", Timestamp: now}, 10, time.Hour, now)
	if evicted != 2 {
		t.Fatalf("expected 2 evicted turns, got %d", evicted)
	}
	if len(s.Turns) != 1 || s.Turns[0].TurnID != "new" {
		t.Fatalf("unexpected turns: %+v", s.Turns)
	}

	stale := NewSession("s-2", "u-1", base)
	stale.AppendTurn(Turn{TurnID: "only", Timestamp: base}, 10, time.Minute, base.Add(time.Hour))
	if len(stale.Turns) != 1 {
		t.Fatalf("newest turn must never be evicted")
	}
}

func TestPromoteMovesEntityToHead(t *testing.T) {
	s := NewSession("s-1", "u-1", time.Now())
	maotai := NewEntity(KindInstrument, "贵州茅台", "600519", 1)
	wuliangye := NewEntity(KindInstrument, "五粮液", "000858", 1)

	s.Promote(maotai)
	s.Promote(wuliangye)
	s.Promote(maotai)

	if got := s.LastActiveEntities[KindInstrument].ID(); got != "600519" {
		t.Fatalf("expected 600519 as head, got %s", got)
	}
	if len(s.RecentEntities) != 2 {
		t.Fatalf("expected deduplicated recency list, got %d", len(s.RecentEntities))
	}
	if s.RecentEntities[1].ID() != "000858" {
		t.Fatalf("unexpected second entity: %s", s.RecentEntities[1].ID())
	}

	s.Promote(Entity{Kind: KindUnresolvedPronoun, SurfaceForm: "它"})
	if _, ok := s.LastActiveEntities[KindUnresolvedPronoun]; ok {
		t.Fatalf("pronoun placeholders must not be promoted")
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	s := NewSession("s-1", "u-1", time.Now())
	answer := "ok"
	s.AppendTurn(Turn{TurnID: "t-1", AnswerText: &answer, Entities: []Entity{NewEntity(KindInstrument, "茅台", "600519", 1)}}, 5, 0, time.Now())
	s.Promote(NewEntity(KindInstrument, "茅台", "600519", 1))

	clone := s.Clone()
	*clone.Turns[0].AnswerText = "changed"
	*clone.Turns[0].Entities[0].CanonicalID = "000001"
	clone.LastActiveEntities[KindMarketIndex] = NewEntity(KindMarketIndex, "上证指数", "000001.SH", 1)

	if s.Turns[0].Answer() != "ok" || s.Turns[0].Entities[0].ID() != "600519" {
		t.Fatalf("clone aliases original turns")
	}
	if _, ok := s.LastActiveEntities[KindMarketIndex]; ok {
		t.Fatalf("clone aliases original entity map")
	}
}
