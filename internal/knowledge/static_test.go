package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func sampleArticles() []Article {
	return []Article{
		{ID: "pe", Title: "市盈率是什么", Content: "市盈率是股价与每股收益的比值，用于衡量估值水平。", URL: "https://example.com/pe", Keywords: []string{"市盈率", "pe"}},
		{ID: "qe", Title: "量化宽松政策", Content: "量化宽松是央行通过购买资产向市场注入流动性的货币政策。", Source: "央行研究", Tags: []string{"货币政策"}},
		{ID: "div", Title: "股息率", Content: "股息率是每股分红与股价之比。"},
	}
}

func TestStaticSearcherRanksByRelevance(t *testing.T) {
	s := NewStaticSearcher(sampleArticles())
	got, err := s.Search(context.Background(), "什么是市盈率？", 2)
	if err != nil {
		t.Fatalf("search returned error: %v", err)
	}
	if len(got) == 0 || got[0].ID != "pe" {
		t.Fatalf("expected pe article first, got %+v", got)
	}
	if got[0].Score <= 0 || got[0].Score > 1 {
		t.Fatalf("score out of range: %f", got[0].Score)
	}
	if got[0].Ref() != "https://example.com/pe" {
		t.Fatalf("unexpected ref %q", got[0].Ref())
	}
	for i := 1; i < len(got); i++ {
		if got[i].Score > got[i-1].Score {
			t.Fatalf("results not sorted by score: %+v", got)
		}
	}
}

func TestStaticSearcherEmptyAndNoMatch(t *testing.T) {
	s := NewStaticSearcher(sampleArticles())
	if got, err := s.Search(context.Background(), "   ", 3); err != nil || got != nil {
		t.Fatalf("expected nil result for empty query, got %+v err=%v", got, err)
	}
	got, err := s.Search(context.Background(), "zzz", 3)
	if err != nil {
		t.Fatalf("search returned error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no match, got %+v", got)
	}
}

func TestStaticSearcherHonoursCanceledContext(t *testing.T) {
	s := NewStaticSearcher(sampleArticles())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Search(ctx, "市盈率", 3); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestPassageRefFallbacks(t *testing.T) {
	if got := (Passage{Source: "央行研究"}).Ref(); got != "央行研究" {
		t.Fatalf("expected source fallback, got %q", got)
	}
	if got := (Passage{ID: "7"}).Ref(); got != "article:7" {
		t.Fatalf("expected id fallback, got %q", got)
	}
}

func TestLoadAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "knowledge.json")
	if err := os.WriteFile(path, []byte(`[{"title":"市盈率","content":"估值指标","keywords":["市盈率"]}]`), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	s, err := LoadStaticSearcher(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 article, got %d", s.Len())
	}

	if err := os.WriteFile(path, []byte(`not json`), 0o600); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}
	if err := s.Reload(path); err == nil {
		t.Fatalf("expected reload error for malformed file")
	}
	if s.Len() != 1 {
		t.Fatalf("failed reload must keep previous articles")
	}

	if _, err := LoadStaticSearcher(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
