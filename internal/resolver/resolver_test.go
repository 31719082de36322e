package resolver

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"FinAssist/internal/model"
	"FinAssist/pkg/logger"
)

func pronoun(surface string, plural bool, pos int) model.Entity {
	return model.Entity{Kind: model.KindUnresolvedPronoun, SurfaceForm: surface, Confidence: 0.5, Plural: plural, Position: pos}
}

func sessionWith(entities ...model.Entity) *model.Session {
	s := model.NewSession("s1", "u1", time.Unix(0, 0))
	for _, e := range entities {
		s.Promote(e)
	}
	return s
}

func ids(entities []model.Entity) []string {
	out := make([]string, 0, len(entities))
	for _, e := range entities {
		out = append(out, e.ID())
	}
	return out
}

var (
	maotai    = model.NewEntity(model.KindInstrument, "贵州茅台", "600519", 0.95)
	wuliangye = model.NewEntity(model.KindInstrument, "五粮液", "000858", 0.95)
	pingan    = model.NewEntity(model.KindInstrument, "平安银行", "000001", 0.95)
	shIndex   = model.NewEntity(model.KindMarketIndex, "上证指数", "000001.SH", 0.95)
)

func newResolver() *Resolver {
	return New(WithLogger(logger.Discard()))
}

func TestResolvePronounToLastEntity(t *testing.T) {
	r := newResolver()
	res := r.Resolve(model.IntentLiveData, []model.Entity{pronoun("它", false, 0)}, sessionWith(maotai))

	if diff := cmp.Diff([]string{"600519"}, ids(res.Entities)); diff != "" {
		t.Fatalf("entities mismatch (-want +got):\n%s", diff)
	}
	if res.Entities[0].Reference != "它" || res.Entities[0].SurfaceForm != "贵州茅台" {
		t.Fatalf("unexpected resolved entity: %+v", res.Entities[0])
	}
	if len(res.Failures) != 0 {
		t.Fatalf("unexpected failures: %+v", res.Failures)
	}
}

func TestResolveWithoutHistoryRecordsFailure(t *testing.T) {
	r := newResolver()
	res := r.Resolve(model.IntentLiveData, []model.Entity{pronoun("它", false, 0)}, sessionWith())

	if len(res.Entities) != 0 {
		t.Fatalf("expected pronoun to be dropped, got %+v", res.Entities)
	}
	if len(res.Failures) != 1 || res.Failures[0].Reference != "它" {
		t.Fatalf("expected one failure, got %+v", res.Failures)
	}
	if res.Failures[0].Marker().Code != "RESOLUTION_FAILURE" {
		t.Fatalf("unexpected marker: %+v", res.Failures[0].Marker())
	}
	if len(res.Promotions) != 0 {
		t.Fatalf("expected no promotions, got %+v", res.Promotions)
	}
}

func TestResolveItVersusLiteral(t *testing.T) {
	r := newResolver()
	input := []model.Entity{pronoun("它", false, 0), wuliangye}
	res := r.Resolve(model.IntentComparison, input, sessionWith(maotai))

	if diff := cmp.Diff([]string{"600519", "000858"}, ids(res.Entities)); diff != "" {
		t.Fatalf("entities mismatch (-want +got):\n%s", diff)
	}
	// 字面实体先提升，被消解的实体最后提升。
	if diff := cmp.Diff([]string{"000858", "600519"}, ids(res.Promotions)); diff != "" {
		t.Fatalf("promotions mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveLiteralVersusItSkipsLiteral(t *testing.T) {
	r := newResolver()
	// 会话最近提及的是五粮液，但它已在当前查询中字面出现。
	session := sessionWith(maotai, wuliangye)
	input := []model.Entity{wuliangye, pronoun("it", false, 4)}
	res := r.Resolve(model.IntentComparison, input, session)

	if diff := cmp.Diff([]string{"000858", "600519"}, ids(res.Entities)); diff != "" {
		t.Fatalf("entities mismatch (-want +got):\n%s", diff)
	}
}

func TestResolvePluralPronounInComparison(t *testing.T) {
	r := newResolver()
	session := sessionWith(pingan, maotai, wuliangye)
	res := r.Resolve(model.IntentComparison, []model.Entity{pronoun("它们", true, 0)}, session)

	if diff := cmp.Diff([]string{"000858", "600519"}, ids(res.Entities)); diff != "" {
		t.Fatalf("entities mismatch (-want +got):\n%s", diff)
	}

	applied := session.Clone()
	for _, e := range res.Promotions {
		applied.Promote(e)
	}
	if got := applied.RecentEntities[0].ID(); got != "000858" {
		t.Fatalf("most recent entity should remain head, got %s", got)
	}
	if got := applied.RecentEntities[1].ID(); got != "600519" {
		t.Fatalf("second most recent entity should follow, got %s", got)
	}
}

func TestResolvePluralWithSingleCandidate(t *testing.T) {
	r := newResolver()
	res := r.Resolve(model.IntentComparison, []model.Entity{pronoun("both", true, 8)}, sessionWith(maotai))
	if len(res.Entities) != 1 || len(res.Failures) != 1 {
		t.Fatalf("expected partial resolution, got entities=%+v failures=%+v", res.Entities, res.Failures)
	}
}

func TestResolvePrefersLiteralKindForComparison(t *testing.T) {
	r := newResolver()
	// 上证指数最近提及，但比较对象是个股。
	session := sessionWith(maotai, shIndex)
	res := r.Resolve(model.IntentComparison, []model.Entity{pronoun("它", false, 0), wuliangye}, session)

	if diff := cmp.Diff([]string{"600519", "000858"}, ids(res.Entities)); diff != "" {
		t.Fatalf("entities mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveDoesNotMutateSession(t *testing.T) {
	r := newResolver()
	session := sessionWith(maotai)
	before := session.Clone()
	r.Resolve(model.IntentLiveData, []model.Entity{wuliangye, pronoun("它", false, 3)}, session)

	if diff := cmp.Diff(before, session); diff != "" {
		t.Fatalf("session mutated (-before +after):\n%s", diff)
	}
}

func TestResolvedQuery(t *testing.T) {
	bound := maotai.Clone()
	bound.Reference = "它"
	got := ResolvedQuery("它和五粮液相比怎么样？", []model.Entity{bound, wuliangye})
	if got != "贵州茅台和五粮液相比怎么样？" {
		t.Fatalf("unexpected resolved query %q", got)
	}

	first, second := wuliangye.Clone(), maotai.Clone()
	first.Reference, second.Reference = "them", "them"
	first.Position, second.Position = 8, 8
	got = ResolvedQuery("compare them", []model.Entity{first, second})
	if got != "compare 五粮液和贵州茅台" {
		t.Fatalf("unexpected plural rewrite %q", got)
	}

	if got := ResolvedQuery("贵州茅台股价", []model.Entity{maotai}); got != "贵州茅台股价" {
		t.Fatalf("literal-only query must be unchanged, got %q", got)
	}
}
