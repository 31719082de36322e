package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"

	"FinAssist/internal/capability"
	"FinAssist/internal/capability/knowledgebase"
	"FinAssist/internal/capability/quotetool"
	xerrors "FinAssist/internal/errors"
	"FinAssist/internal/events"
	"FinAssist/internal/evidence"
	"FinAssist/internal/intent"
	"FinAssist/internal/knowledge"
	"FinAssist/internal/llm"
	"FinAssist/internal/marketdata"
	"FinAssist/internal/model"
	"FinAssist/internal/observability/alerting"
	"FinAssist/internal/observability/metrics"
	"FinAssist/internal/session"
	"FinAssist/pkg/logger"
)

type stubLLM struct {
	resp  *llm.Response
	err   error
	wait  time.Duration
	calls atomic.Int32
}

func (s *stubLLM) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.calls.Add(1)
	if s.wait > 0 {
		select {
		case <-time.After(s.wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

// flakyStore 包装内存存储，可按需让保存失败。
type flakyStore struct {
	*session.MemoryStore
	failSave atomic.Bool
	failLoad atomic.Bool
}

func (s *flakyStore) Save(ctx context.Context, sess *model.Session, ttl time.Duration) error {
	if s.failSave.Load() {
		return errors.New("redis: connection refused")
	}
	return s.MemoryStore.Save(ctx, sess, ttl)
}

func (s *flakyStore) Load(ctx context.Context, id string) (*model.Session, error) {
	if s.failLoad.Load() {
		return nil, errors.New("redis: i/o timeout")
	}
	return s.MemoryStore.Load(ctx, id)
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingAlerts) codes() []xerrors.Code {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]xerrors.Code, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Code)
	}
	return out
}

type recordingArchive struct {
	mu    sync.Mutex
	turns []model.Turn
	err   error
}

func (r *recordingArchive) Archive(_ context.Context, turn model.Turn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, turn)
	return r.err
}

func (r *recordingArchive) ListBySession(_ context.Context, sessionID string, _ int) ([]model.Turn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Turn
	for _, t := range r.turns {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	return out, nil
}

type panicClassifier struct{}

func (panicClassifier) Classify(string, intent.SessionContext) intent.Result {
	panic("lexicon corrupted")
}

// gathererFunc 允许普通函数实现 Gatherer。
type gathererFunc func(ctx context.Context, in model.Intent, query string, entities []model.Entity) ([]model.EvidenceItem, []evidence.ProviderFailure)

func (f gathererFunc) Gather(ctx context.Context, in model.Intent, query string, entities []model.Entity) ([]model.EvidenceItem, []evidence.ProviderFailure) {
	return f(ctx, in, query, entities)
}

func fixtureQuotes() *marketdata.StaticFetcher {
	at := time.Date(2024, 5, 6, 14, 30, 0, 0, time.UTC)
	return marketdata.NewStaticFetcher(
		marketdata.Quote{Code: "600519", Name: "贵州茅台", Price: decimal.RequireFromString("1705.50"), PrevClose: decimal.RequireFromString("1690.00"), Timestamp: at},
		marketdata.Quote{Code: "000858", Name: "五粮液", Price: decimal.RequireFromString("152.30"), PrevClose: decimal.RequireFromString("150.10"), Timestamp: at},
	)
}

func fixtureRegistry(t *testing.T) *capability.Registry {
	t.Helper()
	registry := capability.NewRegistry(capability.WithLogger(logger.Discard()))
	quotes := fixtureQuotes()
	searcher := knowledge.NewStaticSearcher([]knowledge.Article{{
		ID:       "pe-ratio",
		Title:    "市盈率",
		Content:  "市盈率是股票价格除以每股收益的比率，用于衡量股票估值水平。",
		Source:   "金融百科",
		URL:      "https://example.com/pe",
		Keywords: []string{"市盈率", "估值"},
	}})
	for name, provider := range map[string]capability.Provider{
		capability.PriceTool:     quotetool.NewPriceTool(quotes),
		capability.IndexTool:     quotetool.NewIndexTool(quotes),
		capability.KnowledgeBase: knowledgebase.New(searcher),
	} {
		if err := registry.Register(name, provider); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	return registry
}

func newTestCoordinator(t *testing.T, opts ...Option) *Coordinator {
	t.Helper()
	base := []Option{
		WithLogger(logger.Discard()),
		WithAuditLogger(logger.Discard()),
		WithMetrics(metrics.New()),
	}
	return New(fixtureRegistry(t), append(base, opts...)...)
}

func entityIDs(entities []model.Entity) []string {
	out := make([]string, 0, len(entities))
	for _, e := range entities {
		out = append(out, string(e.Kind)+":"+e.ID())
	}
	return out
}

func hasMarker(markers []model.Marker, code xerrors.Code) bool {
	for _, m := range markers {
		if m.Code == string(code) {
			return true
		}
	}
	return false
}

func TestHandleLiveDataQuery(t *testing.T) {
	publisher := events.NewMemoryPublisher()
	co := newTestCoordinator(t, WithPublisher(publisher))

	reply, err := co.Handle(context.Background(), Request{UserID: "u1", SessionID: "s1", Query: "贵州茅台的股价是多少？"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Failed {
		t.Fatalf("turn should succeed: %+v", reply.Failure)
	}
	if reply.Intent != model.IntentLiveData {
		t.Fatalf("expected live_data_query, got %s", reply.Intent)
	}
	if diff := cmp.Diff([]string{"instrument:600519"}, entityIDs(reply.Entities)); diff != "" {
		t.Fatalf("entities mismatch (-want +got):\n%s", diff)
	}
	if len(reply.Evidence) != 1 || reply.Evidence[0].SourceKind != model.ToolSource(capability.PriceTool) || reply.Evidence[0].Subject != "600519" {
		t.Fatalf("expected price-tool evidence only, got %+v", reply.Evidence)
	}
	if !strings.Contains(reply.Answer, "1705.5") || !strings.Contains(reply.Answer, "[T1]") {
		t.Fatalf("answer should cite the quote: %s", reply.Answer)
	}
	if !strings.Contains(reply.Answer, "📊 实时数据") {
		t.Fatalf("answer should carry the live data footer: %s", reply.Answer)
	}
	if reply.Generated {
		t.Fatalf("no generator configured, answer must be the draft")
	}

	stored, err := co.History(context.Background(), "s1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(stored.Turns) != 1 || stored.Turns[0].Answer() == "" {
		t.Fatalf("turn not persisted: %+v", stored.Turns)
	}
	if head := stored.LastActiveEntities[model.KindInstrument]; head.ID() != "600519" {
		t.Fatalf("entity not promoted: %+v", stored.LastActiveEntities)
	}

	published := publisher.Events()
	if len(published) != 1 || published[0].Type != events.TypeTurnCompleted || published[0].EvidenceCount != 1 {
		t.Fatalf("unexpected events: %+v", published)
	}
}

func TestHandleComparisonFollowUp(t *testing.T) {
	co := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := co.Handle(ctx, Request{UserID: "u1", SessionID: "s1", Query: "贵州茅台的股价是多少？"}); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	reply, err := co.Handle(ctx, Request{UserID: "u1", SessionID: "s1", Query: "它和五粮液相比怎么样？"})
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if reply.Intent != model.IntentComparison {
		t.Fatalf("expected comparison_query, got %s", reply.Intent)
	}
	if diff := cmp.Diff([]string{"instrument:600519", "instrument:000858"}, entityIDs(reply.Entities)); diff != "" {
		t.Fatalf("entities mismatch (-want +got):\n%s", diff)
	}
	subjects := make([]string, 0, len(reply.Evidence))
	for _, item := range reply.Evidence {
		subjects = append(subjects, item.Subject)
	}
	if diff := cmp.Diff([]string{"600519", "000858"}, subjects); diff != "" {
		t.Fatalf("evidence subjects mismatch (-want +got):\n%s", diff)
	}
	if hasMarker(reply.Markers, xerrors.CodeResolutionFailure) {
		t.Fatalf("pronoun should resolve: %+v", reply.Markers)
	}
	if !strings.Contains(reply.ResolvedQuery, "贵州茅台") {
		t.Fatalf("resolved query should name the referent: %q", reply.ResolvedQuery)
	}
}

func TestHandleTimeDeterminerDoesNotPullInPreviousEntity(t *testing.T) {
	co := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := co.Handle(ctx, Request{UserID: "u1", SessionID: "s1", Query: "五粮液的股价是多少？"}); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	query := "这个月贵州茅台涨了多少？"
	reply, err := co.Handle(ctx, Request{UserID: "u1", SessionID: "s1", Query: query})
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if diff := cmp.Diff([]string{"instrument:600519"}, entityIDs(reply.Entities)); diff != "" {
		t.Fatalf("entities mismatch (-want +got):\n%s", diff)
	}
	if reply.ResolvedQuery != query {
		t.Fatalf("query must not be rewritten, got %q", reply.ResolvedQuery)
	}
	for _, item := range reply.Evidence {
		if item.Subject == "000858" {
			t.Fatalf("previous entity leaked into evidence: %+v", reply.Evidence)
		}
	}
}

func TestHandlePronounWithoutHistoryRecordsMarker(t *testing.T) {
	co := newTestCoordinator(t)
	reply, err := co.Handle(context.Background(), Request{UserID: "u1", SessionID: "fresh", Query: "它和五粮液相比怎么样？"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hasMarker(reply.Markers, xerrors.CodeResolutionFailure) {
		t.Fatalf("expected resolution failure marker, got %+v", reply.Markers)
	}
	for _, e := range reply.Entities {
		if e.IsPronoun() {
			t.Fatalf("unresolved pronoun leaked into turn: %+v", reply.Entities)
		}
	}
	if reply.Intent == model.IntentComparison {
		t.Fatalf("comparison needs two resolved entities, got %s", reply.Intent)
	}
}

func TestHandleKnowledgeQueryCitesSource(t *testing.T) {
	co := newTestCoordinator(t)
	reply, err := co.Handle(context.Background(), Request{UserID: "u1", Query: "什么是市盈率？"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.SessionID == "" {
		t.Fatalf("session id should be generated")
	}
	if reply.Intent != model.IntentKnowledgeLookup {
		t.Fatalf("expected knowledge_lookup, got %s", reply.Intent)
	}
	if len(reply.Evidence) == 0 || !reply.Evidence[0].IsKnowledge() {
		t.Fatalf("expected knowledge evidence, got %+v", reply.Evidence)
	}
	if len(reply.Citations) == 0 || !strings.Contains(reply.Answer, "📚 参考资料") {
		t.Fatalf("expected citations in answer, got %q %v", reply.Answer, reply.Citations)
	}
}

func TestHandleUsesGenerator(t *testing.T) {
	gen := &stubLLM{resp: &llm.Response{Text: "贵州茅台当前价格为 1705.50 元 [T1]", Model: "stub"}}
	co := newTestCoordinator(t, WithGenerator(gen))

	reply, err := co.Handle(context.Background(), Request{UserID: "u1", SessionID: "s1", Query: "贵州茅台的股价是多少？"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reply.Generated || !strings.HasPrefix(reply.Answer, "贵州茅台当前价格为 1705.50 元 [T1]") {
		t.Fatalf("expected generated answer, got %q", reply.Answer)
	}
	if !strings.Contains(reply.Answer, "📊 实时数据") {
		t.Fatalf("generated answer should still be annotated: %q", reply.Answer)
	}
	if gen.calls.Load() != 1 {
		t.Fatalf("generator should be called exactly once, got %d", gen.calls.Load())
	}
}

func TestHandleGeneratorFailureFallsBackToDraft(t *testing.T) {
	cases := map[string]*stubLLM{
		"error":   {err: errors.New("503 service unavailable")},
		"timeout": {wait: 200 * time.Millisecond, resp: &llm.Response{Text: "too late"}},
		"empty":   {resp: &llm.Response{Text: "   "}},
	}
	for name, gen := range cases {
		t.Run(name, func(t *testing.T) {
			co := newTestCoordinator(t, WithGenerator(gen), WithGenerateTimeout(20*time.Millisecond))
			reply, err := co.Handle(context.Background(), Request{UserID: "u1", SessionID: "s1", Query: "贵州茅台的股价是多少？"})
			if err != nil {
				t.Fatalf("backend failures must not fail the turn: %v", err)
			}
			if reply.Failed || reply.Generated {
				t.Fatalf("expected draft answer, got %+v", reply)
			}
			if !strings.Contains(reply.Answer, "关于「") {
				t.Fatalf("expected templated answer, got %q", reply.Answer)
			}
			if name != "empty" && !hasMarker(reply.Markers, xerrors.CodeBackendUnavailable) {
				t.Fatalf("expected backend unavailable marker, got %+v", reply.Markers)
			}
		})
	}
}

func TestHandlePersistenceFailureKeepsPriorTurns(t *testing.T) {
	store := &flakyStore{MemoryStore: session.NewMemoryStore()}
	alerts := &recordingAlerts{}
	publisher := events.NewMemoryPublisher()
	co := newTestCoordinator(t, WithStore(store), WithAlerts(alerts), WithPublisher(publisher))
	ctx := context.Background()

	if _, err := co.Handle(ctx, Request{UserID: "u1", SessionID: "s1", Query: "贵州茅台的股价是多少？"}); err != nil {
		t.Fatalf("first turn: %v", err)
	}

	store.failSave.Store(true)
	reply, err := co.Handle(ctx, Request{UserID: "u1", SessionID: "s1", Query: "五粮液呢？"})
	if err == nil {
		t.Fatalf("expected persistence failure, got reply %+v", reply)
	}
	if !xerrors.IsCode(err, xerrors.CodePersistenceFailure) {
		t.Fatalf("expected PERSISTENCE_FAILURE, got %v", err)
	}

	store.failSave.Store(false)
	stored, err := co.History(ctx, "s1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(stored.Turns) != 1 || stored.Turns[0].QueryText != "贵州茅台的股价是多少？" {
		t.Fatalf("prior turns must survive a failed save: %+v", stored.Turns)
	}
	if head := stored.LastActiveEntities[model.KindInstrument]; head.ID() != "600519" {
		t.Fatalf("failed turn must not promote entities: %+v", stored.LastActiveEntities)
	}
	if diff := cmp.Diff([]xerrors.Code{xerrors.CodePersistenceFailure}, alerts.codes()); diff != "" {
		t.Fatalf("alerts mismatch (-want +got):\n%s", diff)
	}
	if n := len(publisher.Events()); n != 1 {
		t.Fatalf("unpersisted turn must not publish events, got %d", n)
	}
}

func TestHandleLoadFailureSavesNothing(t *testing.T) {
	store := &flakyStore{MemoryStore: session.NewMemoryStore()}
	store.failLoad.Store(true)
	co := newTestCoordinator(t, WithStore(store))

	_, err := co.Handle(context.Background(), Request{UserID: "u1", SessionID: "s1", Query: "贵州茅台的股价是多少？"})
	if !xerrors.IsCode(err, xerrors.CodePersistenceFailure) {
		t.Fatalf("expected PERSISTENCE_FAILURE, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("nothing should be saved after a load failure")
	}
}

func TestHandleCanceledBeforeStateCapture(t *testing.T) {
	store := session.NewMemoryStore()
	co := newTestCoordinator(t, WithStore(store))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := co.Handle(ctx, Request{UserID: "u1", SessionID: "s1", Query: "贵州茅台的股价是多少？"})
	if !xerrors.IsCode(err, xerrors.CodeCanceled) {
		t.Fatalf("expected CANCELED, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cause should be preserved, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("canceled request must not create a session")
	}
}

func TestHandleCancellationBeforePromptReadyPersistsFailedTurn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 收集证据期间调用方取消请求。
	gatherer := gathererFunc(func(context.Context, model.Intent, string, []model.Entity) ([]model.EvidenceItem, []evidence.ProviderFailure) {
		cancel()
		return nil, nil
	})
	gen := &stubLLM{resp: &llm.Response{Text: "不应被调用"}}
	publisher := events.NewMemoryPublisher()
	co := newTestCoordinator(t, WithGatherer(gatherer), WithGenerator(gen), WithPublisher(publisher))

	reply, err := co.Handle(ctx, Request{UserID: "u1", SessionID: "s1", Query: "贵州茅台的股价是多少？"})
	if err != nil {
		t.Fatalf("stage failures are reported on the reply, got %v", err)
	}
	if !reply.Failed || reply.Failure == nil || reply.Failure.Code != string(xerrors.CodeCanceled) {
		t.Fatalf("expected canceled failure, got %+v", reply)
	}
	if reply.Answer != FailureAnswer {
		t.Fatalf("unexpected user-visible answer: %q", reply.Answer)
	}
	if gen.calls.Load() != 0 {
		t.Fatalf("generator must not run for an aborted turn")
	}

	stored, err := co.History(context.Background(), "s1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(stored.Turns) != 1 {
		t.Fatalf("aborted turn should be persisted, got %d turns", len(stored.Turns))
	}
	turn := stored.Turns[0]
	if turn.AnswerText != nil || turn.Failure == nil || turn.Failure.Stage != string(StageAssemble) {
		t.Fatalf("expected error-marked turn, got %+v", turn)
	}
	if got := publisher.Events(); len(got) != 1 || got[0].Type != events.TypeTurnFailed {
		t.Fatalf("expected turn.failed event, got %+v", got)
	}
}

func TestHandleStagePanicIsContained(t *testing.T) {
	alerts := &recordingAlerts{}
	co := newTestCoordinator(t, WithClassifier(panicClassifier{}), WithAlerts(alerts))

	reply, err := co.Handle(context.Background(), Request{UserID: "u1", SessionID: "s1", Query: "贵州茅台的股价是多少？"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reply.Failed || reply.Failure.Stage != string(StageClassify) || reply.Failure.Code != string(xerrors.CodeUnknown) {
		t.Fatalf("expected classify failure, got %+v", reply.Failure)
	}
	if reply.Intent != model.IntentUnknown {
		t.Fatalf("failed turn keeps the default intent, got %s", reply.Intent)
	}
	if diff := cmp.Diff([]xerrors.Code{xerrors.CodeUnknown}, alerts.codes()); diff != "" {
		t.Fatalf("alerts mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleGathererPanicDegradesToNoEvidence(t *testing.T) {
	gatherer := gathererFunc(func(context.Context, model.Intent, string, []model.Entity) ([]model.EvidenceItem, []evidence.ProviderFailure) {
		panic("provider table corrupted")
	})
	co := newTestCoordinator(t, WithGatherer(gatherer))

	reply, err := co.Handle(context.Background(), Request{UserID: "u1", SessionID: "s1", Query: "贵州茅台的股价是多少？"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Failed {
		t.Fatalf("gathering failures must not abort the turn: %+v", reply.Failure)
	}
	if len(reply.Evidence) != 0 || !hasMarker(reply.Markers, xerrors.CodeProviderFailure) {
		t.Fatalf("expected provider failure marker without evidence, got %+v", reply)
	}
}

func TestHandleProviderFailureIsNonFatal(t *testing.T) {
	registry := fixtureRegistry(t)
	registry.Unregister(capability.PriceTool)
	failing := marketdata.FetcherFunc(func(context.Context, string) (marketdata.Quote, error) {
		return marketdata.Quote{}, errors.New("upstream 502")
	})
	if err := registry.Register(capability.PriceTool, quotetool.NewPriceTool(failing)); err != nil {
		t.Fatalf("register: %v", err)
	}
	co := New(registry, WithLogger(logger.Discard()), WithAuditLogger(logger.Discard()))

	reply, err := co.Handle(context.Background(), Request{UserID: "u1", SessionID: "s1", Query: "贵州茅台的股价是多少？"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Failed || len(reply.Evidence) != 0 {
		t.Fatalf("expected answered turn without evidence, got %+v", reply)
	}
	if !hasMarker(reply.Markers, xerrors.CodeProviderFailure) {
		t.Fatalf("expected provider failure marker, got %+v", reply.Markers)
	}
}

func TestHandleEvictsOldestTurns(t *testing.T) {
	co := newTestCoordinator(t, WithSessionLimits(2, 0))
	ctx := context.Background()
	queries := []string{"贵州茅台的股价是多少？", "五粮液的股价是多少？", "上证指数今天走势如何"}
	for _, q := range queries {
		if _, err := co.Handle(ctx, Request{UserID: "u1", SessionID: "s1", Query: q}); err != nil {
			t.Fatalf("handle %q: %v", q, err)
		}
	}
	stored, err := co.History(ctx, "s1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	got := make([]string, 0, len(stored.Turns))
	for _, turn := range stored.Turns {
		got = append(got, turn.QueryText)
	}
	if diff := cmp.Diff(queries[1:], got); diff != "" {
		t.Fatalf("expected most recent turns (-want +got):\n%s", diff)
	}
}

func TestHandleRejectsInvalidRequests(t *testing.T) {
	co := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := co.Handle(ctx, Request{UserID: "u1", Query: "   "}); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("empty query: expected INVALID_ARGUMENT, got %v", err)
	}
	if _, err := co.Handle(ctx, Request{Query: "你好"}); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("empty user: expected INVALID_ARGUMENT, got %v", err)
	}
	if _, err := co.Handle(ctx, Request{UserID: "u1", SessionID: "s1", Query: "你好"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	_, err := co.Handle(ctx, Request{UserID: "intruder", SessionID: "s1", Query: "你好"})
	if !xerrors.IsCode(err, xerrors.CodeNotFound) {
		t.Fatalf("foreign session: expected NOT_FOUND, got %v", err)
	}
	if strings.Contains(err.Error(), "属于") {
		t.Fatalf("foreign session must look like a missing one: %v", err)
	}
}

func TestHandleArchivesTurns(t *testing.T) {
	arch := &recordingArchive{err: errors.New("disk full")}
	co := newTestCoordinator(t, WithArchive(arch))

	reply, err := co.Handle(context.Background(), Request{UserID: "u1", SessionID: "s1", Query: "你好"})
	if err != nil {
		t.Fatalf("archive errors must only be logged: %v", err)
	}
	if reply.Intent != model.IntentChitChat {
		t.Fatalf("expected chit_chat, got %s", reply.Intent)
	}
	turns, _ := arch.ListBySession(context.Background(), "s1", 10)
	if len(turns) != 1 || turns[0].TurnID != reply.TurnID {
		t.Fatalf("turn not archived: %+v", turns)
	}
}

func TestHandleSerializesSameSession(t *testing.T) {
	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
	)
	gatherer := gathererFunc(func(context.Context, model.Intent, string, []model.Entity) ([]model.EvidenceItem, []evidence.ProviderFailure) {
		n := inside.Add(1)
		for {
			seen := maxSeen.Load()
			if n <= seen || maxSeen.CompareAndSwap(seen, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inside.Add(-1)
		return nil, nil
	})
	co := newTestCoordinator(t, WithGatherer(gatherer), WithSessionLimits(10, 0))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := co.Handle(context.Background(), Request{UserID: "u1", SessionID: "s1", Query: fmt.Sprintf("贵州茅台 %d", i)}); err != nil {
				t.Errorf("handle: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if maxSeen.Load() != 1 {
		t.Fatalf("turns of one session ran concurrently: %d", maxSeen.Load())
	}
	stored, err := co.History(context.Background(), "s1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(stored.Turns) != 5 {
		t.Fatalf("every serialized turn should be kept, got %d", len(stored.Turns))
	}
}

func TestHandleDistinctSessionsRunInParallel(t *testing.T) {
	var arrived atomic.Int32
	gatherer := gathererFunc(func(context.Context, model.Intent, string, []model.Entity) ([]model.EvidenceItem, []evidence.ProviderFailure) {
		arrived.Add(1)
		deadline := time.Now().Add(2 * time.Second)
		for arrived.Load() < 2 {
			if time.Now().After(deadline) {
				return nil, []evidence.ProviderFailure{{Capability: "barrier", Reason: "sessions did not overlap"}}
			}
			time.Sleep(time.Millisecond)
		}
		return nil, nil
	})
	co := newTestCoordinator(t, WithGatherer(gatherer))

	var wg sync.WaitGroup
	replies := make([]*Reply, 2)
	for i := range replies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reply, err := co.Handle(context.Background(), Request{UserID: "u1", SessionID: fmt.Sprintf("s%d", i), Query: "贵州茅台的股价是多少？"})
			if err != nil {
				t.Errorf("handle: %v", err)
				return
			}
			replies[i] = reply
		}(i)
	}
	wg.Wait()

	for i, reply := range replies {
		if reply == nil {
			continue
		}
		if hasMarker(reply.Markers, xerrors.CodeProviderFailure) {
			t.Fatalf("session s%d was blocked by the other session", i)
		}
	}
}

func TestEndSessionAndHistory(t *testing.T) {
	publisher := events.NewMemoryPublisher()
	co := newTestCoordinator(t, WithPublisher(publisher))
	ctx := context.Background()

	if _, err := co.History(ctx, "s1"); !xerrors.IsCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND before first turn, got %v", err)
	}
	if _, err := co.Handle(ctx, Request{UserID: "u1", SessionID: "s1", Query: "你好"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := co.EndSession(ctx, "s1"); err != nil {
		t.Fatalf("end session: %v", err)
	}
	if err := co.EndSession(ctx, "s1"); !xerrors.IsCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND for ended session, got %v", err)
	}
	if _, err := co.History(ctx, "s1"); !xerrors.IsCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND after end, got %v", err)
	}

	got := publisher.Events()
	if len(got) != 2 || got[1].Type != events.TypeSessionEnded || got[1].SessionID != "s1" {
		t.Fatalf("expected session.ended event, got %+v", got)
	}
}
