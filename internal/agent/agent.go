package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"FinAssist/internal/archive"
	xerrors "FinAssist/internal/errors"
	"FinAssist/internal/events"
	"FinAssist/internal/evidence"
	"FinAssist/internal/intent"
	"FinAssist/internal/llm"
	"FinAssist/internal/model"
	"FinAssist/internal/observability/alerting"
	"FinAssist/internal/observability/metrics"
	"FinAssist/internal/prompt"
	"FinAssist/internal/resolver"
	"FinAssist/internal/session"
	"FinAssist/pkg/logger"
)

// Stage 标识回合处理的阶段，用于失败标记与耗时统计。
type Stage string

const (
	StageLoad     Stage = "load"
	StageClassify Stage = "classify"
	StageResolve  Stage = "resolve"
	StageGather   Stage = "gather"
	StageAssemble Stage = "assemble"
	StageGenerate Stage = "generate"
	StagePersist  Stage = "persist"
)

const (
	defaultMaxTurns        = 5
	defaultMaxAge          = 24 * time.Hour
	defaultSessionTTL      = time.Hour
	defaultGenerateTimeout = 30 * time.Second
	defaultSaveTimeout     = 5 * time.Second

	outcomeAnswered          = "answered"
	outcomeFailed            = "failed"
	outcomePersistenceFailed = "persistence_failed"

	// FailureAnswer 是回合失败时返回给用户的提示。
	FailureAnswer = "抱歉，处理您的请求时出现了技术问题，请稍后重试。"
)

// Request 描述一次用户提问。SessionID 为空时创建新会话。
type Request struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`
	Query     string `json:"query"`
}

// Reply 汇总一个回合的处理结果。
type Reply struct {
	SessionID     string               `json:"session_id"`
	TurnID        string               `json:"turn_id"`
	Intent        model.Intent         `json:"intent"`
	ResolvedQuery string               `json:"resolved_query"`
	Entities      []model.Entity       `json:"entities"`
	Evidence      []model.EvidenceItem `json:"evidence"`
	Answer        string               `json:"answer"`
	Citations     []string             `json:"citations,omitempty"`
	Markers       []model.Marker       `json:"markers,omitempty"`
	// Generated 为 true 表示回答来自生成后端，否则为模板回答。
	Generated bool               `json:"generated"`
	Failed    bool               `json:"failed"`
	Failure   *model.TurnFailure `json:"failure,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// Classifier 识别意图并抽取实体。
type Classifier interface {
	Classify(query string, sc intent.SessionContext) intent.Result
}

// Resolver 将代词替换为会话中的实体。
type Resolver interface {
	Resolve(in model.Intent, entities []model.Entity, s *model.Session) resolver.Resolution
}

// Gatherer 调用能力收集证据。
type Gatherer interface {
	Gather(ctx context.Context, in model.Intent, query string, entities []model.Entity) ([]model.EvidenceItem, []evidence.ProviderFailure)
}

// Assembler 生成提示词。
type Assembler interface {
	Assemble(in prompt.Input) prompt.Result
}

// Coordinator 驱动一个回合依次经过识别、消解、取证、组装、生成与持久化，是系统的业务核心。
type Coordinator struct {
	classifier Classifier
	resolver   Resolver
	gatherer   Gatherer
	assembler  Assembler
	generator  llm.Client

	store     session.Store
	locker    session.Locker
	publisher events.Publisher
	archive   archive.Archive
	metrics   *metrics.Metrics
	alerts    alerting.Dispatcher

	maxTurns        int
	maxAge          time.Duration
	ttl             time.Duration
	generateTimeout time.Duration
	saveTimeout     time.Duration

	now    func() time.Time
	newID  func() string
	logger *slog.Logger
	audit  *slog.Logger
}

// Option 定义可选的 Coordinator 配置。
type Option func(*Coordinator)

// WithClassifier 替换意图识别器。
func WithClassifier(c Classifier) Option {
	return func(co *Coordinator) {
		if c != nil {
			co.classifier = c
		}
	}
}

// WithResolver 替换指代消解器。
func WithResolver(r Resolver) Option {
	return func(co *Coordinator) {
		if r != nil {
			co.resolver = r
		}
	}
}

// WithGatherer 替换证据收集器。
func WithGatherer(g Gatherer) Option {
	return func(co *Coordinator) {
		if g != nil {
			co.gatherer = g
		}
	}
}

// WithAssembler 替换提示词组装器。
func WithAssembler(a Assembler) Option {
	return func(co *Coordinator) {
		if a != nil {
			co.assembler = a
		}
	}
}

// WithGenerator 配置生成后端，未配置时使用模板回答。
func WithGenerator(client llm.Client) Option {
	return func(co *Coordinator) {
		co.generator = client
	}
}

// WithGenerateTimeout 设置调用生成后端的超时时间。
func WithGenerateTimeout(timeout time.Duration) Option {
	return func(co *Coordinator) {
		if timeout > 0 {
			co.generateTimeout = timeout
		}
	}
}

// WithStore 指定会话存储。
func WithStore(store session.Store) Option {
	return func(co *Coordinator) {
		if store != nil {
			co.store = store
		}
	}
}

// WithLocker 指定会话锁，多实例部署时应使用分布式锁。
func WithLocker(locker session.Locker) Option {
	return func(co *Coordinator) {
		if locker != nil {
			co.locker = locker
		}
	}
}

// WithPublisher 配置生命周期事件发布器。
func WithPublisher(p events.Publisher) Option {
	return func(co *Coordinator) {
		co.publisher = p
	}
}

// WithArchive 配置回合归档。
func WithArchive(a archive.Archive) Option {
	return func(co *Coordinator) {
		co.archive = a
	}
}

// WithMetrics 配置指标采集。
func WithMetrics(m *metrics.Metrics) Option {
	return func(co *Coordinator) {
		co.metrics = m
	}
}

// WithAlerts 配置告警分发。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(co *Coordinator) {
		co.alerts = d
	}
}

// WithSessionLimits 设置会话保留的最大轮数与最长时间，非正值表示不限制。
func WithSessionLimits(maxTurns int, maxAge time.Duration) Option {
	return func(co *Coordinator) {
		co.maxTurns = maxTurns
		co.maxAge = maxAge
	}
}

// WithSessionTTL 设置会话在存储中的过期时间，每次保存都会刷新。
func WithSessionTTL(ttl time.Duration) Option {
	return func(co *Coordinator) {
		co.ttl = ttl
	}
}

// WithSaveTimeout 设置保存会话的超时时间，保存不受调用方取消的影响。
func WithSaveTimeout(timeout time.Duration) Option {
	return func(co *Coordinator) {
		if timeout > 0 {
			co.saveTimeout = timeout
		}
	}
}

// WithClock 替换时钟。
func WithClock(now func() time.Time) Option {
	return func(co *Coordinator) {
		if now != nil {
			co.now = now
		}
	}
}

// WithIDGenerator 替换会话与回合标识的生成方式。
func WithIDGenerator(fn func() string) Option {
	return func(co *Coordinator) {
		if fn != nil {
			co.newID = fn
		}
	}
}

// WithLogger 指定运行日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(co *Coordinator) {
		if l != nil {
			co.logger = l
		}
	}
}

// WithAuditLogger 指定审计日志记录器。
func WithAuditLogger(l *slog.Logger) Option {
	return func(co *Coordinator) {
		if l != nil {
			co.audit = l
		}
	}
}

// New 创建协调器。router 为证据收集提供能力路由，可通过 WithGatherer 整体替换。
func New(router evidence.Router, opts ...Option) *Coordinator {
	// 初始化默认组件。
	co := &Coordinator{
		classifier:      intent.New(intent.DefaultLexicon()),
		resolver:        resolver.New(),
		gatherer:        evidence.New(router),
		assembler:       prompt.New(),
		store:           session.NewMemoryStore(),
		locker:          session.NewKeyedLocker(),
		maxTurns:        defaultMaxTurns,
		maxAge:          defaultMaxAge,
		ttl:             defaultSessionTTL,
		generateTimeout: defaultGenerateTimeout,
		saveTimeout:     defaultSaveTimeout,
		now:             time.Now,
		newID:           uuid.NewString,
		logger:          logger.Named("agent"),
		audit:           logger.Audit(),
	}
	// 应用可选配置。
	for _, opt := range opts {
		if opt != nil {
			opt(co)
		}
	}
	return co
}

// turnState 记录回合在各阶段间传递的中间结果。
type turnState struct {
	turn       model.Turn
	resolution resolver.Resolution
	resolved   bool
	prompt     prompt.Result
	generated  bool
	stage      Stage
	err        error
}

// Handle 处理一次用户提问。
//
// 阶段失败（含 PromptReady 之前的取消）不会返回错误：回合带着失败标记持久化，
// Reply.Failed 为 true。只有获取会话状态或保存会话失败时才返回错误。
func (c *Coordinator) Handle(ctx context.Context, req Request) (*Reply, error) {
	// 验证请求的合法性。
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "查询内容不能为空")
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "用户标识不能为空")
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = c.newID()
	}
	if err := ctx.Err(); err != nil {
		return nil, canceled(err, sessionID)
	}

	// 获取会话锁，同一会话的回合从加载到保存串行执行。
	unlock, err := c.locker.Lock(ctx, sessionID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, canceled(ctxErr, sessionID)
		}
		lockErr := xerrors.Wrap(xerrors.CodePersistenceFailure, err, "获取会话锁失败", xerrors.WithMetadata("session_id", sessionID))
		c.raise(ctx, lockErr, sessionID, "", StageLoad)
		return nil, lockErr
	}
	defer unlock()

	// 加载会话，首轮对话时创建。
	sess, err := c.loadOrCreate(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	st := &turnState{turn: model.Turn{
		TurnID:            c.newID(),
		UserID:            userID,
		SessionID:         sessionID,
		QueryText:         query,
		ResolvedQueryText: query,
		Intent:            model.IntentUnknown,
		Timestamp:         c.now(),
	}}

	// 依次执行各阶段，失败的回合不再生成回答。
	if stage, err := c.prepare(ctx, sess, st); err != nil {
		c.fail(st, stage, err)
	} else {
		c.generate(ctx, st)
	}

	return c.persist(ctx, sess, st)
}

func (c *Coordinator) loadOrCreate(ctx context.Context, sessionID, userID string) (*model.Session, error) {
	sess, err := c.store.Load(ctx, sessionID)
	switch {
	case err == nil:
		if sess.UserID != "" && sess.UserID != userID {
			// 不区分“不存在”与“属于他人”，避免泄露会话 ID。
			return nil, xerrors.New(xerrors.CodeNotFound, "会话不存在",
				xerrors.WithMetadata("session_id", sessionID))
		}
		return sess, nil
	case errors.Is(err, session.ErrNotFound):
		c.logger.Debug("创建新会话", "session_id", sessionID, "user_id", userID)
		return model.NewSession(sessionID, userID, c.now()), nil
	case ctx.Err() != nil:
		return nil, canceled(ctx.Err(), sessionID)
	default:
		loadErr := xerrors.Wrap(xerrors.CodePersistenceFailure, err, "加载会话失败", xerrors.WithMetadata("session_id", sessionID))
		c.raise(ctx, loadErr, sessionID, "", StageLoad)
		return nil, loadErr
	}
}

// prepare 执行 PromptReady 之前的全部阶段，返回失败的阶段与原因。
func (c *Coordinator) prepare(ctx context.Context, sess *model.Session, st *turnState) (Stage, error) {
	turn := &st.turn

	// 识别意图并抽取实体。
	if err := c.runStage(ctx, StageClassify, func() error {
		result := c.classifier.Classify(turn.QueryText, intent.ContextOf(sess))
		turn.Intent = result.Intent
		turn.Entities = result.Entities
		if result.Ambiguous {
			turn.Markers = append(turn.Markers, model.Marker{
				Code:   string(xerrors.CodeClassificationAmbiguous),
				Detail: fmt.Sprintf("confidence=%.2f", result.Confidence),
			})
		}
		return nil
	}); err != nil {
		return StageClassify, err
	}

	// 消解代词并校正意图。
	if err := c.runStage(ctx, StageResolve, func() error {
		res := c.resolver.Resolve(turn.Intent, turn.Entities, sess)
		st.resolution = res
		st.resolved = true
		turn.Entities = res.Entities
		turn.Intent = intent.Reconcile(turn.Intent, res.Entities)
		turn.ResolvedQueryText = resolver.ResolvedQuery(turn.QueryText, res.Entities)
		for _, f := range res.Failures {
			turn.Markers = append(turn.Markers, f.Marker())
		}
		c.metrics.ResolutionFailures(len(res.Failures))
		return nil
	}); err != nil {
		return StageResolve, err
	}

	// 收集证据，单个提供方的失败只记录为标记。
	if err := c.runStage(ctx, StageGather, func() error {
		items, failures := c.gatherer.Gather(ctx, turn.Intent, turn.ResolvedQueryText, turn.Entities)
		turn.Evidence = items
		for _, f := range failures {
			turn.Markers = append(turn.Markers, f.Marker())
			c.metrics.ProviderFailure(f.Capability)
		}
		return nil
	}); err != nil {
		if xerrors.IsCode(err, xerrors.CodeCanceled) {
			return StageGather, err
		}
		turn.Evidence = nil
		turn.Markers = append(turn.Markers, model.Marker{
			Code:   string(xerrors.CodeProviderFailure),
			Detail: err.Error(),
		})
		c.logger.Warn("证据收集异常，按无证据继续", "session_id", turn.SessionID, "turn_id", turn.TurnID, "error", err)
	}

	// 组装提示词，完成后进入 PromptReady。
	if err := c.runStage(ctx, StageAssemble, func() error {
		st.prompt = c.assembler.Assemble(prompt.Input{
			Intent:   turn.Intent,
			Query:    turn.ResolvedQueryText,
			History:  sess.Turns,
			Evidence: turn.Evidence,
		})
		turn.Markers = append(turn.Markers, st.prompt.Markers...)
		turn.Citations = prompt.CitationList(st.prompt.Citations)
		return nil
	}); err != nil {
		return StageAssemble, err
	}
	return "", nil
}

// runStage 在执行前检查取消状态，并将 panic 转换为错误。
func (c *Coordinator) runStage(ctx context.Context, stage Stage, fn func() error) (err error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return canceled(ctxErr, "")
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("%s 阶段异常: %v", stage, r),
				xerrors.WithMetadata("stage", string(stage)))
		}
		c.metrics.ObserveStage(string(stage), time.Since(start))
	}()
	return fn()
}

// fail 将回合标记为失败。失败回合不保留回答，也不保留未消解的代词。
func (c *Coordinator) fail(st *turnState, stage Stage, err error) {
	st.stage = stage
	st.err = err

	message := err.Error()
	if coded, ok := xerrors.From(err); ok {
		message = coded.Message()
	}
	st.turn.AnswerText = nil
	st.turn.Failure = &model.TurnFailure{
		Stage:   string(stage),
		Code:    string(xerrors.CodeOf(err)),
		Message: message,
	}
	resolved := st.turn.Entities[:0:0]
	for _, e := range st.turn.Entities {
		if e.Resolved() {
			resolved = append(resolved, e)
		}
	}
	st.turn.Entities = resolved

	c.logger.Warn("回合处理失败",
		"session_id", st.turn.SessionID,
		"turn_id", st.turn.TurnID,
		"stage", stage,
		"code", xerrors.CodeOf(err),
		"error", err,
	)
}

// generate 调用生成后端，失败或未配置时使用模板回答，并追加来源脚注。
func (c *Coordinator) generate(ctx context.Context, st *turnState) {
	start := time.Now()
	defer func() { c.metrics.ObserveStage(string(StageGenerate), time.Since(start)) }()

	turn := &st.turn
	text := ""
	if c.generator != nil {
		genCtx, cancel := context.WithTimeout(ctx, c.generateTimeout)
		resp, err := c.callGenerator(genCtx, st.prompt.Prompt)
		cancel()
		switch {
		case err != nil:
			turn.Markers = append(turn.Markers, model.Marker{
				Code:   string(xerrors.CodeBackendUnavailable),
				Detail: err.Error(),
			})
			c.logger.Warn("生成后端不可用，使用模板回答", "session_id", turn.SessionID, "turn_id", turn.TurnID, "error", err)
		default:
			text = strings.TrimSpace(resp.Text)
			st.generated = text != ""
		}
	}
	if text == "" {
		text = prompt.Draft(turn.Intent, turn.ResolvedQueryText, turn.Evidence, st.prompt.Citations)
	}
	answer := prompt.Annotate(text, turn.Evidence, st.prompt.Citations)
	turn.AnswerText = &answer
}

func (c *Coordinator) callGenerator(ctx context.Context, text string) (resp *llm.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("生成后端异常: %v", r)
		}
	}()
	resp, err = c.generator.Generate(ctx, llm.Request{Prompt: text}.Normalize())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "生成后端超时")
		}
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("生成后端返回空响应")
	}
	return resp, nil
}

// persist 将回合写入会话并保存。保存使用与调用方取消无关的上下文。
func (c *Coordinator) persist(ctx context.Context, sess *model.Session, st *turnState) (*Reply, error) {
	turn := st.turn

	// 追加回合并按上限淘汰旧回合。
	evicted := sess.AppendTurn(turn, c.maxTurns, c.maxAge, c.now())
	// 应用消解产生的实体晋升。
	if st.resolved {
		for _, e := range st.resolution.Promotions {
			sess.Promote(e)
		}
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.saveTimeout)
	defer cancel()
	start := time.Now()
	err := c.store.Save(saveCtx, sess, c.ttl)
	c.metrics.ObserveStage(string(StagePersist), time.Since(start))
	if err != nil {
		saveErr := xerrors.Wrap(xerrors.CodePersistenceFailure, err, "保存会话失败",
			xerrors.WithMetadata("session_id", turn.SessionID),
			xerrors.WithMetadata("turn_id", turn.TurnID),
		)
		c.metrics.ObserveTurn(string(turn.Intent), outcomePersistenceFailed)
		c.logger.Error("保存会话失败", "session_id", turn.SessionID, "turn_id", turn.TurnID, "error", err)
		c.raise(ctx, saveErr, turn.SessionID, turn.TurnID, StagePersist)
		return nil, saveErr
	}

	c.afterPersist(ctx, st, evicted)
	return replyOf(st), nil
}

// afterPersist 发布事件、归档、记录指标与告警，这里的错误只记录日志。
func (c *Coordinator) afterPersist(ctx context.Context, st *turnState, evicted int) {
	turn := st.turn
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.saveTimeout)
	defer cancel()

	outcome := outcomeAnswered
	if turn.Failed() {
		outcome = outcomeFailed
	}
	c.metrics.ObserveTurn(string(turn.Intent), outcome)

	if c.publisher != nil {
		if err := c.publisher.Publish(ctx, eventOf(turn)); err != nil {
			c.logger.Warn("发布回合事件失败", "session_id", turn.SessionID, "turn_id", turn.TurnID, "error", err)
		}
	}
	if c.archive != nil {
		if err := c.archive.Archive(ctx, turn); err != nil {
			c.logger.Warn("归档回合失败", "session_id", turn.SessionID, "turn_id", turn.TurnID, "error", err)
		}
	}
	if st.err != nil {
		c.raise(ctx, st.err, turn.SessionID, turn.TurnID, st.stage)
	}

	c.audit.Info("turn persisted",
		"session_id", turn.SessionID,
		"turn_id", turn.TurnID,
		"user_id", turn.UserID,
		"intent", string(turn.Intent),
		"outcome", outcome,
		"entities", len(turn.Entities),
		"evidence", len(turn.Evidence),
		"markers", markerCodes(turn.Markers),
		"evicted", evicted,
	)
}

// raise 对需要人工关注的错误发出告警。
func (c *Coordinator) raise(ctx context.Context, err error, sessionID, turnID string, stage Stage) {
	if c.alerts == nil || !xerrors.ShouldAlert(err) {
		return
	}
	event := alerting.EventFromError(err, sessionID, turnID, string(stage), c.now())
	if notifyErr := c.alerts.Notify(context.WithoutCancel(ctx), event); notifyErr != nil {
		c.logger.Warn("发送告警失败", "session_id", sessionID, "code", event.Code, "error", notifyErr)
	}
}

// EndSession 显式结束并删除会话。
func (c *Coordinator) EndSession(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话标识不能为空")
	}
	unlock, err := c.locker.Lock(ctx, sessionID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return canceled(ctxErr, sessionID)
		}
		return xerrors.Wrap(xerrors.CodePersistenceFailure, err, "获取会话锁失败", xerrors.WithMetadata("session_id", sessionID))
	}
	defer unlock()

	if err := c.store.Delete(ctx, sessionID); err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			return xerrors.New(xerrors.CodeNotFound, "会话不存在", xerrors.WithMetadata("session_id", sessionID))
		case ctx.Err() != nil:
			return canceled(ctx.Err(), sessionID)
		default:
			return xerrors.Wrap(xerrors.CodePersistenceFailure, err, "删除会话失败", xerrors.WithMetadata("session_id", sessionID))
		}
	}

	if c.publisher != nil {
		event := events.Event{Type: events.TypeSessionEnded, SessionID: sessionID, OccurredAt: c.now()}
		if err := c.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
			c.logger.Warn("发布会话结束事件失败", "session_id", sessionID, "error", err)
		}
	}
	c.audit.Info("session ended", "session_id", sessionID)
	return nil
}

// History 返回已保存的会话。
func (c *Coordinator) History(ctx context.Context, sessionID string) (*model.Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "会话标识不能为空")
	}
	sess, err := c.store.Load(ctx, sessionID)
	switch {
	case err == nil:
		return sess, nil
	case errors.Is(err, session.ErrNotFound):
		return nil, xerrors.New(xerrors.CodeNotFound, "会话不存在", xerrors.WithMetadata("session_id", sessionID))
	case ctx.Err() != nil:
		return nil, canceled(ctx.Err(), sessionID)
	default:
		return nil, xerrors.Wrap(xerrors.CodePersistenceFailure, err, "加载会话失败", xerrors.WithMetadata("session_id", sessionID))
	}
}

func canceled(err error, sessionID string) error {
	var opts []xerrors.Option
	if sessionID != "" {
		opts = append(opts, xerrors.WithMetadata("session_id", sessionID))
	}
	return xerrors.Wrap(xerrors.CodeCanceled, err, "请求已取消", opts...)
}

func replyOf(st *turnState) *Reply {
	turn := st.turn
	reply := &Reply{
		SessionID:     turn.SessionID,
		TurnID:        turn.TurnID,
		Intent:        turn.Intent,
		ResolvedQuery: turn.ResolvedQueryText,
		Entities:      model.CloneEntities(turn.Entities),
		Evidence:      model.CloneEvidence(turn.Evidence),
		Answer:        turn.Answer(),
		Citations:     append([]string(nil), turn.Citations...),
		Markers:       append([]model.Marker(nil), turn.Markers...),
		Generated:     st.generated,
		Failed:        turn.Failed(),
		Timestamp:     turn.Timestamp,
	}
	if turn.Failure != nil {
		failure := *turn.Failure
		reply.Failure = &failure
		reply.Answer = FailureAnswer
	}
	return reply
}

func eventOf(turn model.Turn) events.Event {
	event := events.Event{
		Type:          events.TypeTurnCompleted,
		SessionID:     turn.SessionID,
		UserID:        turn.UserID,
		TurnID:        turn.TurnID,
		Intent:        string(turn.Intent),
		EvidenceCount: len(turn.Evidence),
		Markers:       markerCodes(turn.Markers),
		OccurredAt:    turn.Timestamp,
	}
	if turn.Failure != nil {
		event.Type = events.TypeTurnFailed
		event.FailureCode = turn.Failure.Code
	}
	return event
}

func markerCodes(markers []model.Marker) []string {
	if len(markers) == 0 {
		return nil
	}
	codes := make([]string, 0, len(markers))
	for _, m := range markers {
		codes = append(codes, m.Code)
	}
	return codes
}
