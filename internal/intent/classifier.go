package intent

import (
	"sort"
	"strings"
	"unicode"

	"FinAssist/internal/model"
)

// defaultThreshold 是意图被认为明确的最低得分。
const defaultThreshold = 0.3

// SessionContext 是分类时可参考的会话上下文。
type SessionContext struct {
	LastIntent model.Intent
	HasHistory bool
}

// ContextOf 从会话中提取分类上下文。
func ContextOf(session *model.Session) SessionContext {
	last, ok := session.LastTurn()
	if !ok {
		return SessionContext{}
	}
	return SessionContext{LastIntent: last.Intent, HasHistory: true}
}

// Result 是一次分类的输出。
type Result struct {
	Intent     model.Intent
	Entities   []model.Entity
	Confidence float64
	// Ambiguous 为 true 时意图已降级为 unknown。
	Ambiguous bool
	Scores    map[string]float64
}

// Classifier 基于词典与规则完成意图识别和实体抽取，结果确定且无副作用。
type Classifier struct {
	lexicon    *Lexicon
	categories []category
	pronouns   []pronounCue
	threshold  float64
}

// Option 定义可选配置。
type Option func(*Classifier)

// WithThreshold 设置意图明确的最低得分。
func WithThreshold(threshold float64) Option {
	return func(c *Classifier) {
		if threshold > 0 && threshold < 1 {
			c.threshold = threshold
		}
	}
}

// New 创建分类器，lexicon 为空时使用内置词典。
func New(lexicon *Lexicon, opts ...Option) *Classifier {
	if lexicon == nil {
		lexicon = DefaultLexicon()
	}
	c := &Classifier{
		lexicon:    lexicon,
		categories: defaultCategories(),
		pronouns:   defaultPronounCues(),
		threshold:  defaultThreshold,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Lexicon 返回分类器使用的词典。
func (c *Classifier) Lexicon() *Lexicon {
	return c.lexicon
}

// Classify 识别意图并抽取实体候选。任何输入都不会导致 panic，无法识别时返回 unknown。
func (c *Classifier) Classify(query string, sc SessionContext) Result {
	text := sanitize(query)
	if text == "" {
		return Result{Intent: model.IntentUnknown}
	}

	runes := []rune(text)
	entities, spans := c.extract(runes)
	entities = append(entities, scanPronouns(runes, c.pronouns, spans)...)
	sort.SliceStable(entities, func(i, j int) bool { return entities[i].Position < entities[j].Position })

	literals, pronouns, refs := 0, 0, 0
	for _, e := range entities {
		if e.IsPronoun() {
			pronouns++
			refs++
			if e.Plural {
				refs++
			}
			continue
		}
		literals++
		refs++
	}

	lowerText := strings.ToLower(text)
	lowerRunes := []rune(lowerText)
	scores := make(map[string]float64, len(c.categories))
	for _, cat := range c.categories {
		scores[cat.name] = cat.score(lowerRunes, lowerText, refs)
	}

	result := Result{Entities: entities, Scores: scores}
	live, know, cmp, chat := scores[catLive], scores[catKnowledge], scores[catComparison], scores[catChat]

	switch {
	case cmp > 0 && refs >= 2:
		result.Intent, result.Confidence = model.IntentComparison, cmp
	case live > 0 && know > 0:
		result.Intent, result.Confidence = model.IntentMixed, max(live, know)
	case live > 0 && (live >= c.threshold || refs > 0):
		result.Intent, result.Confidence = model.IntentLiveData, live
	case know > 0 && literals > 0:
		result.Intent, result.Confidence = model.IntentMixed, know
	case know >= c.threshold:
		result.Intent, result.Confidence = model.IntentKnowledgeLookup, know
	case literals > 0:
		result.Intent, result.Confidence = model.IntentLiveData, 0.5
	case pronouns > 0:
		result.Intent, result.Confidence = inheritIntent(sc, refs)
		result.Ambiguous = result.Intent == model.IntentUnknown
	case chat >= c.threshold:
		result.Intent, result.Confidence = model.IntentChitChat, chat
	default:
		result.Intent = model.IntentUnknown
		result.Ambiguous = live > 0 || know > 0 || chat > 0 || cmp > 0
	}
	return result
}

// inheritIntent 处理省略式追问（例如"它呢？"），沿用上一轮的数据类意图。
func inheritIntent(sc SessionContext, refs int) (model.Intent, float64) {
	switch sc.LastIntent {
	case model.IntentLiveData, model.IntentMixed, model.IntentKnowledgeLookup:
		return sc.LastIntent, 0.4
	case model.IntentComparison:
		if refs >= 2 {
			return model.IntentComparison, 0.4
		}
		return model.IntentLiveData, 0.4
	}
	return model.IntentUnknown, 0
}

// extract 抽取词典命中、六位 A 股代码与美股代码。
func (c *Classifier) extract(runes []rune) ([]model.Entity, []span) {
	spans := c.lexicon.scan(runes)
	spans = append(spans, c.scanCodes(runes, spans)...)
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	entities := make([]model.Entity, 0, len(spans))
	for _, s := range spans {
		confidence := 0.95
		if s.surface == s.term.Code {
			confidence = 0.9
		}
		e := model.NewEntity(s.term.Kind, s.surface, s.term.Code, confidence)
		e.Position = s.start
		entities = append(entities, e)
	}
	return entities, spans
}

func (c *Classifier) scanCodes(runes []rune, taken []span) []span {
	var found []span
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case r >= '0' && r <= '9':
			end := i
			for end < len(runes) && runes[end] >= '0' && runes[end] <= '9' {
				end++
			}
			code := string(runes[i:end])
			if end-i == 6 && aShareCodePattern.MatchString(code) && !overlaps(taken, i, end) {
				term, ok := c.lexicon.TermOf(code)
				if !ok {
					term = Term{Name: code, Code: code, Kind: model.KindInstrument}
				}
				found = append(found, span{start: i, end: end, term: term, surface: code})
			}
			i = end
		case r <= unicode.MaxASCII && unicode.IsUpper(r):
			end := i
			for end < len(runes) && runes[end] <= unicode.MaxASCII && unicode.IsUpper(runes[end]) {
				end++
			}
			ticker := string(runes[i:end])
			if n := end - i; n >= 2 && n <= 5 && wordBoundary(runes, i, end) && !overlaps(taken, i, end) {
				if term, ok := c.lexicon.TermOf(ticker + ".US"); ok {
					found = append(found, span{start: i, end: end, term: term, surface: ticker})
				}
			}
			i = end
		default:
			i++
		}
	}
	return found
}

// Reconcile 在指代消解后校正意图：比较查询至少需要两个同类已消解实体。
func Reconcile(in model.Intent, entities []model.Entity) model.Intent {
	if in != model.IntentComparison {
		return in
	}
	distinct := make(map[model.EntityKind]map[string]struct{})
	resolved := 0
	for _, e := range entities {
		if !e.Resolved() {
			continue
		}
		resolved++
		if distinct[e.Kind] == nil {
			distinct[e.Kind] = make(map[string]struct{})
		}
		distinct[e.Kind][e.ID()] = struct{}{}
		if len(distinct[e.Kind]) >= 2 {
			return model.IntentComparison
		}
	}
	if resolved > 0 {
		return model.IntentLiveData
	}
	return model.IntentUnknown
}
