// Package prompt 将意图、对话历史与多来源证据组装为有预算约束的提示词。
package prompt

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	xerrors "FinAssist/internal/errors"
	"FinAssist/internal/model"
)

const (
	DefaultMaxHistoryTurns  = 3
	DefaultMaxHistoryChars  = 1200
	DefaultMaxEvidenceRunes = 500
)

// Input 是组装提示词所需的全部材料。History 按时间顺序排列（最旧在前）。
type Input struct {
	Intent   model.Intent
	Query    string
	History  []model.Turn
	Evidence []model.EvidenceItem
}

// Result 是组装结果。
type Result struct {
	Prompt string
	// Citations 仅包含知识库证据：标记 → 来源引用。
	Citations    map[string]string
	Markers      []model.Marker
	Truncated    bool
	DroppedTurns int
}

// Assembler 按固定分节顺序生成提示词。
type Assembler struct {
	maxTurns         int
	maxChars         int
	maxEvidenceRunes int
	now              func() time.Time
}

// Option 定义可选配置。
type Option func(*Assembler)

// WithHistoryBudget 设置历史轮数与字符预算，先触达者生效。
func WithHistoryBudget(turns, chars int) Option {
	return func(a *Assembler) {
		if turns > 0 {
			a.maxTurns = turns
		}
		if chars > 0 {
			a.maxChars = chars
		}
	}
}

// WithMaxEvidenceRunes 设置单条证据的最大字符数。
func WithMaxEvidenceRunes(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.maxEvidenceRunes = n
		}
	}
}

// WithClock 替换时钟，便于测试。
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) {
		if now != nil {
			a.now = now
		}
	}
}

// New 创建提示词组装器。
func New(opts ...Option) *Assembler {
	a := &Assembler{
		maxTurns:         DefaultMaxHistoryTurns,
		maxChars:         DefaultMaxHistoryChars,
		maxEvidenceRunes: DefaultMaxEvidenceRunes,
		now:              time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Assemble 生成提示词。历史超出预算时从最旧的回合开始丢弃，并以标记而非错误的形式报告。
func (a *Assembler) Assemble(in Input) Result {
	history, dropped := a.selectHistory(in.History)
	labels := Labels(in.Evidence)

	var b strings.Builder
	b.WriteString(systemRole(in.Intent))
	b.WriteString("\n\n当前时间：")
	b.WriteString(a.now().Format("2006年01月02日 15:04:05"))
	b.WriteString("\n\n")

	b.WriteString(fmt.Sprintf("# 对话历史（最近 %d 轮，由近及远）\n", len(history)))
	if len(history) == 0 {
		b.WriteString("无历史对话\n")
	}
	for _, entry := range history {
		b.WriteString(entry)
		b.WriteString("\n")
	}

	b.WriteString("\n# 可用数据和分析上下文\n")
	citations := a.writeEvidence(&b, in.Evidence, labels)

	b.WriteString("\n# 当前用户问题\n用户：")
	b.WriteString(strings.TrimSpace(in.Query))
	b.WriteString("\n\n# 回答要求\n")
	b.WriteString(responseRequirements(in.Intent))
	b.WriteString("\n请开始回答：")

	res := Result{
		Prompt:       b.String(),
		Citations:    citations,
		Truncated:    dropped > 0,
		DroppedTurns: dropped,
	}
	if res.Truncated {
		res.Markers = append(res.Markers, model.Marker{
			Code:   string(xerrors.CodeAssemblyBudgetExceeded),
			Detail: fmt.Sprintf("dropped %d oldest turn(s)", dropped),
		})
	}
	return res
}

// selectHistory 由近及远选取回合，返回渲染后的文本与被丢弃的回合数。失败回合不进入历史。
func (a *Assembler) selectHistory(turns []model.Turn) ([]string, int) {
	eligible := make([]model.Turn, 0, len(turns))
	for _, t := range turns {
		if !t.Failed() {
			eligible = append(eligible, t)
		}
	}

	var (
		out  []string
		used int
	)
	for i := len(eligible) - 1; i >= 0; i-- {
		if len(out) >= a.maxTurns {
			break
		}
		entry := renderTurn(len(out)+1, eligible[i])
		size := utf8.RuneCountInString(entry)
		if used+size > a.maxChars {
			break
		}
		used += size
		out = append(out, entry)
	}
	return out, len(eligible) - len(out)
}

func renderTurn(n int, t model.Turn) string {
	query := t.ResolvedQueryText
	if query == "" {
		query = t.QueryText
	}
	return fmt.Sprintf("用户 %d：%s\n助手 %d：%s", n, strings.TrimSpace(query), n, strings.TrimSpace(t.Answer()))
}

// writeEvidence 按来源类型首次出现的顺序分组输出证据，返回知识库引用表。
func (a *Assembler) writeEvidence(b *strings.Builder, evidence []model.EvidenceItem, labels []string) map[string]string {
	citations := make(map[string]string)
	if len(evidence) == 0 {
		b.WriteString("当前无特定数据上下文\n")
		return citations
	}

	var order []string
	groups := make(map[string][]int)
	for i, item := range evidence {
		if _, ok := groups[item.SourceKind]; !ok {
			order = append(order, item.SourceKind)
		}
		groups[item.SourceKind] = append(groups[item.SourceKind], i)
	}

	for _, kind := range order {
		b.WriteString(groupTitle(kind))
		b.WriteString("\n")
		for _, idx := range groups[kind] {
			item := evidence[idx]
			label := labels[idx]
			b.WriteString(label)
			b.WriteString(" ")
			if item.Title != "" && item.IsKnowledge() {
				b.WriteString(item.Title)
				b.WriteString("：")
			}
			b.WriteString(clip(strings.TrimSpace(item.Content), a.maxEvidenceRunes))
			switch {
			case item.IsKnowledge() && item.Ref() != "":
				b.WriteString("（来源：")
				b.WriteString(item.Ref())
				b.WriteString("）")
				citations[strings.Trim(label, "[]")] = item.Ref()
			case item.IsTool() && item.Origin != "":
				b.WriteString("（数据：")
				b.WriteString(item.Origin)
				b.WriteString("）")
			}
			b.WriteString("\n")
		}
	}
	return citations
}

func groupTitle(kind string) string {
	switch {
	case kind == model.SourceKnowledge:
		return "【相关知识背景】"
	case strings.HasPrefix(kind, "tool:"):
		return "【实时市场数据 · " + strings.TrimPrefix(kind, "tool:") + "】"
	default:
		return "【" + kind + "】"
	}
}

// Labels 为每条证据分配稳定标记：知识库为 [K1]、[K2]…，工具为 [T1]、[T2]…。
// 编号顺序与提示词中的分组顺序一致。
func Labels(evidence []model.EvidenceItem) []string {
	var order []string
	seen := make(map[string]bool)
	for _, item := range evidence {
		if !seen[item.SourceKind] {
			seen[item.SourceKind] = true
			order = append(order, item.SourceKind)
		}
	}

	labels := make([]string, len(evidence))
	knowledge, tools := 0, 0
	for _, kind := range order {
		for i, item := range evidence {
			if item.SourceKind != kind {
				continue
			}
			if item.IsKnowledge() {
				knowledge++
				labels[i] = "[K" + strconv.Itoa(knowledge) + "]"
			} else {
				tools++
				labels[i] = "[T" + strconv.Itoa(tools) + "]"
			}
		}
	}
	return labels
}

// CitationList 将引用表按标记编号排序为 "[K1] 来源" 形式，用于持久化。
func CitationList(citations map[string]string) []string {
	if len(citations) == 0 {
		return nil
	}
	keys := make([]string, 0, len(citations))
	for k := range citations {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ni, _ := strconv.Atoi(strings.TrimLeft(keys[i], "KT"))
		nj, _ := strconv.Atoi(strings.TrimLeft(keys[j], "KT"))
		if ni != nj {
			return ni < nj
		}
		return keys[i] < keys[j]
	})
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, "["+k+"] "+citations[k])
	}
	return out
}

func clip(text string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit]) + "…"
}

func systemRole(intent model.Intent) string {
	switch intent {
	case model.IntentKnowledgeLookup:
		return "你是一名资深的金融知识讲解员，擅长用通俗的语言解释金融概念、政策与公司基本面。"
	case model.IntentLiveData:
		return "你是一名专业的证券市场分析师，擅长基于实时行情数据提供准确的市场解读。"
	case model.IntentComparison:
		return "你是一名股票研究专家，擅长对多只证券或指数的行情与基本面进行对比分析。"
	case model.IntentMixed:
		return "你是一名专业的金融助手，能够结合知识背景与实时行情给出综合分析。"
	case model.IntentChitChat:
		return "你是一名友好的金融助手，请简短、礼貌地回应用户。"
	default:
		return "你是一名专业的金融助手，能够准确回答各类金融相关问题，提供有价值的专业见解。"
	}
}

func responseRequirements(intent model.Intent) string {
	lines := []string{
		"1. 基于提供的知识和数据进行回答，确保准确性。",
		"2. 保持语言简洁明了，避免使用过于专业的术语。",
		"3. 如果没有足够信息回答，请明确说明。",
		"4. 引用资料时请标注对应编号，如 [K1]、[T1]。",
		"5. 对于时间相关的问题，请结合当前时间上下文进行回答。",
	}
	if intent == model.IntentComparison {
		lines = append(lines, "6. 请逐项对比各标的的价格、涨跌幅等关键指标。")
	}
	if intent.NeedsLiveData() {
		lines = append(lines, fmt.Sprintf("%d. 行情数据仅供参考，不构成投资建议。", len(lines)+1))
	}
	return strings.Join(lines, "\n")
}
