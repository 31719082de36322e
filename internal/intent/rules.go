package intent

import (
	"regexp"
	"slices"
	"sort"
	"strings"
	"unicode/utf8"

	"FinAssist/internal/model"
)

// category 是一个意图类别的关键词与模式规则。
type category struct {
	name      string
	keywords  []string
	patterns  []*regexp.Regexp
	priority  float64
	dataBoost bool
}

const (
	catLive       = "live"
	catKnowledge  = "knowledge"
	catComparison = "comparison"
	catChat       = "chat"
)

func defaultCategories() []category {
	return []category{
		{
			name: catLive,
			keywords: []string{
				"股价", "价格", "报价", "现价", "行情", "涨跌", "涨幅", "跌幅", "市值", "成交量",
				"走势", "点位", "收盘", "开盘", "实时", "最新价", "price", "quote",
			},
			patterns: compile(
				`(股价|价格|报价|现价|市值|成交量|涨跌幅?)`,
				`(多少钱|是多少|几块|多少点|几点了?)`,
				`(今天|今日|现在|目前|最新|实时).{0,6}(行情|表现|走势|价格|股价|点位|涨|跌)`,
				`\b(price|quote|trading at)\b`,
			),
			priority:  0.9,
			dataBoost: true,
		},
		{
			name: catKnowledge,
			keywords: []string{
				"什么是", "是什么", "介绍", "解释", "含义", "定义", "为什么", "原理", "概念", "财报",
				"年报", "业绩", "研报", "主营", "政策", "如何理解", "怎么理解", "市盈率", "市净率",
				"what is", "explain", "why",
			},
			patterns: compile(
				`(什么是|何为|何谓).+`,
				`.+(是什么|是啥|什么意思)`,
				`(解释|介绍|讲讲|说说|科普)`,
				`(为什么|为何|原因)`,
				`\b(what is|explain|why)\b`,
			),
			priority: 0.9,
		},
		{
			name: catComparison,
			keywords: []string{
				"相比", "比较", "对比", "区别", "差异", "哪个好", "哪个更", "谁更", "vs", "versus", "compare",
			},
			patterns: compile(
				`(相比|比较|对比|比一比|pk)`,
				`\b(vs\.?|versus|compare)\b`,
				`(哪个|谁).{0,4}(更|好|强|高|低)`,
			),
			priority:  1.0,
			dataBoost: true,
		},
		{
			name: catChat,
			keywords: []string{
				"你好", "您好", "谢谢", "感谢", "再见", "拜拜", "你是谁", "早上好", "晚上好",
				"hello", "hi", "thanks", "bye",
			},
			patterns: compile(
				`^(你好|您好|嗨|早上好|晚上好|hi|hello|hey)`,
				`(谢谢|感谢|多谢|thanks|thank you)`,
				`(再见|拜拜|\bbye\b)`,
				`(你是谁|你能做什么|你会什么)`,
			),
			priority: 0.6,
		},
	}
}

func compile(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}

// score 计算类别得分：0.6·关键词 + 0.4·模式，乘以优先级，数据类意图按引用数加成。
func (c category) score(lowerRunes []rune, lowerText string, refs int) float64 {
	hits := 0
	for _, kw := range c.keywords {
		if containsCue(lowerRunes, kw) {
			hits++
		}
	}
	keywordScore := float64(min(hits, 2)) / 2

	patternScore := 0.0
	for _, p := range c.patterns {
		if p.MatchString(lowerText) {
			patternScore = 1
			break
		}
	}

	s := c.priority * (0.6*keywordScore + 0.4*patternScore)
	if s > 0 && c.dataBoost && refs > 0 {
		s += min(0.1*float64(refs), 0.3)
	}
	return min(s, 1)
}

// pronounCue 是一个指代提示词。
type pronounCue struct {
	text   string
	plural bool
	// heads 是紧随其后会被并入代词的指称名词，例如 "这只股票"。
	heads []string
	// blockedNext 中的词紧随其后时，该提示是限定词而非代词，例如 "这个月"。
	blockedNext []string
	// blockedPrev 中的字紧挨在前面时不视为代词，例如 "其它" 中的 "它"。
	blockedPrev []rune
}

// referenceHeads 是指示词后表示“这只证券”的名词。
var referenceHeads = []string{"股票", "公司", "基金", "指数", "个股"}

// determinerHeads 是指示词后常见的非证券名词，出现时指示词只是限定语。
var determinerHeads = []string{
	"月", "年", "周", "星期", "季度", "季", "时候", "时间", "阶段", "问题",
	"价格", "价位", "数据", "情况", "消息", "新闻", "行业", "板块", "市场",
	"概念", "指标", "方法", "意思", "词", "事", "点", "位置", "趋势", "策略",
}

func demonstrative(text string) pronounCue {
	return pronounCue{text: text, heads: referenceHeads, blockedNext: determinerHeads}
}

func defaultPronounCues() []pronounCue {
	cues := []pronounCue{
		{text: "它们", plural: true, blockedPrev: []rune{'其'}},
		{text: "这两个", plural: true},
		{text: "这两只", plural: true},
		{text: "两者", plural: true},
		{text: "二者", plural: true},
		{text: "them", plural: true},
		{text: "both", plural: true},
		{text: "these two", plural: true},
		{text: "those two", plural: true},
		{text: "the two", plural: true},
		{text: "它", blockedPrev: []rune{'其'}},
		{text: "其", blockedNext: []string{"他", "它", "实", "中", "余", "次"}, blockedPrev: []rune{'尤', '极'}},
		demonstrative("这个"),
		demonstrative("那个"),
		demonstrative("这只"),
		demonstrative("那只"),
		demonstrative("这支"),
		demonstrative("那支"),
		{text: "该股"},
		{text: "此股"},
		{text: "it"},
		{text: "this one"},
		{text: "that one"},
		{text: "that stock"},
		{text: "this stock"},
	}
	sort.SliceStable(cues, func(i, j int) bool {
		return utf8.RuneCountInString(cues[i].text) > utf8.RuneCountInString(cues[j].text)
	})
	return cues
}

// match 判断 runes[i:] 处是否为该代词，返回代词结束位置。
// 指示词后紧跟限定名词或已识别的实体时不算代词。
func (c pronounCue) match(runes []rune, i int, taken []span) (int, bool) {
	cueRunes := []rune(c.text)
	if !hasPrefixFold(runes[i:], cueRunes) {
		return 0, false
	}
	end := i + len(cueRunes)
	if isASCIIWord(cueRunes) && !wordBoundary(runes, i, end) {
		return 0, false
	}
	if i > 0 && slices.Contains(c.blockedPrev, runes[i-1]) {
		return 0, false
	}
	rest := string(runes[end:])
	for _, head := range c.heads {
		if strings.HasPrefix(rest, head) {
			return end + utf8.RuneCountInString(head), true
		}
	}
	for _, head := range c.blockedNext {
		if strings.HasPrefix(rest, head) {
			return 0, false
		}
	}
	if len(c.blockedNext) > 0 && startsSpan(taken, end) {
		return 0, false
	}
	return end, true
}

func startsSpan(taken []span, pos int) bool {
	for _, s := range taken {
		if s.start == pos {
			return true
		}
	}
	return false
}

// scanPronouns 在未被实体占用的位置查找代词提示。
func scanPronouns(runes []rune, cues []pronounCue, taken []span) []model.Entity {
	var out []model.Entity
	for i := 0; i < len(runes); {
		matched := false
		for _, cue := range cues {
			end, ok := cue.match(runes, i, taken)
			if !ok || overlaps(taken, i, end) {
				continue
			}
			out = append(out, model.Entity{
				Kind:        model.KindUnresolvedPronoun,
				SurfaceForm: string(runes[i:end]),
				Confidence:  0.5,
				Plural:      cue.plural,
				Position:    i,
			})
			i = end
			matched = true
			break
		}
		if !matched {
			i++
		}
	}
	return out
}
