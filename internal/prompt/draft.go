package prompt

import (
	"strings"

	"FinAssist/internal/model"
)

const (
	greeting        = "您好！我是您的金融助手，可以为您查询个股与指数的实时行情、对比多只股票，也可以解答金融知识问题。"
	noEvidence      = "抱歉，暂未在知识库中找到与该问题相关的资料，也没有获取到相关的实时数据。"
	noKnowledge     = "知识库中暂未找到相关资料。"
	draftSnippetMax = 120
)

// Draft 在未配置或无法使用生成后端时，基于证据生成模板化回答。
func Draft(intent model.Intent, query string, evidence []model.EvidenceItem, citations map[string]string) string {
	if intent == model.IntentChitChat {
		return greeting
	}
	if len(evidence) == 0 {
		return noEvidence
	}

	labels := Labels(evidence)
	var (
		toolLines      []string
		knowledgeLines []string
	)
	for i, item := range evidence {
		if item.IsKnowledge() {
			line := "• "
			if item.Title != "" {
				line += item.Title + "："
			}
			knowledgeLines = append(knowledgeLines, line+clip(strings.TrimSpace(item.Content), draftSnippetMax)+" "+labels[i])
			continue
		}
		toolLines = append(toolLines, "• "+strings.TrimSpace(item.Content)+" "+labels[i])
	}

	var b strings.Builder
	b.WriteString("关于「")
	b.WriteString(strings.TrimSpace(query))
	b.WriteString("」，根据现有资料整理如下：\n")
	if len(toolLines) > 0 {
		b.WriteString("\n实时行情：\n")
		b.WriteString(strings.Join(toolLines, "\n"))
		b.WriteString("\n")
	}
	if len(knowledgeLines) > 0 {
		b.WriteString("\n相关知识：\n")
		b.WriteString(strings.Join(knowledgeLines, "\n"))
		b.WriteString("\n")
	} else if intent == model.IntentKnowledgeLookup || intent == model.IntentMixed || intent == model.IntentUnknown {
		b.WriteString("\n")
		b.WriteString(noKnowledge)
		b.WriteString("\n")
	}
	if intent.NeedsLiveData() {
		b.WriteString("\n以上行情数据仅供参考，不构成投资建议。")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Annotate 在回答末尾追加来源脚注："📚 参考资料" 对应知识库，"📊 实时数据" 对应工具数据。
func Annotate(answer string, evidence []model.EvidenceItem, citations map[string]string) string {
	var footers []string

	hasKnowledge := false
	for _, item := range evidence {
		if item.IsKnowledge() {
			hasKnowledge = true
			break
		}
	}
	if hasKnowledge {
		if list := CitationList(citations); len(list) > 0 {
			footers = append(footers, "📚 参考资料: "+strings.Join(list, ", "))
		} else {
			footers = append(footers, "📚 知识库参考")
		}
	}

	var sources []string
	seen := make(map[string]bool)
	for _, item := range evidence {
		if !item.IsTool() {
			continue
		}
		src := item.Origin
		if src == "" {
			src = strings.TrimPrefix(item.SourceKind, "tool:")
		}
		if !seen[src] {
			seen[src] = true
			sources = append(sources, src)
		}
	}
	if len(sources) > 0 {
		footers = append(footers, "📊 实时数据: "+strings.Join(sources, ", "))
	}

	if len(footers) == 0 {
		return answer
	}
	return strings.TrimRight(answer, "\n") + "\n\n" + strings.Join(footers, "\n")
}
