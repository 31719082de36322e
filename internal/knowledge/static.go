package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Searcher 定义知识库检索的通用接口，返回按相关度降序排列的段落。
type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]Passage, error)
}

// Passage 是一段可供回答引用的知识。Score 归一化到 [0,1]。
type Passage struct {
	ID      string
	Title   string
	Content string
	Source  string
	URL     string
	Score   float64
}

// Ref 返回段落的来源引用，优先使用 URL。
func (p Passage) Ref() string {
	switch {
	case strings.TrimSpace(p.URL) != "":
		return p.URL
	case strings.TrimSpace(p.Source) != "":
		return p.Source
	case p.ID != "":
		return "article:" + p.ID
	default:
		return ""
	}
}

// Article 是静态知识库文件中的一条文章。
type Article struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Content     string     `json:"content"`
	Source      string     `json:"source"`
	URL         string     `json:"url"`
	Keywords    []string   `json:"keywords"`
	Tags        []string   `json:"tags"`
	PublishTime *time.Time `json:"publish_time,omitempty"`
}

// StaticSearcher 通过加载 JSON 文件提供本地知识检索能力，支持热加载。
type StaticSearcher struct {
	mu       sync.RWMutex
	articles []Article
}

// NewStaticSearcher 创建静态知识库实例。
func NewStaticSearcher(articles []Article) *StaticSearcher {
	return &StaticSearcher{articles: append([]Article(nil), articles...)}
}

// LoadStaticSearcher 从 JSON 文件加载知识条目。
func LoadStaticSearcher(path string) (*StaticSearcher, error) {
	articles, err := ReadArticles(path)
	if err != nil {
		return nil, err
	}
	return NewStaticSearcher(articles), nil
}

// Reload 重新读取知识库文件，失败时保留原有内容。
func (s *StaticSearcher) Reload(path string) error {
	articles, err := ReadArticles(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.articles = articles
	s.mu.Unlock()
	return nil
}

// Len 返回文章数量。
func (s *StaticSearcher) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.articles)
}

// ReadArticles 读取 JSON 格式的文章列表，缺失 ID 的条目按序号补齐。
func ReadArticles(path string) ([]Article, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("知识库文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析知识库路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}
	defer file.Close()

	var entries []Article
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析知识库文件失败: %w", err)
	}
	for i := range entries {
		if entries[i].ID == "" {
			entries[i].ID = fmt.Sprintf("%d", i+1)
		}
	}
	return entries, nil
}

// Search 按关键词命中与字符二元组重叠度为文章打分。
func (s *StaticSearcher) Search(ctx context.Context, query string, topK int) ([]Passage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, nil
	}
	if topK <= 0 {
		topK = 3
	}

	queryGrams := bigrams(query)

	s.mu.RLock()
	scored := make([]Passage, 0, len(s.articles))
	for _, article := range s.articles {
		score := scoreArticle(article, query, queryGrams)
		if score <= 0 {
			continue
		}
		scored = append(scored, Passage{
			ID:      article.ID,
			Title:   article.Title,
			Content: article.Content,
			Source:  article.Source,
			URL:     article.URL,
			Score:   score,
		})
	}
	s.mu.RUnlock()

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// scoreArticle 关键词与标签各占 0.3，标题二元组重叠占 0.2，正文重叠占 0.2。
func scoreArticle(article Article, query string, queryGrams map[string]struct{}) float64 {
	score := 0.0
	if matchesAny(article.Keywords, query) {
		score += 0.3
	}
	if matchesAny(article.Tags, query) {
		score += 0.3
	}
	score += 0.2 * overlap(queryGrams, bigrams(strings.ToLower(article.Title)))
	score += 0.2 * overlap(queryGrams, bigrams(strings.ToLower(article.Content)))
	return min(score, 1)
}

func matchesAny(terms []string, query string) bool {
	for _, term := range terms {
		normalized := strings.ToLower(strings.TrimSpace(term))
		if normalized == "" {
			continue
		}
		if strings.Contains(query, normalized) {
			return true
		}
	}
	return false
}

// bigrams 返回文本中由字母、数字或汉字组成的相邻字符对。
func bigrams(text string) map[string]struct{} {
	grams := make(map[string]struct{})
	var prev rune
	for _, r := range text {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			prev = 0
			continue
		}
		if prev != 0 {
			grams[string([]rune{prev, r})] = struct{}{}
		}
		prev = r
	}
	return grams
}

// overlap 返回查询二元组在目标中出现的比例。
func overlap(query, target map[string]struct{}) float64 {
	if len(query) == 0 || len(target) == 0 {
		return 0
	}
	hits := 0
	for gram := range query {
		if _, ok := target[gram]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

// Ensure StaticSearcher 实现 Searcher 接口。
var _ Searcher = (*StaticSearcher)(nil)
