package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"FinAssist/internal/knowledge"
)

const (
	searchArticlesSQL = `SELECT id, title, content, source, url,
    MATCH(title, content) AGAINST (? IN NATURAL LANGUAGE MODE) AS score
    FROM financial_articles
    WHERE MATCH(title, content) AGAINST (? IN NATURAL LANGUAGE MODE)
    ORDER BY score DESC, id ASC LIMIT ?`

	upsertArticleSQL = `INSERT INTO financial_articles (title, content, source, url, publish_time)
    VALUES (?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE title = VALUES(title), content = VALUES(content), source = VALUES(source), publish_time = VALUES(publish_time)`
)

// ArticleRepository 基于 financial_articles 表的全文索引检索知识。
type ArticleRepository struct {
	db *sql.DB
}

// NewArticleRepository 使用已打开的连接池创建仓库。
func NewArticleRepository(db *sql.DB) *ArticleRepository {
	return &ArticleRepository{db: db}
}

// Search 执行全文检索，并以结果集中的最高分归一化相关度。
func (r *ArticleRepository) Search(ctx context.Context, query string, topK int) ([]knowledge.Passage, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if topK <= 0 {
		topK = 3
	}

	rows, err := r.db.QueryContext(ctx, searchArticlesSQL, query, query, topK)
	if err != nil {
		return nil, fmt.Errorf("检索知识库失败: %w", err)
	}
	defer rows.Close()

	var (
		passages []knowledge.Passage
		maxScore float64
	)
	for rows.Next() {
		var (
			id     int64
			p      knowledge.Passage
			source sql.NullString
		)
		if err := rows.Scan(&id, &p.Title, &p.Content, &source, &p.URL, &p.Score); err != nil {
			return nil, fmt.Errorf("解析知识条目失败: %w", err)
		}
		p.ID = strconv.FormatInt(id, 10)
		p.Source = source.String
		if p.Score > maxScore {
			maxScore = p.Score
		}
		passages = append(passages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历知识条目失败: %w", err)
	}

	for i := range passages {
		if maxScore > 0 {
			passages[i].Score /= maxScore
		} else {
			passages[i].Score = 0
		}
	}
	return passages, nil
}

// Import 在单个事务中按 URL 写入或更新文章，返回处理条数。
func (r *ArticleRepository) Import(ctx context.Context, articles []knowledge.Article) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("开启导入事务失败: %w", err)
	}

	count := 0
	for _, article := range articles {
		url := strings.TrimSpace(article.URL)
		if url == "" {
			url = "article:" + article.ID
		}
		var publish sql.NullTime
		if article.PublishTime != nil {
			publish = sql.NullTime{Time: *article.PublishTime, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, upsertArticleSQL, article.Title, article.Content, article.Source, url, publish); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("写入文章 %q 失败: %w", article.Title, err)
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("提交导入事务失败: %w", err)
	}
	return count, nil
}

var _ knowledge.Searcher = (*ArticleRepository)(nil)
