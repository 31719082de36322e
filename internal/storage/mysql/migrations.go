package mysql

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"

	"FinAssist/deploy/migrations"
)

var embeddedMigrations fs.FS = migrations.Files

// schemaTable 记录每个已应用脚本的版本与内容摘要，脚本被改动后可以被发现。
const schemaTable = `CREATE TABLE IF NOT EXISTS finassist_schema (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        script VARCHAR(255) NOT NULL,
        checksum CHAR(64) NOT NULL,
        applied_at BIGINT NOT NULL
)`

const (
	selectAppliedSQL = `SELECT version, checksum FROM finassist_schema`
	recordAppliedSQL = `INSERT INTO finassist_schema (version, script, checksum, applied_at) VALUES (?, ?, ?, ?)`
)

// script 是一个待执行的迁移脚本。
type script struct {
	version    string
	file       string
	checksum   string
	statements []string
}

type migrator struct {
	db     *sql.DB
	source fs.FS
	now    func() time.Time
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	m := &migrator{db: db, source: embeddedMigrations, now: time.Now}
	return m.up(ctx)
}

// up 按版本顺序执行尚未应用的脚本；已应用脚本的摘要不一致时直接拒绝启动。
func (m *migrator) up(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, schemaTable); err != nil {
		return fmt.Errorf("创建 finassist_schema 表失败: %w", err)
	}

	scripts, err := readScripts(m.source)
	if err != nil {
		return err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}

	for _, s := range scripts {
		sum, done := applied[s.version]
		if done {
			if sum != s.checksum {
				return fmt.Errorf("迁移 %s 在应用后被修改 (记录 %s, 当前 %s)", s.file, short(sum), short(s.checksum))
			}
			continue
		}
		if err := m.apply(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (m *migrator) applied(ctx context.Context) (map[string]string, error) {
	rows, err := m.db.QueryContext(ctx, selectAppliedSQL)
	if err != nil {
		return nil, fmt.Errorf("查询已应用迁移失败: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("解析已应用迁移失败: %w", err)
		}
		out[version] = checksum
	}
	return out, rows.Err()
}

// apply 在单个事务内执行脚本并登记版本。
// MySQL 的 DDL 会隐式提交，事务只保证登记与最后一条语句同进退。
func (m *migrator) apply(ctx context.Context, s script) (err error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i, stmt := range s.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("执行迁移 %s 第 %d 条语句失败: %w", s.file, i+1, err)
		}
	}
	if _, err = tx.ExecContext(ctx, recordAppliedSQL, s.version, s.file, s.checksum, m.now().Unix()); err != nil {
		return fmt.Errorf("登记迁移 %s 失败: %w", s.file, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移 %s 失败: %w", s.file, err)
	}
	return nil
}

// readScripts 读取根目录下的 .sql 文件，按版本排序，拒绝重复版本。
func readScripts(source fs.FS) ([]script, error) {
	names, err := fs.Glob(source, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("列出迁移脚本失败: %w", err)
	}

	scripts := make([]script, 0, len(names))
	seen := make(map[string]string, len(names))
	for _, name := range names {
		raw, err := fs.ReadFile(source, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移脚本 %s 失败: %w", name, err)
		}
		statements := splitStatements(string(raw))
		if len(statements) == 0 {
			continue
		}
		version := versionOf(name)
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("迁移版本 %s 重复: %s 与 %s", version, prev, name)
		}
		seen[version] = name

		digest := sha256.Sum256(raw)
		scripts = append(scripts, script{
			version:    version,
			file:       name,
			checksum:   hex.EncodeToString(digest[:]),
			statements: statements,
		})
	}

	slices.SortFunc(scripts, func(a, b script) int { return strings.Compare(a.version, b.version) })
	return scripts, nil
}

// splitStatements 去掉整行 "--" 注释后按分号切分。
// 脚本里不允许在字符串字面量中出现分号。
func splitStatements(content string) []string {
	var body strings.Builder
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}

	var out []string
	for _, part := range strings.Split(body.String(), ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// versionOf 取文件名中第一个下划线前的部分，例如 0002_create_conversation_turns.sql -> 0002。
func versionOf(name string) string {
	base := strings.TrimSuffix(path.Base(name), path.Ext(name))
	if head, _, ok := strings.Cut(base, "_"); ok && head != "" {
		return head
	}
	return base
}

func short(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
