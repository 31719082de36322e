package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"FinAssist/internal/archive"
	"FinAssist/internal/model"
)

const (
	insertTurnSQL = `INSERT INTO conversation_turns
    (turn_id, session_id, user_id, query_text, resolved_query_text, intent, entities, evidence, answer_text, citations, markers, failure_code, failure_stage, failure_message, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	listTurnsSQL = `SELECT turn_id, session_id, user_id, query_text, resolved_query_text, intent, entities, evidence, answer_text, citations, markers, failure_code, failure_stage, failure_message, created_at
    FROM conversation_turns WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`
)

// TurnArchive 将定稿的回合追加写入 conversation_turns，用于审计与离线分析。
type TurnArchive struct {
	db *sql.DB
}

// NewTurnArchive 使用已打开的连接池创建归档。
func NewTurnArchive(db *sql.DB) *TurnArchive {
	return &TurnArchive{db: db}
}

// Archive 写入一个回合。重复写入同一回合视为成功。
func (a *TurnArchive) Archive(ctx context.Context, turn model.Turn) error {
	entities, err := marshalJSON(turn.Entities, "[]")
	if err != nil {
		return err
	}
	evidence, err := marshalJSON(turn.Evidence, "[]")
	if err != nil {
		return err
	}
	citations, err := marshalJSON(turn.Citations, "[]")
	if err != nil {
		return err
	}
	markers, err := marshalJSON(turn.Markers, "[]")
	if err != nil {
		return err
	}

	var (
		answer  sql.NullString
		code    string
		stage   string
		message sql.NullString
	)
	if turn.AnswerText != nil {
		answer = sql.NullString{String: *turn.AnswerText, Valid: true}
	}
	if turn.Failure != nil {
		code = turn.Failure.Code
		stage = turn.Failure.Stage
		message = sql.NullString{String: turn.Failure.Message, Valid: true}
	}

	_, err = a.db.ExecContext(ctx, insertTurnSQL,
		turn.TurnID,
		turn.SessionID,
		turn.UserID,
		turn.QueryText,
		turn.ResolvedQueryText,
		string(turn.Intent),
		entities,
		evidence,
		answer,
		citations,
		markers,
		code,
		stage,
		message,
		turn.Timestamp.UnixMilli(),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return nil
		}
		return fmt.Errorf("归档回合失败: %w", err)
	}
	return nil
}

// ListBySession 返回会话最近的归档回合，按时间倒序。
func (a *TurnArchive) ListBySession(ctx context.Context, sessionID string, limit int) ([]model.Turn, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := a.db.QueryContext(ctx, listTurnsSQL, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("查询归档回合失败: %w", err)
	}
	defer rows.Close()

	var turns []model.Turn
	for rows.Next() {
		var (
			turn                                   model.Turn
			intent                                 string
			entities, evidence, citations, markers []byte
			answer, message                        sql.NullString
			code, stage                            string
			createdAt                              int64
		)
		if err := rows.Scan(&turn.TurnID, &turn.SessionID, &turn.UserID, &turn.QueryText, &turn.ResolvedQueryText, &intent,
			&entities, &evidence, &answer, &citations, &markers, &code, &stage, &message, &createdAt); err != nil {
			return nil, fmt.Errorf("解析归档回合失败: %w", err)
		}
		turn.Intent = model.Intent(intent)
		if err := unmarshalJSON(entities, &turn.Entities); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(evidence, &turn.Evidence); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(citations, &turn.Citations); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(markers, &turn.Markers); err != nil {
			return nil, err
		}
		if answer.Valid {
			text := answer.String
			turn.AnswerText = &text
		}
		if code != "" {
			turn.Failure = &model.TurnFailure{Stage: stage, Code: code, Message: message.String}
		}
		turn.Timestamp = time.UnixMilli(createdAt).UTC()
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历归档回合失败: %w", err)
	}
	return turns, nil
}

func marshalJSON(v any, empty string) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("序列化归档字段失败: %w", err)
	}
	if string(raw) == "null" {
		return empty, nil
	}
	return string(raw), nil
}

func unmarshalJSON(raw []byte, dest any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("解析归档字段失败: %w", err)
	}
	return nil
}

var _ archive.Archive = (*TurnArchive)(nil)
