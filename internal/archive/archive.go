// Package archive 定义已定稿回合的追加式归档。
package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"FinAssist/internal/model"
)

// Archive 追加写入回合并支持按会话回看。
type Archive interface {
	Archive(ctx context.Context, turn model.Turn) error
	ListBySession(ctx context.Context, sessionID string, limit int) ([]model.Turn, error)
}

// maxCachedTurns 限制文件归档在内存中保留的回合数。
const maxCachedTurns = 512

// FileArchive 以 JSON Lines 追加写入本地文件，适合单机部署与开发调试。
type FileArchive struct {
	mu       sync.RWMutex
	dataFile string
	turns    []model.Turn
}

// NewFileArchive 在数据目录下创建或打开 turns.log。
func NewFileArchive(dataDir string) (*FileArchive, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	a := &FileArchive{dataFile: filepath.Join(dataDir, "turns.log")}
	if err := a.loadFromDisk(); err != nil {
		return nil, err
	}
	return a, nil
}

// Archive 追加写入一个回合。
func (a *FileArchive) Archive(_ context.Context, turn model.Turn) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	file, err := os.OpenFile(a.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开归档文件失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("序列化回合失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入归档文件失败: %w", err)
	}

	a.turns = append([]model.Turn{turn.Clone()}, a.turns...)
	if len(a.turns) > maxCachedTurns {
		a.turns = a.turns[:maxCachedTurns]
	}
	return nil
}

// ListBySession 返回会话最近的回合，按时间倒序。
func (a *FileArchive) ListBySession(_ context.Context, sessionID string, limit int) ([]model.Turn, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []model.Turn
	for _, turn := range a.turns {
		if turn.SessionID != sessionID {
			continue
		}
		out = append(out, turn.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (a *FileArchive) loadFromDisk() error {
	file, err := os.OpenFile(a.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取归档文件失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var restored []model.Turn
	for scanner.Scan() {
		var turn model.Turn
		if err := json.Unmarshal(scanner.Bytes(), &turn); err != nil {
			continue
		}
		restored = append([]model.Turn{turn}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析归档文件失败: %w", err)
	}
	if len(restored) > maxCachedTurns {
		restored = restored[:maxCachedTurns]
	}
	a.turns = restored
	return nil
}

var _ Archive = (*FileArchive)(nil)
