// Package filewatch 监听单个文件的变更并在内容稳定后触发回调，
// 用于词典与静态知识库的热加载。
package filewatch

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"FinAssist/pkg/logger"
)

const defaultDebounce = 200 * time.Millisecond

// ReloadFunc 在文件变更后被调用。
type ReloadFunc func(path string) error

// Watcher 监听目标文件所在目录，过滤出目标文件的写入、创建与重命名事件。
type Watcher struct {
	path     string
	reload   ReloadFunc
	debounce time.Duration
	logger   *slog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	started atomic.Bool
	once    sync.Once
}

// Option 定义可选配置。
type Option func(*Watcher)

// WithDebounce 设置合并连续事件的等待时间。
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// New 创建文件监听器，需调用 Start 开始监听。
func New(path string, reload ReloadFunc, opts ...Option) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("监听文件路径不能为空")
	}
	if reload == nil {
		return nil, errors.New("未配置重新加载回调")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:     abs,
		reload:   reload,
		debounce: defaultDebounce,
		logger:   logger.Named("filewatch"),
		watcher:  fw,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w, nil
}

// Start 开始监听，直到 ctx 结束或调用 Close。
// 监听目录而非文件本身，编辑器的"写临时文件再重命名"也能被捕获。
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("文件监听已启动")
	}
	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			if err := w.reload(w.path); err != nil {
				w.logger.Warn("重新加载文件失败", slog.String("path", w.path), slog.Any("error", err))
				continue
			}
			w.logger.Info("文件已重新加载", slog.String("path", w.path))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("文件监听出错", slog.Any("error", err))
		}
	}
}

// Close 停止监听并等待后台协程退出。
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		err = w.watcher.Close()
		if w.started.Load() {
			<-w.done
		}
	})
	return err
}
