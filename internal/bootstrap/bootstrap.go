// Package bootstrap 根据配置装配协调器及其依赖的存储、行情、知识库、生成后端与可观测性组件。
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"FinAssist/internal/agent"
	"FinAssist/internal/archive"
	"FinAssist/internal/capability"
	"FinAssist/internal/capability/knowledgebase"
	"FinAssist/internal/capability/quotetool"
	"FinAssist/internal/config"
	xerrors "FinAssist/internal/errors"
	"FinAssist/internal/events"
	"FinAssist/internal/evidence"
	"FinAssist/internal/intent"
	"FinAssist/internal/knowledge"
	"FinAssist/internal/llm"
	"FinAssist/internal/llm/ollama"
	"FinAssist/internal/llm/openai"
	"FinAssist/internal/llm/pythonbridge"
	"FinAssist/internal/marketdata"
	"FinAssist/internal/observability/alerting"
	"FinAssist/internal/observability/metrics"
	"FinAssist/internal/prompt"
	"FinAssist/internal/session"
	"FinAssist/internal/storage/mysql"
	"FinAssist/internal/storage/redis"
	"FinAssist/pkg/filewatch"
	"FinAssist/pkg/logger"
)

// App 持有装配完成的组件，Close 按相反顺序释放资源。
type App struct {
	Config      *config.Config
	Coordinator *agent.Coordinator
	Metrics     *metrics.Metrics
	Registry    *capability.Registry
	Lexicon     *intent.Lexicon
	// Archive 为 nil 表示未启用归档。
	Archive archive.Archive
	// Articles 仅在知识库使用 MySQL 时非空。
	Articles *mysql.ArticleRepository

	logger  *slog.Logger
	closers []io.Closer
}

// closerFunc 允许普通函数实现 io.Closer。
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func (a *App) onClose(c io.Closer) {
	a.closers = append(a.closers, c)
}

// Close 释放全部连接与文件监听。
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Build 按配置创建 App。出错时已创建的资源会被释放。
func Build(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	if cfg == nil {
		return nil, errors.New("配置不能为空")
	}
	app := &App{Config: cfg, Metrics: metrics.New(), logger: logger.Named("bootstrap")}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	// 加载股票名称映射。
	app.Lexicon, err = app.buildLexicon(ctx)
	if err != nil {
		return nil, err
	}

	// 按需建立 Redis 与 MySQL 连接，多个组件共用。
	var (
		rdb *goredis.Client
		db  *sql.DB
	)
	if cfg.UsesRedis() {
		rdb, err = redis.NewClient(ctx, redis.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		app.onClose(rdb)
	}
	if cfg.UsesMySQL() {
		db, err = mysql.Open(ctx, mysql.Config{
			DSN:             cfg.MySQL.DSN,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		app.onClose(db)
		app.Metrics.Registry().MustRegister(collectors.NewDBStatsCollector(db, "finassist"))
	}

	// 注册能力。
	searcher, err := app.buildSearcher(ctx, db)
	if err != nil {
		return nil, err
	}
	fetcher, err := buildFetcher(cfg.Market)
	if err != nil {
		return nil, err
	}
	app.Registry = capability.NewRegistry()
	providers := []struct {
		name     string
		provider capability.Provider
	}{
		{capability.KnowledgeBase, knowledgebase.New(searcher,
			knowledgebase.WithTopK(cfg.Knowledge.TopK),
			knowledgebase.WithMinRelevance(cfg.Knowledge.MinRelevance))},
		{capability.PriceTool, quotetool.NewPriceTool(fetcher)},
		{capability.IndexTool, quotetool.NewIndexTool(fetcher)},
	}
	for _, p := range providers {
		if err := app.Registry.Register(p.name, p.provider); err != nil {
			return nil, err
		}
	}

	generator, err := buildGenerator(cfg.LLM)
	if err != nil {
		return nil, err
	}

	opts := []agent.Option{
		agent.WithClassifier(intent.New(app.Lexicon, intent.WithThreshold(cfg.Classifier.Threshold))),
		agent.WithGatherer(evidence.New(app.Registry, evidence.WithTimeout(cfg.Gatherer.Timeout))),
		agent.WithAssembler(prompt.New(
			prompt.WithHistoryBudget(cfg.Prompt.HistoryTurns, cfg.Prompt.HistoryChars),
			prompt.WithMaxEvidenceRunes(cfg.Prompt.MaxEvidenceRunes),
		)),
		agent.WithGenerator(generator),
		agent.WithGenerateTimeout(cfg.LLM.Timeout),
		agent.WithSessionLimits(cfg.Session.MaxTurns, cfg.Session.MaxAge),
		agent.WithSessionTTL(cfg.Session.TTL),
		agent.WithMetrics(app.Metrics),
		agent.WithAlerts(buildAlerts(cfg.Alerting)),
	}

	// 会话存储与锁。
	if cfg.Session.Driver == "redis" {
		opts = append(opts,
			agent.WithStore(redis.NewSessionStore(rdb, cfg.Redis.Prefix)),
			agent.WithLocker(redis.NewLocker(rdb, cfg.Redis.Prefix, redis.WithLockTTL(cfg.Session.LockTTL))),
		)
	} else {
		opts = append(opts, agent.WithStore(session.NewMemoryStore()), agent.WithLocker(session.NewKeyedLocker()))
	}

	publisher, err := app.buildPublisher(rdb)
	if err != nil {
		return nil, err
	}
	if publisher != nil {
		opts = append(opts, agent.WithPublisher(publisher))
	}

	switch cfg.Archive.Driver {
	case "file":
		fa, err := archive.NewFileArchive(cfg.Runtime.DataDir)
		if err != nil {
			return nil, err
		}
		app.Archive = fa
	case "mysql":
		app.Archive = mysql.NewTurnArchive(db)
	}
	if app.Archive != nil {
		opts = append(opts, agent.WithArchive(app.Archive))
	}

	app.Coordinator = agent.New(app.Registry, opts...)
	app.logger.Info("组件装配完成",
		"session", cfg.Session.Driver,
		"knowledge", cfg.Knowledge.Driver,
		"market", cfg.Market.Driver,
		"llm", cfg.LLM.Provider,
		"events", cfg.Events.Driver,
		"archive", cfg.Archive.Driver,
	)
	return app, nil
}

// buildLexicon 在内置词典上叠加映射文件，文件不存在时仅使用内置词典。
func (a *App) buildLexicon(ctx context.Context) (*intent.Lexicon, error) {
	lex := intent.DefaultLexicon()
	path := a.Config.Classifier.MappingFile
	n, err := lex.LoadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		a.logger.Warn("股票映射文件不存在，仅使用内置词典", "path", path)
		return lex, nil
	case err != nil:
		return nil, fmt.Errorf("加载股票映射失败: %w", err)
	}
	a.logger.Info("股票映射已加载", "path", path, "terms", n)

	if a.Config.Classifier.Watch {
		if err := a.watch(ctx, path, func(p string) error {
			count, err := lex.Reload(p)
			if err == nil {
				a.logger.Info("股票映射已重新加载", "terms", count)
			}
			return err
		}); err != nil {
			return nil, err
		}
	}
	return lex, nil
}

func (a *App) buildSearcher(ctx context.Context, db *sql.DB) (knowledge.Searcher, error) {
	cfg := a.Config.Knowledge
	if cfg.Driver == "mysql" {
		a.Articles = mysql.NewArticleRepository(db)
		return a.Articles, nil
	}

	searcher, err := knowledge.LoadStaticSearcher(cfg.File)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		a.logger.Warn("知识库文件不存在，知识检索将返回空结果", "path", cfg.File)
		return knowledge.NewStaticSearcher(nil), nil
	case err != nil:
		return nil, err
	}
	if cfg.Watch {
		if err := a.watch(ctx, cfg.File, searcher.Reload); err != nil {
			return nil, err
		}
	}
	return searcher, nil
}

func (a *App) watch(ctx context.Context, path string, reload filewatch.ReloadFunc) error {
	w, err := filewatch.New(path, reload)
	if err != nil {
		return fmt.Errorf("创建文件监听失败: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		_ = w.Close()
		return fmt.Errorf("启动文件监听失败: %w", err)
	}
	a.onClose(w)
	return nil
}

func buildFetcher(cfg config.MarketConfig) (marketdata.Fetcher, error) {
	if cfg.Driver == "live" {
		live := marketdata.NewRouter(
			marketdata.NewSinaClient(marketdata.WithSinaBaseURL(cfg.SinaBaseURL), marketdata.WithSinaTimeout(cfg.Timeout)),
			marketdata.NewYahooClient(),
		)
		return marketdata.NewCachedFetcher(live, cfg.CacheTTL), nil
	}
	fetcher, err := marketdata.LoadStaticFetcher(cfg.Fixtures)
	if errors.Is(err, fs.ErrNotExist) {
		return marketdata.NewStaticFetcher(), nil
	}
	return fetcher, err
}

func buildGenerator(cfg config.LLMConfig) (llm.Client, error) {
	switch cfg.Provider {
	case "openai":
		return openai.NewClient(openai.Config{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.OpenAI.Model,
			Timeout: cfg.Timeout,
		})
	case "ollama":
		return ollama.NewClient(ollama.Config{
			BaseURL: cfg.Ollama.BaseURL,
			Model:   cfg.Ollama.Model,
			Timeout: cfg.Timeout,
		}), nil
	case "python_bridge":
		return pythonbridge.New(cfg.Python.ScriptPath,
			pythonbridge.WithInterpreter(cfg.Python.PythonExecutable),
			pythonbridge.WithWorkingDir(cfg.Python.WorkingDir),
		)
	default:
		return nil, nil
	}
}

func (a *App) buildPublisher(rdb *goredis.Client) (events.Publisher, error) {
	cfg := a.Config.Events
	var (
		publisher events.Publisher
		err       error
	)
	switch cfg.Driver {
	case "log":
		publisher = events.NewLogPublisher(logger.Named("events"))
	case "redis":
		publisher, err = events.NewRedisPublisher(rdb, cfg.Channel)
	case "rabbitmq":
		publisher, err = events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.onClose(closerFunc(publisher.Close))
	return publisher, nil
}

func buildAlerts(cfg config.AlertingConfig) alerting.Dispatcher {
	floor := xerrors.Severity(cfg.MinSeverity)
	router := alerting.NewRouter(alerting.WithSuppressWindow(cfg.SuppressWindow)).
		Add(&alerting.LogNotifier{Logger: logger.Audit()}, xerrors.SeverityInfo)
	if cfg.DingTalkWebhook != "" {
		router.Add(&alerting.DingTalkNotifier{Sender: alerting.NewDingTalkWebhook(cfg.DingTalkWebhook, cfg.Timeout)}, floor)
	}
	if cfg.SlackWebhook != "" {
		router.Add(&alerting.SlackNotifier{
			Sender:    alerting.NewSlackWebhook(cfg.SlackWebhook, cfg.Timeout),
			ChannelID: cfg.SlackChannel,
		}, floor)
	}
	return router
}
