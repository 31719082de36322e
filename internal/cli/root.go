// Package cli 实现 finassist 命令行工具：单次提问、交互式对话、会话与归档查看、知识库导入。
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"FinAssist/internal/auth"
	"FinAssist/internal/bootstrap"
	"FinAssist/internal/config"
	"FinAssist/internal/knowledge"
	"FinAssist/internal/storage/mysql"
	"FinAssist/pkg/logger"
	"FinAssist/sdk/go/finassist"
)

// options 是全局参数。
type options struct {
	configPath string
	server     string
	apiKey     string
	userID     string
	verbose    bool
	debug      bool
}

// NewRootCmd 创建根命令。
func NewRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "finassist",
		Short: "FinAssist - 金融问答助手命令行",
		Long: `FinAssist 结合实时行情与知识库回答金融问题。
默认在本地进程内运行，指定 --server 时改为调用已部署的 finassistd。`,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "配置文件路径（默认读取 FINASSIST_CONFIG 或 configs/finassist.yaml）")
	flags.StringVar(&opts.server, "server", "", "远程 API 地址，例如 http://localhost:8080")
	flags.StringVar(&opts.apiKey, "api-key", os.Getenv("FINASSIST_API_KEY"), "远程 API 的访问密钥")
	flags.StringVar(&opts.userID, "user", "cli", "用户标识")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "输出会话、意图与引用信息")
	flags.BoolVar(&opts.debug, "debug", false, "输出调试日志")

	rootCmd.AddCommand(newAskCmd(opts))
	rootCmd.AddCommand(newChatCmd(opts))
	rootCmd.AddCommand(newSessionCmd(opts))
	rootCmd.AddCommand(newArchiveCmd(opts))
	rootCmd.AddCommand(newKnowledgeCmd(opts))
	rootCmd.AddCommand(newConfigCmd(opts))
	return rootCmd
}

func newAskCmd(opts *options) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "ask QUERY",
		Short: "提问一次并输出回答",
		Example: `  finassist ask "贵州茅台的股价是多少？"
  finassist ask --session s1 "那五粮液呢？"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := opts.backend(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()

			reply, err := b.Chat(cmd.Context(), opts.userID, sessionID, strings.Join(args, " "))
			if err != nil {
				return err
			}
			newPrinter(cmd.OutOrStdout()).reply(reply, opts.verbose)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "会话标识，留空时新建会话")
	return cmd
}

func newChatCmd(opts *options) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "进入交互式对话，输入 /help 查看指令",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := opts.backend(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()
			return runChat(cmd, b, opts, sessionID)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "继续已有会话")
	return cmd
}

const chatHelp = `/history  查看当前会话
/end      结束当前会话并开启新会话
/exit     退出`

func runChat(cmd *cobra.Command, b backend, opts *options, sessionID string) error {
	ctx := cmd.Context()
	out := newPrinter(cmd.OutOrStdout())
	scanner := bufio.NewScanner(cmd.InOrStdin())
	out.info("FinAssist 已就绪，输入问题开始对话（/help 查看指令）")

	for {
		fmt.Fprint(cmd.OutOrStdout(), "> ")
		if !scanner.Scan() {
			fmt.Fprintln(cmd.OutOrStdout())
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/help":
			fmt.Fprintln(cmd.OutOrStdout(), chatHelp)
			continue
		case "/history":
			if sessionID == "" {
				out.info("当前还没有会话")
				continue
			}
			sess, err := b.History(ctx, sessionID)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "查询会话失败:", err)
				continue
			}
			out.session(sess)
			continue
		case "/end":
			if sessionID != "" {
				if err := b.End(ctx, sessionID); err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "结束会话失败:", err)
				}
				out.info("会话 %s 已结束", sessionID)
			}
			sessionID = ""
			continue
		}

		reply, err := b.Chat(ctx, opts.userID, sessionID, line)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "请求失败:", err)
			continue
		}
		sessionID = reply.SessionID
		out.reply(reply, opts.verbose)
	}
}

func newSessionCmd(opts *options) *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "查看或结束会话",
	}
	sessionCmd.AddCommand(&cobra.Command{
		Use:   "show SESSION_ID",
		Short: "查看会话历史",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := opts.backend(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()
			sess, err := b.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			newPrinter(cmd.OutOrStdout()).session(sess)
			return nil
		},
	})
	sessionCmd.AddCommand(&cobra.Command{
		Use:   "end SESSION_ID",
		Short: "结束会话并删除其上下文",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := opts.backend(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()
			if err := b.End(cmd.Context(), args[0]); err != nil {
				return err
			}
			newPrinter(cmd.OutOrStdout()).info("会话 %s 已结束", args[0])
			return nil
		},
	})
	return sessionCmd
}

func newArchiveCmd(opts *options) *cobra.Command {
	var limit int
	archiveCmd := &cobra.Command{
		Use:   "archive",
		Short: "查看已归档的回合",
	}
	listCmd := &cobra.Command{
		Use:   "list SESSION_ID",
		Short: "按时间倒序列出会话的归档回合",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			app, err := bootstrap.Build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer app.Close()
			if app.Archive == nil {
				return errors.New("未启用回合归档（archive.driver=none）")
			}

			turns, err := app.Archive.ListBySession(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			var out []finassist.Turn
			if err := convert(turns, &out); err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout())
			p.info("会话 %s 共 %d 条归档回合", args[0], len(out))
			p.turns(out)
			return nil
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 20, "最多返回的回合数")
	archiveCmd.AddCommand(listCmd)
	return archiveCmd
}

func newKnowledgeCmd(opts *options) *cobra.Command {
	kbCmd := &cobra.Command{
		Use:     "kb",
		Aliases: []string{"knowledge"},
		Short:   "知识库管理",
	}
	kbCmd.AddCommand(&cobra.Command{
		Use:   "import FILE",
		Short: "将 JSON 知识条目导入 MySQL 知识库",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.MySQL.DSN == "" {
				return errors.New("导入知识库需要配置 mysql.dsn")
			}
			articles, err := knowledge.ReadArticles(args[0])
			if err != nil {
				return err
			}

			db, err := mysql.Open(cmd.Context(), mysql.Config{
				DSN:             cfg.MySQL.DSN,
				MaxOpenConns:    cfg.MySQL.MaxOpenConns,
				MaxIdleConns:    cfg.MySQL.MaxIdleConns,
				ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			})
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := mysql.NewArticleRepository(db).Import(cmd.Context(), articles)
			if err != nil {
				return err
			}
			newPrinter(cmd.OutOrStdout()).info("已导入 %d 条知识（文件共 %d 条）", n, len(articles))
			return nil
		},
	})
	return kbCmd
}

func newConfigCmd(opts *options) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "配置管理",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "输出合并默认值与环境变量后的配置，敏感字段已隐藏",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			raw, err := yaml.Marshal(redact(*cfg))
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(raw)
			return err
		},
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "校验配置",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := opts.loadConfig(); err != nil {
				return err
			}
			newPrinter(cmd.OutOrStdout()).info("配置有效")
			return nil
		},
	})
	return configCmd
}

// loadConfig 读取配置并初始化日志，日志默认写到标准错误以免干扰回答输出。
func (o *options) loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	path := o.configPath
	if path == "" {
		path = config.Locate()
	}
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) && o.configPath == "" && path == config.DefaultPath {
		cfg, err = config.Default(".")
	}
	if err != nil {
		return nil, err
	}

	logCfg := cfg.Logging
	if len(logCfg.OutputPaths) == 0 {
		logCfg.OutputPaths = []string{"stderr"}
	}
	logCfg.Level = "warn"
	if o.debug {
		logCfg.Level = "debug"
	}
	if err := logger.Init(logCfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (o *options) backend(ctx context.Context) (backend, error) {
	if o.server != "" {
		client, err := finassist.NewClient(o.server, finassist.WithUserID(o.userID), finassist.WithAPIKey(o.apiKey))
		if err != nil {
			return nil, err
		}
		return &remoteBackend{client: client}, nil
	}

	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	app, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &localBackend{app: app}, nil
}

const redacted = "******"

func redact(cfg config.Config) config.Config {
	for _, field := range []*string{
		&cfg.Redis.Password,
		&cfg.MySQL.DSN,
		&cfg.LLM.OpenAI.APIKey,
		&cfg.Events.RabbitMQ.URL,
		&cfg.Alerting.DingTalkWebhook,
		&cfg.Alerting.SlackWebhook,
	} {
		if *field != "" {
			*field = redacted
		}
	}
	keys := make([]auth.Key, len(cfg.Auth.Keys))
	for i, k := range cfg.Auth.Keys {
		if k.Key != "" {
			k.Key = redacted
		}
		keys[i] = k
	}
	cfg.Auth.Keys = keys
	return cfg
}
