package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"FinAssist/internal/agent"
	"FinAssist/internal/auth"
	xerrors "FinAssist/internal/errors"
	"FinAssist/internal/model"
	"FinAssist/internal/observability/metrics"
	"FinAssist/pkg/logger"
)

// maxBodyBytes 限制请求体大小。
const maxBodyBytes = 64 << 10

// Service 是 API 依赖的对话能力，由 agent.Coordinator 实现。
type Service interface {
	Handle(ctx context.Context, req agent.Request) (*agent.Reply, error)
	History(ctx context.Context, sessionID string) (*model.Session, error)
	EndSession(ctx context.Context, sessionID string) error
}

// Authenticator 校验请求身份，由 auth.Service 实现。
type Authenticator interface {
	Enabled() bool
	Authenticate(r *http.Request) (*auth.Subject, error)
}

// Server 负责暴露 REST 接口，供外部发起对话与管理会话。
type Server struct {
	addr    string
	service Service
	auth    Authenticator
	metrics *metrics.Metrics
	logger  *slog.Logger

	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
	requestTimeout  time.Duration
}

// Option 定义可选配置。
type Option func(*Server)

// WithMetrics 启用 HTTP 指标并挂载 /metrics。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithAuth 为 /api/v1 下的接口启用认证。
func WithAuth(a Authenticator) Option {
	return func(s *Server) {
		s.auth = a
	}
}

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTimeouts 设置读写、优雅关闭与单次对话的超时时间，非正值保持默认。
func WithTimeouts(read, write, shutdown, request time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
		if request > 0 {
			s.requestTimeout = request
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, svc Service, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		service:         svc,
		logger:          logger.Named("api"),
		readTimeout:     15 * time.Second,
		writeTimeout:    60 * time.Second,
		shutdownTimeout: 5 * time.Second,
		requestTimeout:  45 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Router 返回注册了全部路由的处理器。
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/chat", s.guard(auth.PermissionChat, s.handleChat)).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/sessions/{id}", s.guard(auth.PermissionSessionsRead, s.handleGetSession)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/sessions/{id}", s.guard(auth.PermissionSessionsDelete, s.handleDeleteSession)).Methods(http.MethodDelete)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, string(xerrors.CodeNotFound), "路由不存在")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, string(xerrors.CodeInvalidArgument), "不支持的请求方法")
	})
	r.Use(s.instrument)
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	// 配置 HTTP 服务器。
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Router()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("API 服务关闭超时", "error", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// chatRequest 是 POST /api/v1/chat 的请求体。
type chatRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
}

// handleChat 处理一次对话请求。回合失败时仍返回 200，由 failed 字段标识。
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		writeError(w, http.StatusServiceUnavailable, string(xerrors.CodeInitializationFailure), "对话服务未初始化")
		return
	}

	// 解析请求体。
	var body chatRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "请求体解析失败")
		return
	}
	if body.UserID == "" {
		body.UserID = r.Header.Get("X-User-ID")
	}
	// 已认证时用户以 API Key 绑定的身份为准。
	if subject := auth.SubjectFromContext(r.Context()); subject != nil {
		if body.UserID != "" && body.UserID != subject.UserID {
			writeError(w, http.StatusForbidden, string(xerrors.CodePermissionDenied), "不能以其他用户身份发起对话")
			return
		}
		body.UserID = subject.UserID
	}

	// 调用协调器处理回合。
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()
	reply, err := s.service.Handle(ctx, agent.Request{
		UserID:    body.UserID,
		SessionID: body.SessionID,
		Query:     body.Query,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		writeError(w, http.StatusServiceUnavailable, string(xerrors.CodeInitializationFailure), "对话服务未初始化")
		return
	}
	sess, err := s.ownedSession(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		writeError(w, http.StatusServiceUnavailable, string(xerrors.CodeInitializationFailure), "对话服务未初始化")
		return
	}
	if auth.SubjectFromContext(r.Context()) != nil {
		if _, err := s.ownedSession(r); err != nil {
			s.writeServiceError(w, err)
			return
		}
	}
	if err := s.service.EndSession(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownedSession 读取会话，已认证的调用方只能看到自己的会话。
func (s *Server) ownedSession(r *http.Request) (*model.Session, error) {
	id := mux.Vars(r)["id"]
	sess, err := s.service.History(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if subject := auth.SubjectFromContext(r.Context()); subject != nil && sess.UserID != subject.UserID {
		return nil, xerrors.New(xerrors.CodeNotFound, "会话不存在", xerrors.WithMetadata("session_id", id))
	}
	return sess, nil
}

// guard 在启用认证时校验身份与权限。
func (s *Server) guard(permission string, next http.HandlerFunc) http.HandlerFunc {
	if s.auth == nil || !s.auth.Enabled() {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		subject, err := s.auth.Authenticate(r)
		if err == nil {
			err = subject.Authorize(permission)
		}
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		next(w, r.WithContext(auth.WithSubject(r.Context(), subject)))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeServiceError 将带错误码的错误映射为 HTTP 状态码。
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := statusOf(code)
	message := err.Error()
	if coded, ok := xerrors.From(err); ok {
		message = coded.Message()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败", "code", code, "error", err)
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="finassist"`)
	}
	writeError(w, status, string(code), message)
}

func statusOf(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeUnauthenticated:
		return http.StatusUnauthorized
	case xerrors.CodePermissionDenied:
		return http.StatusForbidden
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeCanceled:
		return http.StatusRequestTimeout
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodePersistenceFailure, xerrors.CodeBackendUnavailable, xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusRecorder 记录响应状态码，供指标使用。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 按路由模板记录请求次数与耗时。
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.ObserveHTTPRequest(route, r.Method, rec.status, time.Since(start))
		if !strings.HasPrefix(route, "/metrics") && !strings.HasPrefix(route, "/healthz") {
			s.logger.Debug("HTTP 请求", "method", r.Method, "route", route, "status", rec.status, "duration", time.Since(start))
		}
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, string(xerrors.CodeCanceled), "服务已关闭")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
