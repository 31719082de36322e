// Package auth 为 HTTP API 提供基于 API Key 的认证与按接口授权。
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	xerrors "FinAssist/internal/errors"
	"FinAssist/pkg/logger"
)

// HeaderAPIKey 是除 Authorization: Bearer 外可用的请求头。
const HeaderAPIKey = "X-API-Key"

// Service 校验请求携带的 API Key。
type Service struct {
	mode  Mode
	keys  map[[sha256.Size]byte]*Subject
	audit *slog.Logger
}

// Option 定义可选配置。
type Option func(*Service)

// WithAuditLogger 指定记录拒绝访问的审计日志。
func WithAuditLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.audit = l
		}
	}
}

// NewService 根据配置构造认证服务，禁用模式下所有请求直接放行。
func NewService(cfg Config, opts ...Option) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{
		mode:  mode,
		keys:  make(map[[sha256.Size]byte]*Subject, len(cfg.Keys)),
		audit: logger.Audit(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeAPIKey:
	default:
		return nil, fmt.Errorf("不支持的认证模式: %s", cfg.Mode)
	}

	var errs []error
	for i, key := range cfg.Keys {
		if key.Disabled {
			continue
		}
		digest, err := key.digest()
		if err != nil {
			errs = append(errs, fmt.Errorf("keys[%d] %s: %w", i, key.Name, err))
			continue
		}
		if strings.TrimSpace(key.UserID) == "" {
			errs = append(errs, fmt.Errorf("keys[%d] %s: 必须配置 user_id", i, key.Name))
			continue
		}
		if _, dup := svc.keys[digest]; dup {
			errs = append(errs, fmt.Errorf("keys[%d] %s: 与已有 key 重复", i, key.Name))
			continue
		}
		perms := key.Permissions
		if len(perms) == 0 {
			perms = []string{PermissionAll}
		}
		svc.keys[digest] = &Subject{
			UserID:      strings.TrimSpace(key.UserID),
			KeyName:     key.Name,
			Permissions: append([]string(nil), perms...),
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if len(svc.keys) == 0 {
		return nil, errors.New("api_key 模式至少需要一个可用的 key")
	}
	return svc, nil
}

func (k Key) digest() ([sha256.Size]byte, error) {
	var digest [sha256.Size]byte
	switch {
	case k.SHA256 != "":
		raw, err := hex.DecodeString(strings.TrimSpace(k.SHA256))
		if err != nil || len(raw) != sha256.Size {
			return digest, errors.New("sha256 必须是 64 位十六进制字符串")
		}
		copy(digest[:], raw)
		return digest, nil
	case k.Key != "":
		return sha256.Sum256([]byte(k.Key)), nil
	default:
		return digest, errors.New("必须配置 key 或 sha256")
	}
}

// Enabled 表示是否需要认证。
func (s *Service) Enabled() bool {
	return s != nil && s.mode != ModeDisabled
}

// Authenticate 从请求中读取 API Key 并返回对应的调用方。
func (s *Service) Authenticate(r *http.Request) (*Subject, error) {
	if !s.Enabled() {
		return nil, nil
	}
	key := bearerToken(r.Header.Get("Authorization"))
	if key == "" {
		key = strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	}
	if key == "" {
		s.deny(r, "missing_key")
		return nil, xerrors.New(xerrors.CodeUnauthenticated, "缺少 API Key")
	}
	subject, ok := s.keys[sha256.Sum256([]byte(key))]
	if !ok {
		s.deny(r, "invalid_key")
		return nil, xerrors.New(xerrors.CodeUnauthenticated, "API Key 无效")
	}
	return subject, nil
}

func (s *Service) deny(r *http.Request, reason string) {
	s.audit.Warn("access_denied",
		"reason", reason,
		"method", r.Method,
		"path", r.URL.Path,
		"remote", r.RemoteAddr,
	)
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// HashKey 返回 key 的 SHA256 十六进制摘要，用于生成配置。
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
