package auth

import (
	"fmt"
	"strings"

	xerrors "FinAssist/internal/errors"
)

// 接口权限。
const (
	PermissionChat           = "chat"
	PermissionSessionsRead   = "sessions:read"
	PermissionSessionsDelete = "sessions:delete"
	// PermissionAll 授予全部权限。
	PermissionAll = "*"
)

// Mode 枚举支持的认证方式。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeAPIKey   Mode = "api_key"
)

// Config 配置 API 认证。
type Config struct {
	Mode Mode  `yaml:"mode"`
	Keys []Key `yaml:"keys"`
}

// Key 描述一个 API Key。Key 与 SHA256 二选一，推荐只在配置中保存摘要。
type Key struct {
	Name        string   `yaml:"name"`
	UserID      string   `yaml:"user_id"`
	Key         string   `yaml:"key"`
	SHA256      string   `yaml:"sha256"`
	Permissions []string `yaml:"permissions"`
	Disabled    bool     `yaml:"disabled"`
}

// Subject 是通过认证的调用方，请求处理时从上下文读取。
type Subject struct {
	UserID      string
	KeyName     string
	Permissions []string
}

// HasPermission 判断调用方是否拥有指定权限。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	permission = strings.ToLower(strings.TrimSpace(permission))
	for _, p := range s.Permissions {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == PermissionAll || p == permission {
			return true
		}
	}
	return false
}

// Authorize 校验调用方拥有全部所需权限。
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return xerrors.New(xerrors.CodeUnauthenticated, "未认证的请求")
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.New(xerrors.CodePermissionDenied, fmt.Sprintf("缺少权限 %s", perm),
				xerrors.WithMetadata("key", s.KeyName))
		}
	}
	return nil
}
