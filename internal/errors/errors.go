// Package errors 定义对话流水线的错误码体系。
//
// 每个错误码在注册表中带有默认的严重程度、是否可重试以及是否需要告警；
// 单个错误实例可以覆盖严重程度与告警开关，并附带少量键值元数据。
package errors

import (
	stdErrors "errors"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
)

// Code 标识一类失败。
type Code string

// Severity 决定审计日志级别与告警路由。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// 流水线各阶段使用的错误码。
const (
	CodeUnknown                 Code = "UNKNOWN"
	CodeInvalidArgument         Code = "INVALID_ARGUMENT"
	CodeNotFound                Code = "NOT_FOUND"
	CodeCanceled                Code = "CANCELED"
	CodeTimeout                 Code = "TIMEOUT"
	CodeInitializationFailure   Code = "INITIALIZATION_FAILURE"
	CodeDuplicateCapability     Code = "DUPLICATE_CAPABILITY"
	CodeClassificationAmbiguous Code = "CLASSIFICATION_AMBIGUOUS"
	CodeResolutionFailure       Code = "RESOLUTION_FAILURE"
	CodeProviderFailure         Code = "PROVIDER_FAILURE"
	CodeAssemblyBudgetExceeded  Code = "ASSEMBLY_BUDGET_EXCEEDED"
	CodeBackendUnavailable      Code = "BACKEND_UNAVAILABLE"
	CodePersistenceFailure      Code = "PERSISTENCE_FAILURE"
	CodeStageFailure            Code = "STAGE_FAILURE"
	CodeUnauthenticated         Code = "UNAUTHENTICATED"
	CodePermissionDenied        Code = "PERMISSION_DENIED"
)

// Attributes 是错误码的默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

type codeTable struct {
	mu    sync.RWMutex
	attrs map[Code]Attributes
}

func (t *codeTable) get(code Code) Attributes {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if a, ok := t.attrs[code]; ok {
		return a
	}
	return t.attrs[CodeUnknown]
}

func (t *codeTable) set(code Code, a Attributes) {
	t.mu.Lock()
	t.attrs[code] = a
	t.mu.Unlock()
}

func info(msg string) Attributes { return Attributes{Message: msg, Severity: SeverityInfo} }

func warning(msg string, retryable bool) Attributes {
	return Attributes{Message: msg, Severity: SeverityWarning, Retryable: retryable}
}

var codes = &codeTable{attrs: map[Code]Attributes{
	CodeUnknown:                 {Message: "unknown error", Severity: SeverityCritical, Alert: true},
	CodePersistenceFailure:      {Message: "session could not be persisted", Severity: SeverityCritical, Retryable: true, Alert: true},
	CodeInitializationFailure:   {Message: "component not initialized", Severity: SeverityWarning, Alert: true},
	CodeTimeout:                 warning("operation timed out", true),
	CodeProviderFailure:         warning("capability provider failed", true),
	CodeBackendUnavailable:      warning("generation backend unavailable", true),
	CodeDuplicateCapability:     warning("capability already registered", false),
	CodeStageFailure:            warning("turn aborted", false),
	CodeInvalidArgument:         info("invalid argument"),
	CodeNotFound:                info("resource not found"),
	CodeCanceled:                info("request canceled"),
	CodeClassificationAmbiguous: info("query intent is ambiguous"),
	CodeResolutionFailure:       info("reference could not be resolved"),
	CodeAssemblyBudgetExceeded:  info("prompt budget exceeded, history truncated"),
	CodeUnauthenticated:         info("missing or invalid api key"),
	CodePermissionDenied:        info("permission denied"),
}}

// Register 在启动阶段登记或覆盖一个错误码的默认行为。
func Register(code Code, attr Attributes) { codes.set(code, attr) }

// AttributesOf 返回错误码的默认行为，未登记的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes { return codes.get(code) }

// Error 携带错误码的错误。nil 指针上的方法均可安全调用。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
	alert    *bool
	severity Severity
}

// Option 调整单个错误实例。
type Option func(*Error)

// WithMetadata 附加一个键值对，例如 session_id 或 capability。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = map[string]string{}
		}
		e.metadata[key] = value
	}
}

// WithAlert 覆盖错误码默认的告警开关。
func WithAlert(alert bool) Option {
	return func(e *Error) { e.alert = &alert }
}

// WithSeverity 覆盖错误码默认的严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) { e.severity = sev }
}

// New 创建错误；message 为空时使用注册表中的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	return build(code, nil, message, opts)
}

// Wrap 以 cause 为底层原因创建错误，errors.Is/As 可以穿透到 cause。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	return build(code, cause, message, opts)
}

func build(code Code, cause error, message string, opts []Option) *Error {
	e := &Error{code: code, message: message, cause: cause}
	if e.message == "" {
		e.message = AttributesOf(code).Message
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Error 的格式为 "[CODE] message" 或 "[CODE] message: cause"。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(string(e.code))
	b.WriteString("] ")
	b.WriteString(e.message)
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 让 errors.Is(err, New(code, "")) 按错误码匹配。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回元数据副本，没有元数据时为 nil。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

func (e *Error) ShouldAlert() bool {
	switch {
	case e == nil:
		return false
	case e.alert != nil:
		return *e.alert
	default:
		return AttributesOf(e.code).Alert
	}
}

func (e *Error) Severity() Severity {
	switch {
	case e == nil:
		return SeverityInfo
	case e.severity != "":
		return e.severity
	default:
		return AttributesOf(e.code).Severity
	}
}

// LogValue 让 slog 以分组字段输出错误码、描述、原因与元数据。
func (e *Error) LogValue() slog.Value {
	if e == nil {
		return slog.Value{}
	}
	attrs := []slog.Attr{
		slog.String("code", string(e.code)),
		slog.String("message", e.message),
	}
	if e.cause != nil {
		attrs = append(attrs, slog.String("cause", e.cause.Error()))
	}
	for _, k := range slices.Sorted(maps.Keys(e.metadata)) {
		attrs = append(attrs, slog.String(k, e.metadata[k]))
	}
	return slog.GroupValue(attrs...)
}

// From 返回错误链上第一个 *Error。
func From(err error) (*Error, bool) {
	var coded *Error
	if err != nil && stdErrors.As(err, &coded) {
		return coded, true
	}
	return nil, false
}

// CodeOf 返回错误链上的错误码，普通错误视为 UNKNOWN。
func CodeOf(err error) Code {
	coded, _ := From(err)
	return coded.Code()
}

// IsCode 判断错误链上的错误码是否为 code。
func IsCode(err error, code Code) bool { return CodeOf(err) == code }

// RetryableError 表示外部调用方可以重试，流水线自身不做重试。
func RetryableError(err error) bool {
	coded, ok := From(err)
	return ok && AttributesOf(coded.code).Retryable
}

// ShouldAlert 对 nil 与普通错误返回 false。
func ShouldAlert(err error) bool {
	coded, _ := From(err)
	return coded.ShouldAlert()
}

// SeverityOf 对普通错误返回 UNKNOWN 的严重程度。
func SeverityOf(err error) Severity {
	if coded, ok := From(err); ok {
		return coded.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}

var _ slog.LogValuer = (*Error)(nil)
