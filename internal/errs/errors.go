package errs

import (
	"errors"
	"fmt"
)

// Kind 错误类别
type Kind string

const (
	KindInvalidInput          Kind = "invalid_input"           // 输入非法（空/超限/编码错误）
	KindTimeoutExceeded       Kind = "timeout_exceeded"        // 操作超出自身时间预算
	KindResourceLimitExceeded Kind = "resource_limit_exceeded" // 沙箱内存/CPU超限
	KindCapabilityDenied      Kind = "capability_denied"       // 沙箱策略拒绝能力
	KindRuleConflict          Kind = "rule_conflict"           // 规则ID重复
	KindNotFound              Kind = "not_found"               // 未知环境/快照ID
	KindInternal              Kind = "internal"                // 引擎内部错误
)

// Error 带类别的引擎错误，供调用方通过 errors.As 做类型判断
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New 创建指定类别的错误
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf 创建指定类别的格式化错误
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap 包装底层错误并附加类别
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf 提取错误类别；非引擎错误归为 Internal
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind 判断错误是否属于指定类别
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
