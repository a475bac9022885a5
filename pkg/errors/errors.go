package errors

import (
	"errors"
	"fmt"
)

// Kind 错误类别
type Kind string

const (
	KindNotFound             Kind = "not_found"             // 服务器或任务不存在
	KindNotApproved          Kind = "not_approved"          // 审批未通过
	KindPrecheckFailed       Kind = "precheck_failed"       // 前置检查失败
	KindConnectivityFailed   Kind = "connectivity_failed"   // 连接失败
	KindAuthenticationFailed Kind = "authentication_failed" // 认证失败
	KindCommandFailed        Kind = "command_failed"        // 命令非零退出
	KindTimeout              Kind = "timeout"               // 命令或重启等待超时
	KindRebootIncomplete     Kind = "reboot_incomplete"     // 重启未在限时内完成(警告级)
	KindStoreUnavailable     Kind = "store_unavailable"     // 存储不可用
	KindInternal             Kind = "internal"              // 内部错误
)

// AppError 应用错误
type AppError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New 创建新错误
func New(kind Kind, message string) *AppError {
	return &AppError{
		Kind:    kind,
		Message: message,
	}
}

// Newf 创建带格式化消息的新错误
func Newf(kind Kind, format string, args ...interface{}) *AppError {
	return &AppError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap 包装错误
func Wrap(kind Kind, message string, err error) *AppError {
	return &AppError{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// KindOf 提取错误类别, 非AppError返回KindInternal
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind 判断错误是否属于指定类别
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// 预定义错误
var (
	ErrServerNotFound   = New(KindNotFound, "服务器不存在")
	ErrNotApproved      = New(KindNotApproved, "当季审批未通过, 不允许执行补丁")
	ErrStoreUnavailable = New(KindStoreUnavailable, "清单存储不可用")
)
