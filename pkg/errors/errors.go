// Package errors 定义带稳定错误码的业务错误
//
// 错误码在 Webhook 层映射为 HTTP 状态码, gRPC 码用于区分可重试错误.
// 状态机只返回错误值, 不负责打印.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"

	"google.golang.org/grpc/codes"
)

// Error 业务错误
type Error struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	HTTPStatus int               `json:"-"`
	GRPCCode   codes.Code        `json:"-"`
	Cause      error             `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
	Stack      string            `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 按错误码匹配
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetail 添加单个详情
func (e *Error) WithDetail(key, value string) *Error {
	newErr := e.Copy()
	if newErr.Details == nil {
		newErr.Details = make(map[string]string, 1)
	}
	newErr.Details[key] = value
	return newErr
}

// WithMessagef 格式化替换错误消息
func (e *Error) WithMessagef(format string, args ...interface{}) *Error {
	newErr := e.Copy()
	newErr.Message = fmt.Sprintf(format, args...)
	return newErr
}

// Copy 复制错误
func (e *Error) Copy() *Error {
	newErr := &Error{
		Code:       e.Code,
		Message:    e.Message,
		HTTPStatus: e.HTTPStatus,
		GRPCCode:   e.GRPCCode,
		Cause:      e.Cause,
		Stack:      e.Stack,
	}
	if e.Details != nil {
		newErr.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			newErr.Details[k] = v
		}
	}
	return newErr
}

// NewWithStatus 创建带状态码的错误
func NewWithStatus(code, message string, httpStatus int, grpcCode codes.Code) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		GRPCCode:   grpcCode,
	}
}

// Wrap 包装底层错误
func Wrap(err *Error, cause error) *Error {
	newErr := err.Copy()
	newErr.Cause = cause
	newErr.Stack = getStack()
	return newErr
}

func getStack() string {
	var pcs [32]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var builder strings.Builder
	for {
		frame, more := frames.Next()
		builder.WriteString(fmt.Sprintf("%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line))
		if !more {
			break
		}
	}
	return builder.String()
}

// FromError 从标准错误转换, 非业务错误包装为内部错误
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr
	}
	return Wrap(ErrInternal, err)
}

// 通用错误码
var (
	ErrInternal       = NewWithStatus("INTERNAL_ERROR", "内部错误", http.StatusInternalServerError, codes.Internal)
	ErrInvalidRequest = NewWithStatus("INVALID_REQUEST", "请求参数无效", http.StatusBadRequest, codes.InvalidArgument)
	ErrUnauthorized   = NewWithStatus("UNAUTHORIZED", "无权执行该操作", http.StatusForbidden, codes.PermissionDenied)
	ErrNotFound       = NewWithStatus("NOT_FOUND", "资源不存在", http.StatusNotFound, codes.NotFound)
)

// 赌约 / 支付通道错误码
var (
	ErrBetNotFound            = NewWithStatus("BET_NOT_FOUND", "赌约不存在", http.StatusNotFound, codes.NotFound)
	ErrChannelNotFound        = NewWithStatus("CHANNEL_NOT_FOUND", "支付通道不存在", http.StatusNotFound, codes.NotFound)
	ErrInvalidStateTransition = NewWithStatus("INVALID_STATE_TRANSITION", "当前状态不允许该操作", http.StatusConflict, codes.FailedPrecondition)
	ErrDuplicateParticipant   = NewWithStatus("DUPLICATE_PARTICIPANT", "参与者已加入", http.StatusConflict, codes.AlreadyExists)
	ErrUnknownWinner          = NewWithStatus("UNKNOWN_WINNER", "获胜者不在参与者之中", http.StatusBadRequest, codes.InvalidArgument)
	ErrResolutionMismatch     = NewWithStatus("RESOLUTION_MISMATCH", "链上结算结果与本地不一致", http.StatusConflict, codes.FailedPrecondition)
	ErrInvalidAmount          = NewWithStatus("INVALID_AMOUNT", "金额无效", http.StatusBadRequest, codes.InvalidArgument)
	ErrStaleSequenceNumber    = NewWithStatus("STALE_SEQUENCE_NUMBER", "序列号过期", http.StatusConflict, codes.FailedPrecondition)
	ErrBalanceConservation    = NewWithStatus("BALANCE_CONSERVATION_VIOLATED", "通道余额不守恒", http.StatusBadRequest, codes.InvalidArgument)
	ErrInvalidSignature       = NewWithStatus("INVALID_SIGNATURE", "签名无效", http.StatusBadRequest, codes.InvalidArgument)
	ErrChallengeWindowExpired = NewWithStatus("CHALLENGE_WINDOW_EXPIRED", "挑战期已结束", http.StatusConflict, codes.FailedPrecondition)
	ErrChallengeWindowOpen    = NewWithStatus("CHALLENGE_WINDOW_OPEN", "挑战期尚未结束", http.StatusConflict, codes.FailedPrecondition)
	ErrDisputeUnresolved      = NewWithStatus("DISPUTE_UNRESOLVED", "存在未裁决的争议", http.StatusConflict, codes.FailedPrecondition)
	ErrChannelsDisabled       = NewWithStatus("CHANNELS_DISABLED", "支付通道功能未开启", http.StatusForbidden, codes.FailedPrecondition)
	ErrInvalidEvent           = NewWithStatus("INVALID_EVENT", "事件格式无效", http.StatusBadRequest, codes.InvalidArgument)
)

// 可重试错误码
var (
	ErrChainGatewayFailure    = NewWithStatus("CHAIN_GATEWAY_FAILURE", "链网关调用失败", http.StatusServiceUnavailable, codes.Unavailable)
	ErrUnknownSubject         = NewWithStatus("UNKNOWN_SUBJECT", "事件对应的赌约或通道尚不存在", http.StatusServiceUnavailable, codes.Unavailable)
	ErrConcurrentModification = NewWithStatus("CONCURRENT_MODIFICATION", "记录已被并发修改", http.StatusConflict, codes.Aborted)
)

// ToHTTPStatus 获取 HTTP 状态码
func ToHTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var bizErr *Error
	if errors.As(err, &bizErr) && bizErr.HTTPStatus != 0 {
		return bizErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Is 判断错误类型
func Is(err error, target *Error) bool {
	if err == nil || target == nil {
		return false
	}
	return errors.Is(err, target)
}

// GetCode 获取错误码
func GetCode(err error) string {
	if err == nil {
		return ""
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr.Code
	}
	return "UNKNOWN"
}

// IsNotFound 判断是否为未找到错误
func IsNotFound(err error) bool {
	return Is(err, ErrNotFound) || Is(err, ErrBetNotFound) || Is(err, ErrChannelNotFound)
}

// IsRetryable 判断错误是否可重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		switch bizErr.GRPCCode {
		case codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.DeadlineExceeded:
			return true
		}
	}
	return false
}
