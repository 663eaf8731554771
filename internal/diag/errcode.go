package diag

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"clarifai/pkg/contract"
)

// Code 是最小错误分类代码。
// 仅用于日志/指标汇总，与退出码解耦。
type Code string

const (
	CodeUnknown     Code = "unknown"
	CodeInput       Code = "input"
	CodeUnavailable Code = "unavailable"
	CodeUnsupported Code = "unsupported"
	CodeCancel      Code = "cancel"
	CodeTimeout     Code = "timeout"
	CodeModel       Code = "model"
	CodeNetwork     Code = "network"
	CodeProtocol    Code = "protocol"
	CodeBudget      Code = "budget"
	CodeIO          Code = "io"
)

// Classify 将错误归为最小分类。
// 说明：仅依赖哨兵错误与标准库错误类型，不做字符串匹配。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	// 超时先于取消：请求超时以 ErrTimeout 为因，同时可能包裹 DeadlineExceeded
	if errors.Is(err, contract.ErrTimeout) {
		return CodeTimeout
	}
	if errors.Is(err, contract.ErrCanceled) || errors.Is(err, context.Canceled) {
		return CodeCancel
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	switch {
	case errors.Is(err, contract.ErrInvalidInput):
		return CodeInput
	case errors.Is(err, contract.ErrUnavailable):
		return CodeUnavailable
	case errors.Is(err, contract.ErrUnsupportedOptions):
		return CodeUnsupported
	case errors.Is(err, contract.ErrBudgetExceeded), errors.Is(err, contract.ErrRateLimited):
		return CodeBudget
	case errors.Is(err, contract.ErrResponseInvalid):
		return CodeProtocol
	}
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	// 网络（连接/超时/上游 5xx）
	var nerr net.Error
	if errors.As(err, &nerr) {
		return CodeNetwork
	}
	if errors.Is(err, contract.ErrModel) {
		return CodeModel
	}
	return CodeUnknown
}

// NowUTC 返回 RFC3339 UTC 时间字符串（用于结构化日志字段 ts）。
func NowUTC() string { return time.Now().UTC().Format(time.RFC3339) }
