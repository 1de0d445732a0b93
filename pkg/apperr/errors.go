package apperr

import (
	"errors"
)

// Kind 错误分类，取值集合是封闭的
type Kind string

const (
	KindRPCUnavailable         Kind = "RPC_UNAVAILABLE"
	KindContractCall           Kind = "CONTRACT_CALL_ERROR"
	KindInsufficientFunds      Kind = "INSUFFICIENT_FUNDS"
	KindInsufficientLiquidity  Kind = "INSUFFICIENT_LIQUIDITY"
	KindInsufficientAllowance  Kind = "INSUFFICIENT_ALLOWANCE"
	KindTransactionFailed      Kind = "TRANSACTION_FAILED"
	KindInvalidStateTransition Kind = "INVALID_STATE_TRANSITION"
	KindBlockchain             Kind = "BLOCKCHAIN_ERROR"
	KindPrecisionLoss          Kind = "PRECISION_LOSS"
	KindInvalidArgument        Kind = "INVALID_ARGUMENT"
	KindNotFound               Kind = "NOT_FOUND"
	KindConflict               Kind = "CONFLICT"
	KindInternal               Kind = "INTERNAL"
)

// Error 带分类的业务错误
//
// 调用方通过 fmt.Errorf("%w: ...", apperr.ErrXxx) 附加上下文，
// 再用 errors.Is / KindOf 判断类别。
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

var (
	ErrRPCUnavailable         = &Error{Kind: KindRPCUnavailable, Message: "区块链节点不可用"}
	ErrContractCall           = &Error{Kind: KindContractCall, Message: "合约调用失败"}
	ErrInsufficientFunds      = &Error{Kind: KindInsufficientFunds, Message: "余额不足"}
	ErrInsufficientLiquidity  = &Error{Kind: KindInsufficientLiquidity, Message: "金库流动性不足"}
	ErrInsufficientAllowance  = &Error{Kind: KindInsufficientAllowance, Message: "代币授权额度不足"}
	ErrTransactionFailed      = &Error{Kind: KindTransactionFailed, Message: "交易结果未确定"}
	ErrInvalidStateTransition = &Error{Kind: KindInvalidStateTransition, Message: "状态流转不合法"}
	ErrBlockchain             = &Error{Kind: KindBlockchain, Message: "区块链配置错误"}
	ErrPrecisionLoss          = &Error{Kind: KindPrecisionLoss, Message: "金额精度超出资产小数位"}
	ErrInvalidArgument        = &Error{Kind: KindInvalidArgument, Message: "参数错误"}
	ErrNotFound               = &Error{Kind: KindNotFound, Message: "记录不存在"}
	ErrConflict               = &Error{Kind: KindConflict, Message: "并发冲突，请重试"}
	ErrInternal               = &Error{Kind: KindInternal, Message: "服务器内部错误"}
)

// KindOf 返回错误链上第一个 *Error 的分类，没有则视为内部错误
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsIndeterminate 交易已广播但结果未知，调用方应轮询而不是认定失败
func IsIndeterminate(err error) bool {
	return KindOf(err) == KindTransactionFailed
}

// IsRetryable 只有传输层错误可以直接重试读操作
func IsRetryable(err error) bool {
	return KindOf(err) == KindRPCUnavailable
}

// IsPrecondition 前置条件失败，不会触碰账本和链
func IsPrecondition(err error) bool {
	switch KindOf(err) {
	case KindInsufficientFunds, KindInsufficientLiquidity, KindInsufficientAllowance,
		KindInvalidStateTransition, KindInvalidArgument, KindPrecisionLoss:
		return true
	}
	return false
}
