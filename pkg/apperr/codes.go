package apperr

// 对外暴露的稳定错误码，客户端依赖这些数字，不要修改已有取值
const (
	CodeSuccess                = 0
	CodeInvalidArgument        = 400
	CodeNotFound               = 404
	CodeConflict               = 409
	CodeInternal               = 500
	CodeInsufficientFunds      = 1001
	CodeInsufficientLiquidity  = 1002
	CodeInsufficientAllowance  = 1003
	CodeInvalidStateTransition = 1004
	CodePrecisionLoss          = 1005
	CodeRPCUnavailable         = 2001
	CodeContractCall           = 2002
	CodeBlockchain             = 2003
	CodeTransactionPending     = 2100
)

var kindCodes = map[Kind]int{
	KindInvalidArgument:        CodeInvalidArgument,
	KindNotFound:               CodeNotFound,
	KindConflict:               CodeConflict,
	KindInternal:               CodeInternal,
	KindInsufficientFunds:      CodeInsufficientFunds,
	KindInsufficientLiquidity:  CodeInsufficientLiquidity,
	KindInsufficientAllowance:  CodeInsufficientAllowance,
	KindInvalidStateTransition: CodeInvalidStateTransition,
	KindPrecisionLoss:          CodePrecisionLoss,
	KindRPCUnavailable:         CodeRPCUnavailable,
	KindContractCall:           CodeContractCall,
	KindBlockchain:             CodeBlockchain,
	KindTransactionFailed:      CodeTransactionPending,
}

// Code 错误对应的稳定错误码
func Code(err error) int {
	if err == nil {
		return CodeSuccess
	}
	if code, ok := kindCodes[KindOf(err)]; ok {
		return code
	}
	return CodeInternal
}
