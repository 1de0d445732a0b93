package chain

import (
	"errors"
	"fmt"

	"vaultledger/pkg/apperr"

	"github.com/ethereum/go-ethereum/rpc"
)

// classify 区分节点返回的 JSON-RPC 错误与传输层错误
//
// 节点给出错误响应（revert、参数非法）说明请求已被处理，重试没有意义；
// 连接失败、超时等传输错误可以安全地重试读操作。
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return fmt.Errorf("%w: %s: %v", apperr.ErrContractCall, op, err)
	}
	return fmt.Errorf("%w: %s: %v", apperr.ErrRPCUnavailable, op, err)
}
