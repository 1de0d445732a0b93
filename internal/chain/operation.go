package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Operation 一次待签名的合约调用
type Operation struct {
	Contract common.Address
	ABI      *abi.ABI
	Method   string
	Args     []interface{}
	From     common.Address
	Value    *big.Int
	// GasLimit 估算失败时使用，0 表示使用全局默认值
	GasLimit uint64
}

func DepositOp(vault, from common.Address, assets *big.Int) Operation {
	return Operation{Contract: vault, ABI: VaultABI, Method: "deposit", Args: []interface{}{assets, from}, From: from}
}

func InstantWithdrawOp(vault, from common.Address, amount *big.Int) Operation {
	return Operation{Contract: vault, ABI: VaultABI, Method: "instantWithdraw", Args: []interface{}{amount}, From: from}
}

func RequestWithdrawalOp(vault, from common.Address, amount *big.Int) Operation {
	return Operation{Contract: vault, ABI: VaultABI, Method: "requestWithdrawal", Args: []interface{}{amount}, From: from}
}

func ProcessWithdrawalOp(vault, from common.Address, index uint64) Operation {
	return Operation{Contract: vault, ABI: VaultABI, Method: "processWithdrawal", Args: []interface{}{new(big.Int).SetUint64(index)}, From: from}
}

func CancelWithdrawalOp(vault, from common.Address, index uint64) Operation {
	return Operation{Contract: vault, ABI: VaultABI, Method: "cancelWithdrawal", Args: []interface{}{new(big.Int).SetUint64(index)}, From: from}
}

func AllocateOp(vault, manager, protocol common.Address, amount *big.Int) Operation {
	return Operation{Contract: vault, ABI: VaultABI, Method: "allocate", Args: []interface{}{protocol, amount}, From: manager}
}

func DeallocateOp(vault, manager, protocol common.Address, amount *big.Int) Operation {
	return Operation{Contract: vault, ABI: VaultABI, Method: "deallocate", Args: []interface{}{protocol, amount}, From: manager}
}

func ApproveOp(token, owner, spender common.Address, amount *big.Int) Operation {
	return Operation{Contract: token, ABI: TokenABI, Method: "approve", Args: []interface{}{spender, amount}, From: owner}
}
