package chain

import (
	"fmt"
	"math/big"

	"vaultledger/pkg/apperr"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Receipt 已上链交易的结果
type Receipt struct {
	TxHash            common.Hash
	Success           bool
	BlockNumber       uint64
	GasUsed           uint64
	EffectiveGasPrice *big.Int
	Logs              []*types.Log
	// ContractAddress 部署交易为新合约地址，普通调用为交易的目标合约
	ContractAddress common.Address
}

func NewReceipt(r *types.Receipt) *Receipt {
	out := &Receipt{
		TxHash:            r.TxHash,
		Success:           r.Status == types.ReceiptStatusSuccessful,
		GasUsed:           r.GasUsed,
		EffectiveGasPrice: r.EffectiveGasPrice,
		Logs:              r.Logs,
		ContractAddress:   r.ContractAddress,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	return out
}

type DepositedEvent struct {
	Caller common.Address
	Owner  common.Address
	Assets *big.Int
}

type WithdrawnEvent struct {
	Owner  common.Address
	Assets *big.Int
	Shares *big.Int
}

// WithdrawalEvent WithdrawalQueued 与 WithdrawalProcessed 结构相同
type WithdrawalEvent struct {
	Owner  common.Address
	Amount *big.Int
	Index  *big.Int
}

func (r *Receipt) findLog(contract common.Address, event string) *types.Log {
	id := VaultABI.Events[event].ID
	for _, l := range r.Logs {
		if l.Address == contract && len(l.Topics) > 0 && l.Topics[0] == id {
			return l
		}
	}
	return nil
}

func (r *Receipt) unpack(contract common.Address, event string, topics int) (*types.Log, []interface{}, error) {
	l := r.findLog(contract, event)
	if l == nil {
		return nil, nil, nil
	}
	if len(l.Topics) < topics {
		return nil, nil, fmt.Errorf("%w: %s 事件 topic 数量不足", apperr.ErrContractCall, event)
	}
	values, err := VaultABI.Unpack(event, l.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: 解析 %s 事件: %v", apperr.ErrContractCall, event, err)
	}
	return l, values, nil
}

// Deposited 回执中没有该事件时返回 nil
func (r *Receipt) Deposited(vault common.Address) (*DepositedEvent, error) {
	l, values, err := r.unpack(vault, "Deposited", 3)
	if l == nil || err != nil {
		return nil, err
	}
	assets, err := outAt[*big.Int]("Deposited", values, 0)
	if err != nil {
		return nil, err
	}
	return &DepositedEvent{
		Caller: common.BytesToAddress(l.Topics[1].Bytes()),
		Owner:  common.BytesToAddress(l.Topics[2].Bytes()),
		Assets: assets,
	}, nil
}

func (r *Receipt) Withdrawn(vault common.Address) (*WithdrawnEvent, error) {
	l, values, err := r.unpack(vault, "Withdrawn", 2)
	if l == nil || err != nil {
		return nil, err
	}
	assets, err := outAt[*big.Int]("Withdrawn", values, 0)
	if err != nil {
		return nil, err
	}
	shares, err := outAt[*big.Int]("Withdrawn", values, 1)
	if err != nil {
		return nil, err
	}
	return &WithdrawnEvent{Owner: common.BytesToAddress(l.Topics[1].Bytes()), Assets: assets, Shares: shares}, nil
}

func (r *Receipt) WithdrawalQueued(vault common.Address) (*WithdrawalEvent, error) {
	return r.withdrawalEvent(vault, "WithdrawalQueued")
}

func (r *Receipt) WithdrawalProcessed(vault common.Address) (*WithdrawalEvent, error) {
	return r.withdrawalEvent(vault, "WithdrawalProcessed")
}

func (r *Receipt) withdrawalEvent(vault common.Address, name string) (*WithdrawalEvent, error) {
	l, values, err := r.unpack(vault, name, 2)
	if l == nil || err != nil {
		return nil, err
	}
	amount, err := outAt[*big.Int](name, values, 0)
	if err != nil {
		return nil, err
	}
	index, err := outAt[*big.Int](name, values, 1)
	if err != nil {
		return nil, err
	}
	return &WithdrawalEvent{Owner: common.BytesToAddress(l.Topics[1].Bytes()), Amount: amount, Index: index}, nil
}

func outAt[T any](method string, values []interface{}, i int) (T, error) {
	var zero T
	if i >= len(values) {
		return zero, fmt.Errorf("%w: %s 返回值数量不足", apperr.ErrContractCall, method)
	}
	v, ok := values[i].(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s 第 %d 个返回值类型为 %T", apperr.ErrContractCall, method, i, values[i])
	}
	return v, nil
}
