package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"vaultledger/pkg/apperr"
	"vaultledger/pkg/metrics"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// Signed 已签名、即将广播的交易
type Signed struct {
	Hash     common.Hash
	Nonce    uint64
	From     common.Address
	To       common.Address
	Method   string
	GasLimit uint64
	// GasPrice 传统交易为 gasPrice，EIP-1559 交易为 maxFeePerGas
	GasPrice *big.Int
}

// BroadcastHook 广播前回调，返回错误则放弃广播
//
// 调用方在这里把交易哈希持久化，保证节点收到交易之前本地已有记录。
type BroadcastHook func(ctx context.Context, tx *Signed) error

type PipelineOptions struct {
	ChainID         *big.Int
	ConfirmTimeout  time.Duration
	PollInterval    time.Duration
	DefaultGasLimit uint64
}

// Pipeline 签名、广播并等待确认
type Pipeline struct {
	backend Backend
	keys    *Keystore
	nonces  *NonceManager
	opts    PipelineOptions
	metrics *metrics.Collector
	logger  *zap.Logger
}

func NewPipeline(backend Backend, keys *Keystore, nonces *NonceManager, opts PipelineOptions, m *metrics.Collector, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		backend: backend,
		keys:    keys,
		nonces:  nonces,
		opts:    opts,
		metrics: m,
		logger:  logger,
	}
}

// Send 签名并广播
//
// 返回的错误分三类：广播前失败（节点没有收到交易）、节点明确拒绝（CONTRACT_CALL_ERROR）、
// 广播结果未知（TRANSACTION_FAILED）。后两类同时返回 Signed，调用方据此追踪哈希。
func (p *Pipeline) Send(ctx context.Context, op Operation, hook BroadcastHook) (*Signed, error) {
	key, err := p.keys.Key(op.From)
	if err != nil {
		p.metrics.Submission(op.Method, "rejected")
		return nil, err
	}
	data, err := op.ABI.Pack(op.Method, op.Args...)
	if err != nil {
		p.metrics.Submission(op.Method, "rejected")
		return nil, fmt.Errorf("%w: 编码 %s 参数: %v", apperr.ErrInvalidArgument, op.Method, err)
	}
	value := op.Value
	if value == nil {
		value = new(big.Int)
	}

	lease, err := p.nonces.Acquire(ctx, op.From)
	if err != nil {
		p.metrics.Submission(op.Method, "rejected")
		return nil, err
	}
	defer lease.Release()

	gasLimit, err := p.estimateGas(ctx, op, data, value)
	if err != nil {
		p.metrics.Submission(op.Method, "rejected")
		return nil, err
	}
	unsigned, err := p.buildTx(ctx, lease.Nonce, op.Contract, gasLimit, value, data)
	if err != nil {
		p.metrics.Submission(op.Method, "rejected")
		return nil, err
	}
	tx, err := types.SignTx(unsigned, types.LatestSignerForChainID(p.opts.ChainID), key)
	if err != nil {
		p.metrics.Submission(op.Method, "rejected")
		return nil, fmt.Errorf("%w: 签名交易: %v", apperr.ErrBlockchain, err)
	}

	signed := &Signed{
		Hash:     tx.Hash(),
		Nonce:    tx.Nonce(),
		From:     op.From,
		To:       op.Contract,
		Method:   op.Method,
		GasLimit: tx.Gas(),
		GasPrice: tx.GasFeeCap(),
	}
	if hook != nil {
		if err := hook(ctx, signed); err != nil {
			p.metrics.Submission(op.Method, "rejected")
			return nil, err
		}
	}

	if err := p.backend.SendTransaction(ctx, tx); err != nil {
		lease.Invalidate()
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			p.metrics.Submission(op.Method, "rejected")
			p.logger.Warn("节点拒绝交易",
				zap.String("method", op.Method),
				zap.String("tx_hash", signed.Hash.Hex()),
				zap.Uint64("nonce", signed.Nonce),
				zap.Error(err),
			)
			return signed, fmt.Errorf("%w: 节点拒绝交易 %s: %v", apperr.ErrContractCall, signed.Hash.Hex(), err)
		}
		p.metrics.Submission(op.Method, "indeterminate")
		p.logger.Error("广播交易结果未知",
			zap.String("method", op.Method),
			zap.String("tx_hash", signed.Hash.Hex()),
			zap.Error(err),
		)
		return signed, fmt.Errorf("%w: 广播交易 %s: %v", apperr.ErrTransactionFailed, signed.Hash.Hex(), err)
	}
	lease.Commit()

	p.metrics.Submission(op.Method, "broadcast")
	p.logger.Info("交易已广播",
		zap.String("method", op.Method),
		zap.String("from", op.From.Hex()),
		zap.String("tx_hash", signed.Hash.Hex()),
		zap.Uint64("nonce", signed.Nonce),
		zap.Uint64("gas", signed.GasLimit),
	)
	return signed, nil
}

// Submit 广播并等待回执
func (p *Pipeline) Submit(ctx context.Context, op Operation, hook BroadcastHook) (*Signed, *Receipt, error) {
	signed, err := p.Send(ctx, op, hook)
	if err != nil {
		return signed, nil, err
	}
	receipt, err := p.WaitReceipt(ctx, signed.Hash)
	return signed, receipt, err
}

func (p *Pipeline) estimateGas(ctx context.Context, op Operation, data []byte, value *big.Int) (uint64, error) {
	gas, err := p.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  op.From,
		To:    &op.Contract,
		Value: value,
		Data:  data,
	})
	if err == nil {
		return gas, nil
	}
	fallback := op.GasLimit
	if fallback == 0 {
		fallback = p.opts.DefaultGasLimit
	}
	if fallback == 0 {
		return 0, classify("eth_estimateGas", err)
	}
	p.logger.Warn("估算 gas 失败，使用默认值",
		zap.String("method", op.Method),
		zap.Uint64("gas", fallback),
		zap.Error(err),
	)
	return fallback, nil
}

// buildTx 节点支持 EIP-1559 时使用动态费用，否则使用传统 gasPrice
func (p *Pipeline) buildTx(ctx context.Context, nonce uint64, to common.Address, gas uint64, value *big.Int, data []byte) (*types.Transaction, error) {
	head, err := p.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, classify("eth_getBlockByNumber", err)
	}
	if head.BaseFee != nil {
		tip, err := p.backend.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, classify("eth_maxPriorityFeePerGas", err)
		}
		feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   p.opts.ChainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &to,
			Value:     value,
			Data:      data,
		}), nil
	}
	price, err := p.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classify("eth_gasPrice", err)
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: price,
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     data,
	}), nil
}

// WaitReceipt 轮询回执直到确认超时
//
// 超时或 ctx 取消返回 TRANSACTION_FAILED：交易可能仍会上链，调用方需要继续对账。
func (p *Pipeline) WaitReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, p.opts.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		r, err := p.backend.TransactionReceipt(waitCtx, hash)
		if err == nil && r != nil {
			p.metrics.Confirmation(time.Since(start))
			receipt := NewReceipt(r)
			p.resolveTarget(ctx, receipt)
			outcome := "confirmed"
			if !receipt.Success {
				outcome = "reverted"
			}
			p.metrics.Submission("receipt", outcome)
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			p.logger.Debug("查询回执失败，继续等待", zap.String("tx_hash", hash.Hex()), zap.Error(err))
		}

		select {
		case <-waitCtx.Done():
			p.metrics.Submission("receipt", "indeterminate")
			return nil, fmt.Errorf("%w: 等待交易 %s 确认: %v", apperr.ErrTransactionFailed, hash.Hex(), waitCtx.Err())
		case <-ticker.C:
		}
	}
}

// LookupReceipt 单次查询，交易尚未上链时返回 nil, nil
func (p *Pipeline) LookupReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	r, err := p.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) || (err == nil && r == nil) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("eth_getTransactionReceipt", err)
	}
	receipt := NewReceipt(r)
	p.resolveTarget(ctx, receipt)
	return receipt, nil
}

// resolveTarget 普通调用的回执不带合约地址，从交易本身补齐；查询失败时保持零地址
func (p *Pipeline) resolveTarget(ctx context.Context, receipt *Receipt) {
	if receipt.ContractAddress != (common.Address{}) {
		return
	}
	tx, _, err := p.backend.TransactionByHash(ctx, receipt.TxHash)
	if err != nil || tx == nil || tx.To() == nil {
		p.logger.Debug("无法确定回执的目标合约", zap.String("tx_hash", receipt.TxHash.Hex()), zap.Error(err))
		return
	}
	receipt.ContractAddress = *tx.To()
}

// ConfirmedNonce 最新区块中该地址已使用的 nonce 数
func (p *Pipeline) ConfirmedNonce(ctx context.Context, addr common.Address) (uint64, error) {
	n, err := p.backend.NonceAt(ctx, addr, nil)
	if err != nil {
		return 0, classify("eth_getTransactionCount", err)
	}
	return n, nil
}

// IsKnown 节点是否仍持有该交易（含交易池）
func (p *Pipeline) IsKnown(ctx context.Context, hash common.Hash) (bool, error) {
	_, _, err := p.backend.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, classify("eth_getTransactionByHash", err)
	}
	return true, nil
}

// ResetNonce 对账判定交易已丢失后调用，避免后续交易排在空缺的 nonce 之后
func (p *Pipeline) ResetNonce(addr common.Address) {
	p.nonces.Reset(addr)
}

func (p *Pipeline) CanSign(addr common.Address) bool {
	return p.keys.Has(addr)
}
