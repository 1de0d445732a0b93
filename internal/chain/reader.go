package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"vaultledger/pkg/apperr"
	"vaultledger/pkg/metrics"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// WithdrawalEntry 合约提款队列中的一项
type WithdrawalEntry struct {
	Index     uint64
	Owner     common.Address
	Amount    *big.Int
	Timestamp time.Time
	Processed bool
}

// Reader 只读合约查询
//
// 读取失败一律返回错误，绝不以 0 代替未知值。传输错误按 retries 次数重试。
type Reader struct {
	backend Backend
	retries int
	backoff time.Duration
	metrics *metrics.Collector
	logger  *zap.Logger
}

func NewReader(backend Backend, retries int, m *metrics.Collector, logger *zap.Logger) *Reader {
	if retries < 0 {
		retries = 0
	}
	return &Reader{
		backend: backend,
		retries: retries,
		backoff: 200 * time.Millisecond,
		metrics: m,
		logger:  logger,
	}
}

func (r *Reader) withRetry(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	var lastErr error
retry:
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				lastErr = fmt.Errorf("%w: %s: %v", apperr.ErrRPCUnavailable, method, ctx.Err())
				break retry
			case <-time.After(r.backoff * time.Duration(attempt)):
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !apperr.IsRetryable(lastErr) {
			break retry
		}
		r.logger.Debug("链上读取失败，准备重试",
			zap.String("method", method),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}
	r.metrics.ReadFailure(method, string(apperr.KindOf(lastErr)))
	return lastErr
}

func (r *Reader) call(ctx context.Context, contract common.Address, contractABI *abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: 编码 %s 参数: %v", apperr.ErrInvalidArgument, method, err)
	}
	msg := ethereum.CallMsg{To: &contract, Data: data}

	var values []interface{}
	err = r.withRetry(ctx, method, func(ctx context.Context) error {
		raw, err := r.backend.CallContract(ctx, msg, nil)
		if err != nil {
			return classify(method, err)
		}
		values, err = contractABI.Unpack(method, raw)
		if err != nil {
			return fmt.Errorf("%w: 解析 %s 返回值: %v", apperr.ErrContractCall, method, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return values, nil
}

func callOne[T any](ctx context.Context, r *Reader, contract common.Address, contractABI *abi.ABI, method string, args ...interface{}) (T, error) {
	values, err := r.call(ctx, contract, contractABI, method, args...)
	if err != nil {
		var zero T
		return zero, err
	}
	return outAt[T](method, values, 0)
}

func (r *Reader) Asset(ctx context.Context, vault common.Address) (common.Address, error) {
	return callOne[common.Address](ctx, r, vault, VaultABI, "asset")
}

func (r *Reader) Manager(ctx context.Context, vault common.Address) (common.Address, error) {
	return callOne[common.Address](ctx, r, vault, VaultABI, "manager")
}

// Balance 用户在金库中的存款
func (r *Reader) Balance(ctx context.Context, vault, user common.Address) (*big.Int, error) {
	return callOne[*big.Int](ctx, r, vault, VaultABI, "balances", user)
}

func (r *Reader) TotalDeposits(ctx context.Context, vault common.Address) (*big.Int, error) {
	return callOne[*big.Int](ctx, r, vault, VaultABI, "totalDeposits")
}

func (r *Reader) TotalAllocated(ctx context.Context, vault common.Address) (*big.Int, error) {
	return callOne[*big.Int](ctx, r, vault, VaultABI, "totalAllocated")
}

func (r *Reader) TotalYield(ctx context.Context, vault common.Address) (*big.Int, error) {
	return callOne[*big.Int](ctx, r, vault, VaultABI, "totalYield")
}

func (r *Reader) TotalAssets(ctx context.Context, vault common.Address) (*big.Int, error) {
	return callOne[*big.Int](ctx, r, vault, VaultABI, "totalAssets")
}

func (r *Reader) Protocols(ctx context.Context, vault common.Address) ([]common.Address, error) {
	return callOne[[]common.Address](ctx, r, vault, VaultABI, "getProtocols")
}

func (r *Reader) ProtocolBalance(ctx context.Context, vault, protocol common.Address) (*big.Int, error) {
	return callOne[*big.Int](ctx, r, vault, VaultABI, "protocolBalance", protocol)
}

func (r *Reader) QueueSize(ctx context.Context, vault common.Address) (uint64, error) {
	size, err := callOne[*big.Int](ctx, r, vault, VaultABI, "getQueueSize")
	if err != nil {
		return 0, err
	}
	return size.Uint64(), nil
}

func (r *Reader) WithdrawalRequest(ctx context.Context, vault common.Address, index uint64) (*WithdrawalEntry, error) {
	const method = "getWithdrawalRequest"
	values, err := r.call(ctx, vault, VaultABI, method, new(big.Int).SetUint64(index))
	if err != nil {
		return nil, err
	}
	owner, err := outAt[common.Address](method, values, 0)
	if err != nil {
		return nil, err
	}
	amount, err := outAt[*big.Int](method, values, 1)
	if err != nil {
		return nil, err
	}
	ts, err := outAt[*big.Int](method, values, 2)
	if err != nil {
		return nil, err
	}
	processed, err := outAt[bool](method, values, 3)
	if err != nil {
		return nil, err
	}
	return &WithdrawalEntry{
		Index:     index,
		Owner:     owner,
		Amount:    amount,
		Timestamp: time.Unix(ts.Int64(), 0),
		Processed: processed,
	}, nil
}

// UserWithdrawals 用户在队列中的全部下标，按入队顺序
func (r *Reader) UserWithdrawals(ctx context.Context, vault, user common.Address) ([]uint64, error) {
	raw, err := callOne[[]*big.Int](ctx, r, vault, VaultABI, "getUserWithdrawals", user)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, len(raw))
	for i, v := range raw {
		out[i] = v.Uint64()
	}
	return out, nil
}

func (r *Reader) IsWithdrawalReady(ctx context.Context, vault common.Address, index uint64) (bool, error) {
	return callOne[bool](ctx, r, vault, VaultABI, "isWithdrawalReady", new(big.Int).SetUint64(index))
}

// AssetBalance 资产代币余额
func (r *Reader) AssetBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return callOne[*big.Int](ctx, r, token, TokenABI, "balanceOf", owner)
}

func (r *Reader) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return callOne[*big.Int](ctx, r, token, TokenABI, "allowance", owner, spender)
}

func (r *Reader) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	return callOne[uint8](ctx, r, token, TokenABI, "decimals")
}

func (r *Reader) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := r.withRetry(ctx, "eth_blockNumber", func(ctx context.Context) error {
		var err error
		n, err = r.backend.BlockNumber(ctx)
		return classify("eth_blockNumber", err)
	})
	return n, err
}

// NativeBalance 签名地址的原生币余额，用于 gas 预估
func (r *Reader) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	var balance *big.Int
	err := r.withRetry(ctx, "eth_getBalance", func(ctx context.Context) error {
		var err error
		balance, err = r.backend.BalanceAt(ctx, account, nil)
		return classify("eth_getBalance", err)
	})
	return balance, err
}
