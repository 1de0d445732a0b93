// Package chaintest 模拟金库合约与资产代币的节点后端，执行真实签名的交易
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"vaultledger/internal/chain"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	VaultAddress = common.HexToAddress("0x000000000000000000000000000000000000a001")
	TokenAddress = common.HexToAddress("0x000000000000000000000000000000000000a002")
)

// RPCError 节点返回的 JSON-RPC 错误响应
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string  { return e.Message }
func (e *RPCError) ErrorCode() int { return e.Code }

// ErrTransport 模拟连接中断
var ErrTransport = errors.New("dial tcp 127.0.0.1:8545: connect: connection refused")

type queueEntry struct {
	owner     common.Address
	amount    *big.Int
	timestamp time.Time
	processed bool
	cancelled bool
	ready     bool
}

type sendFault struct {
	err  error
	land bool
	drop bool
}

// Backend 实现 chain.Backend，交易广播即出块
type Backend struct {
	mu sync.Mutex

	chainID *big.Int
	signer  types.Signer
	block   uint64
	baseFee *big.Int
	now     func() time.Time

	manager  common.Address
	decimals uint8

	native           map[common.Address]*big.Int
	tokenBalances    map[common.Address]*big.Int
	allowances       map[[2]common.Address]*big.Int
	balances         map[common.Address]*big.Int
	totalDeposits    *big.Int
	totalAllocated   *big.Int
	totalYield       *big.Int
	protocols        []common.Address
	protocolBalances map[common.Address]*big.Int
	queue            []*queueEntry

	nonces   map[common.Address]uint64
	held     map[common.Address]int
	txs      map[common.Hash]*types.Transaction
	receipts map[common.Hash]*types.Receipt
	hidden   map[common.Hash]*types.Receipt
	holding  bool

	callFaults    int
	callFaultErr  error
	sendFaults    []sendFault
	estimateErr   error
	receiptFaults int
	sent          int
}

func New(chainID int64, manager common.Address, decimals uint8) *Backend {
	id := big.NewInt(chainID)
	return &Backend{
		chainID:          id,
		signer:           types.LatestSignerForChainID(id),
		block:            100,
		baseFee:          big.NewInt(1_000_000_000),
		now:              time.Now,
		manager:          manager,
		decimals:         decimals,
		native:           make(map[common.Address]*big.Int),
		tokenBalances:    make(map[common.Address]*big.Int),
		allowances:       make(map[[2]common.Address]*big.Int),
		balances:         make(map[common.Address]*big.Int),
		totalDeposits:    new(big.Int),
		totalAllocated:   new(big.Int),
		totalYield:       new(big.Int),
		protocolBalances: make(map[common.Address]*big.Int),
		nonces:           make(map[common.Address]uint64),
		held:             make(map[common.Address]int),
		txs:              make(map[common.Hash]*types.Transaction),
		receipts:         make(map[common.Hash]*types.Receipt),
		hidden:           make(map[common.Hash]*types.Receipt),
	}
}

var _ chain.Backend = (*Backend)(nil)

// ---------------------------------------------------------------------------
// 测试控制
// ---------------------------------------------------------------------------

// Mint 给地址发放资产代币
func (b *Backend) Mint(owner common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	add(b.tokenBalances, owner, amount)
}

func (b *Backend) SetAllowance(owner, spender common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allowances[[2]common.Address{owner, spender}] = new(big.Int).Set(amount)
}

// SetReady 模拟合约判定队列项可处理
func (b *Backend) SetReady(index uint64, ready bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if index < uint64(len(b.queue)) {
		b.queue[index].ready = ready
	}
}

// AddYield 协议收益回流金库
func (b *Backend) AddYield(amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalYield.Add(b.totalYield, amount)
	add(b.tokenBalances, VaultAddress, amount)
}

// DrainLiquidity 把金库闲置资金转走，模拟流动性不足
func (b *Backend) DrainLiquidity(amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub(b.tokenBalances, VaultAddress, amount)
}

// SetBaseFee nil 表示节点不支持 EIP-1559
func (b *Backend) SetBaseFee(fee *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.baseFee = fee
}

func (b *Backend) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// HoldReceipts 开启后交易照常执行，但回执在 ReleaseReceipts 之前不可见
func (b *Backend) HoldReceipts(hold bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holding = hold
}

func (b *Backend) ReleaseReceipts() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for hash, r := range b.hidden {
		b.receipts[hash] = r
		tx := b.txs[hash]
		if from, err := types.Sender(b.signer, tx); err == nil {
			b.held[from]--
		}
		delete(b.hidden, hash)
	}
}

// FailCalls 接下来 n 次 eth_call 返回 err
func (b *Backend) FailCalls(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callFaults = n
	b.callFaultErr = err
}

// DropNextSend 下一次广播被节点接受后丢弃：返回成功但交易不执行、不可查询
func (b *Backend) DropNextSend() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendFaults = append(b.sendFaults, sendFault{drop: true})
}

// FailNextSend 下一次广播返回 err；land 为 true 时交易仍然上链
func (b *Backend) FailNextSend(err error, land bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendFaults = append(b.sendFaults, sendFault{err: err, land: land})
}

func (b *Backend) FailEstimate(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.estimateErr = err
}

// FailReceipts 接下来 n 次回执查询返回传输错误
func (b *Backend) FailReceipts(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiptFaults = n
}

// Sent 节点实际接收的交易数
func (b *Backend) Sent() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent
}

func (b *Backend) Transactions() []*types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*types.Transaction, 0, len(b.txs))
	for _, tx := range b.txs {
		out = append(out, tx)
	}
	return out
}

func (b *Backend) VaultBalance(user common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return get(b.balances, user)
}

func (b *Backend) TotalDeposits() *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.totalDeposits)
}

func (b *Backend) TokenBalance(owner common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return get(b.tokenBalances, owner)
}

func (b *Backend) QueueLength() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// ---------------------------------------------------------------------------
// chain.Backend
// ---------------------------------------------------------------------------

func (b *Backend) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.chainID), nil
}

func (b *Backend) BlockNumber(ctx context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.block, nil
}

func (b *Backend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return get(b.native, account), nil
}

func (b *Backend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonces[account], nil
}

// NonceAt 回执未公开的交易视为仍在交易池
func (b *Backend) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonces[account] - uint64(b.held[account]), nil
}

func (b *Backend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.estimateErr != nil {
		return 0, b.estimateErr
	}
	return 90_000, nil
}

func (b *Backend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (b *Backend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *Backend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := &types.Header{Number: new(big.Int).SetUint64(b.block)}
	if b.baseFee != nil {
		h.BaseFee = new(big.Int).Set(b.baseFee)
	}
	return h, nil
}

func (b *Backend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.receiptFaults > 0 {
		b.receiptFaults--
		return nil, ErrTransport
	}
	r, ok := b.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (b *Backend) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tx, ok := b.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	_, pending := b.hidden[hash]
	return tx, pending, nil
}

func (b *Backend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.callFaults > 0 {
		b.callFaults--
		return nil, b.callFaultErr
	}
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, nil
	}
	contractABI := b.abiFor(*msg.To)
	if contractABI == nil {
		// 非合约地址 eth_call 返回空数据
		return nil, nil
	}
	method, err := contractABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, &RPCError{Code: 3, Message: "execution reverted"}
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, &RPCError{Code: 3, Message: "execution reverted: bad calldata"}
	}
	out, err := b.view(*msg.To, method.Name, args)
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(out...)
}

func (b *Backend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var fault *sendFault
	if len(b.sendFaults) > 0 {
		fault = &b.sendFaults[0]
		b.sendFaults = b.sendFaults[1:]
		if fault.drop {
			return nil
		}
		if !fault.land {
			return fault.err
		}
	}

	from, err := types.Sender(b.signer, tx)
	if err != nil {
		return &RPCError{Code: -32000, Message: "invalid sender: " + err.Error()}
	}
	if expected := b.nonces[from]; tx.Nonce() != expected {
		msg := "nonce too low"
		if tx.Nonce() > expected {
			msg = "nonce too high"
		}
		return &RPCError{Code: -32000, Message: fmt.Sprintf("%s: address %s, tx: %d state: %d", msg, from.Hex(), tx.Nonce(), expected)}
	}
	if _, dup := b.txs[tx.Hash()]; dup {
		return &RPCError{Code: -32000, Message: "already known"}
	}
	b.nonces[from]++
	b.block++
	b.sent++
	b.txs[tx.Hash()] = tx

	receipt := &types.Receipt{
		Type:              tx.Type(),
		Status:            types.ReceiptStatusSuccessful,
		TxHash:            tx.Hash(),
		GasUsed:           52_000,
		CumulativeGasUsed: 52_000,
		EffectiveGasPrice: tx.GasFeeCap(),
		BlockNumber:       new(big.Int).SetUint64(b.block),
		BlockHash:         common.BigToHash(new(big.Int).SetUint64(b.block)),
	}
	logs, err := b.execute(from, tx)
	if err != nil {
		receipt.Status = types.ReceiptStatusFailed
	} else {
		for i, l := range logs {
			l.TxHash = tx.Hash()
			l.BlockNumber = b.block
			l.Index = uint(i)
		}
		receipt.Logs = logs
	}

	if b.holding {
		b.hidden[tx.Hash()] = receipt
		b.held[from]++
	} else {
		b.receipts[tx.Hash()] = receipt
	}
	if fault != nil {
		return fault.err
	}
	return nil
}

// ---------------------------------------------------------------------------
// 合约逻辑
// ---------------------------------------------------------------------------

var errRevert = errors.New("execution reverted")

func (b *Backend) abiFor(addr common.Address) *abi.ABI {
	switch addr {
	case VaultAddress:
		return chain.VaultABI
	case TokenAddress:
		return chain.TokenABI
	}
	return nil
}

func (b *Backend) view(contract common.Address, method string, args []interface{}) ([]interface{}, error) {
	if contract == TokenAddress {
		switch method {
		case "balanceOf":
			return []interface{}{get(b.tokenBalances, args[0].(common.Address))}, nil
		case "allowance":
			key := [2]common.Address{args[0].(common.Address), args[1].(common.Address)}
			return []interface{}{getPair(b.allowances, key)}, nil
		case "decimals":
			return []interface{}{b.decimals}, nil
		}
		return nil, &RPCError{Code: 3, Message: "execution reverted: not a view"}
	}

	switch method {
	case "asset":
		return []interface{}{TokenAddress}, nil
	case "manager":
		return []interface{}{b.manager}, nil
	case "balances":
		return []interface{}{get(b.balances, args[0].(common.Address))}, nil
	case "totalDeposits":
		return []interface{}{new(big.Int).Set(b.totalDeposits)}, nil
	case "totalAllocated":
		return []interface{}{new(big.Int).Set(b.totalAllocated)}, nil
	case "totalYield":
		return []interface{}{new(big.Int).Set(b.totalYield)}, nil
	case "totalAssets":
		total := new(big.Int).Add(get(b.tokenBalances, VaultAddress), b.totalAllocated)
		return []interface{}{total}, nil
	case "getProtocols":
		out := make([]common.Address, len(b.protocols))
		copy(out, b.protocols)
		return []interface{}{out}, nil
	case "protocolBalance":
		return []interface{}{get(b.protocolBalances, args[0].(common.Address))}, nil
	case "getQueueSize":
		return []interface{}{big.NewInt(int64(len(b.queue)))}, nil
	case "getWithdrawalRequest":
		e, err := b.entry(args[0].(*big.Int))
		if err != nil {
			return nil, &RPCError{Code: 3, Message: "execution reverted: invalid index"}
		}
		return []interface{}{e.owner, new(big.Int).Set(e.amount), big.NewInt(e.timestamp.Unix()), e.processed}, nil
	case "getUserWithdrawals":
		owner := args[0].(common.Address)
		out := []*big.Int{}
		for i, e := range b.queue {
			if e.owner == owner {
				out = append(out, big.NewInt(int64(i)))
			}
		}
		return []interface{}{out}, nil
	case "isWithdrawalReady":
		e, err := b.entry(args[0].(*big.Int))
		if err != nil {
			return nil, &RPCError{Code: 3, Message: "execution reverted: invalid index"}
		}
		return []interface{}{e.ready && !e.processed && !e.cancelled}, nil
	}
	return nil, &RPCError{Code: 3, Message: "execution reverted: not a view"}
}

func (b *Backend) entry(index *big.Int) (*queueEntry, error) {
	if !index.IsUint64() || index.Uint64() >= uint64(len(b.queue)) {
		return nil, errRevert
	}
	return b.queue[index.Uint64()], nil
}

func (b *Backend) execute(from common.Address, tx *types.Transaction) ([]*types.Log, error) {
	if tx.To() == nil || len(tx.Data()) < 4 {
		return nil, errRevert
	}
	contractABI := b.abiFor(*tx.To())
	if contractABI == nil {
		return nil, errRevert
	}
	method, err := contractABI.MethodById(tx.Data()[:4])
	if err != nil {
		return nil, errRevert
	}
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		return nil, errRevert
	}

	if *tx.To() == TokenAddress {
		if method.Name != "approve" {
			return nil, errRevert
		}
		b.allowances[[2]common.Address{from, args[0].(common.Address)}] = new(big.Int).Set(args[1].(*big.Int))
		return nil, nil
	}

	switch method.Name {
	case "deposit":
		assets, receiver := args[0].(*big.Int), args[1].(common.Address)
		key := [2]common.Address{from, VaultAddress}
		if assets.Sign() <= 0 || getPair(b.allowances, key).Cmp(assets) < 0 || get(b.tokenBalances, from).Cmp(assets) < 0 {
			return nil, errRevert
		}
		b.allowances[key] = new(big.Int).Sub(getPair(b.allowances, key), assets)
		sub(b.tokenBalances, from, assets)
		add(b.tokenBalances, VaultAddress, assets)
		add(b.balances, receiver, assets)
		b.totalDeposits.Add(b.totalDeposits, assets)
		return []*types.Log{vaultLog("Deposited", []common.Hash{addrTopic(from), addrTopic(receiver)}, assets)}, nil

	case "instantWithdraw":
		amount := args[0].(*big.Int)
		if amount.Sign() <= 0 || get(b.balances, from).Cmp(amount) < 0 || get(b.tokenBalances, VaultAddress).Cmp(amount) < 0 {
			return nil, errRevert
		}
		sub(b.balances, from, amount)
		b.totalDeposits.Sub(b.totalDeposits, amount)
		sub(b.tokenBalances, VaultAddress, amount)
		add(b.tokenBalances, from, amount)
		return []*types.Log{vaultLog("Withdrawn", []common.Hash{addrTopic(from)}, amount, amount)}, nil

	case "requestWithdrawal":
		amount := args[0].(*big.Int)
		if amount.Sign() <= 0 || get(b.balances, from).Cmp(amount) < 0 {
			return nil, errRevert
		}
		sub(b.balances, from, amount)
		b.queue = append(b.queue, &queueEntry{owner: from, amount: new(big.Int).Set(amount), timestamp: b.now()})
		index := big.NewInt(int64(len(b.queue) - 1))
		return []*types.Log{vaultLog("WithdrawalQueued", []common.Hash{addrTopic(from)}, amount, index)}, nil

	case "processWithdrawal":
		e, err := b.entry(args[0].(*big.Int))
		if err != nil || !e.ready || e.processed || e.cancelled || get(b.tokenBalances, VaultAddress).Cmp(e.amount) < 0 {
			return nil, errRevert
		}
		e.processed = true
		b.totalDeposits.Sub(b.totalDeposits, e.amount)
		sub(b.tokenBalances, VaultAddress, e.amount)
		add(b.tokenBalances, e.owner, e.amount)
		return []*types.Log{vaultLog("WithdrawalProcessed", []common.Hash{addrTopic(e.owner)}, e.amount, args[0].(*big.Int))}, nil

	case "cancelWithdrawal":
		e, err := b.entry(args[0].(*big.Int))
		if err != nil || e.owner != from || e.processed || e.cancelled {
			return nil, errRevert
		}
		e.cancelled = true
		add(b.balances, from, e.amount)
		return nil, nil

	case "allocate":
		protocol, amount := args[0].(common.Address), args[1].(*big.Int)
		if from != b.manager || amount.Sign() <= 0 || get(b.tokenBalances, VaultAddress).Cmp(amount) < 0 {
			return nil, errRevert
		}
		if _, ok := b.protocolBalances[protocol]; !ok {
			b.protocols = append(b.protocols, protocol)
		}
		sub(b.tokenBalances, VaultAddress, amount)
		add(b.protocolBalances, protocol, amount)
		b.totalAllocated.Add(b.totalAllocated, amount)
		return nil, nil

	case "deallocate":
		protocol, amount := args[0].(common.Address), args[1].(*big.Int)
		if from != b.manager || amount.Sign() <= 0 || get(b.protocolBalances, protocol).Cmp(amount) < 0 {
			return nil, errRevert
		}
		sub(b.protocolBalances, protocol, amount)
		add(b.tokenBalances, VaultAddress, amount)
		b.totalAllocated.Sub(b.totalAllocated, amount)
		return nil, nil
	}
	return nil, errRevert
}

func vaultLog(event string, topics []common.Hash, values ...interface{}) *types.Log {
	ev := chain.VaultABI.Events[event]
	data, err := ev.Inputs.NonIndexed().Pack(values...)
	if err != nil {
		panic(err)
	}
	return &types.Log{
		Address: VaultAddress,
		Topics:  append([]common.Hash{ev.ID}, topics...),
		Data:    data,
	}
}

func addrTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

func get(m map[common.Address]*big.Int, addr common.Address) *big.Int {
	if v, ok := m[addr]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func getPair(m map[[2]common.Address]*big.Int, key [2]common.Address) *big.Int {
	if v, ok := m[key]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func add(m map[common.Address]*big.Int, addr common.Address, amount *big.Int) {
	m[addr] = new(big.Int).Add(get(m, addr), amount)
}

func sub(m map[common.Address]*big.Int, addr common.Address, amount *big.Int) {
	m[addr] = new(big.Int).Sub(get(m, addr), amount)
}
