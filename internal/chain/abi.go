package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const vaultABIJSON = `[
{"type":"function","name":"asset","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"manager","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"balances","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"totalDeposits","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"totalAllocated","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"totalYield","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"totalAssets","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getProtocols","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
{"type":"function","name":"protocolBalance","stateMutability":"view","inputs":[{"name":"protocol","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getQueueSize","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getWithdrawalRequest","stateMutability":"view","inputs":[{"name":"index","type":"uint256"}],"outputs":[{"name":"owner","type":"address"},{"name":"amount","type":"uint256"},{"name":"timestamp","type":"uint256"},{"name":"processed","type":"bool"}]},
{"type":"function","name":"getUserWithdrawals","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256[]"}]},
{"type":"function","name":"isWithdrawalReady","stateMutability":"view","inputs":[{"name":"index","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"deposit","stateMutability":"nonpayable","inputs":[{"name":"assets","type":"uint256"},{"name":"receiver","type":"address"}],"outputs":[{"name":"shares","type":"uint256"}]},
{"type":"function","name":"instantWithdraw","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
{"type":"function","name":"requestWithdrawal","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[{"name":"index","type":"uint256"}]},
{"type":"function","name":"processWithdrawal","stateMutability":"nonpayable","inputs":[{"name":"index","type":"uint256"}],"outputs":[]},
{"type":"function","name":"cancelWithdrawal","stateMutability":"nonpayable","inputs":[{"name":"index","type":"uint256"}],"outputs":[]},
{"type":"function","name":"allocate","stateMutability":"nonpayable","inputs":[{"name":"protocol","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
{"type":"function","name":"deallocate","stateMutability":"nonpayable","inputs":[{"name":"protocol","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
{"type":"event","name":"Deposited","anonymous":false,"inputs":[{"name":"caller","type":"address","indexed":true},{"name":"owner","type":"address","indexed":true},{"name":"assets","type":"uint256","indexed":false}]},
{"type":"event","name":"Withdrawn","anonymous":false,"inputs":[{"name":"owner","type":"address","indexed":true},{"name":"assets","type":"uint256","indexed":false},{"name":"shares","type":"uint256","indexed":false}]},
{"type":"event","name":"WithdrawalQueued","anonymous":false,"inputs":[{"name":"owner","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"index","type":"uint256","indexed":false}]},
{"type":"event","name":"WithdrawalProcessed","anonymous":false,"inputs":[{"name":"owner","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"index","type":"uint256","indexed":false}]}
]`

const tokenABIJSON = `[
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

var (
	// VaultABI 金库合约接口
	VaultABI = mustParseABI(vaultABIJSON)
	// TokenABI 资产代币（ERC-20 子集）
	TokenABI = mustParseABI(tokenABIJSON)
)

func mustParseABI(def string) *abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("解析合约 ABI 失败: " + err.Error())
	}
	return &parsed
}
