package chain_test

import (
	"math/big"
	"testing"
	"time"

	"vaultledger/internal/chain"
	"vaultledger/internal/chain/chaintest"
	"vaultledger/internal/infrastructure/lock"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	testChainID  = 1337
	testDecimals = 6
)

type fixture struct {
	backend  *chaintest.Backend
	pipeline *chain.Pipeline
	reader   *chain.Reader
	user     common.Address
	manager  common.Address
}

func newFixture(t *testing.T, defaultGas uint64) *fixture {
	t.Helper()
	userKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	managerKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	keys, err := chain.NewKeystore(nil)
	require.NoError(t, err)
	user := keys.Add(userKey)
	manager := keys.Add(managerKey)

	logger := zaptest.NewLogger(t)
	backend := chaintest.New(testChainID, manager, testDecimals)
	nonces := chain.NewNonceManager(backend, lock.NewLocalLocker(), logger)
	pipeline := chain.NewPipeline(backend, keys, nonces, chain.PipelineOptions{
		ChainID:         big.NewInt(testChainID),
		ConfirmTimeout:  300 * time.Millisecond,
		PollInterval:    10 * time.Millisecond,
		DefaultGasLimit: defaultGas,
	}, nil, logger)

	return &fixture{
		backend:  backend,
		pipeline: pipeline,
		reader:   chain.NewReader(backend, 2, nil, logger),
		user:     user,
		manager:  manager,
	}
}

// units 整数金额转换为 6 位小数的最小单位
func units(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), big.NewInt(1_000_000))
}

// fund 给用户发币并授权金库
func (f *fixture) fund(v int64) {
	f.backend.Mint(f.user, units(v))
	f.backend.SetAllowance(f.user, chaintest.VaultAddress, units(v))
}
