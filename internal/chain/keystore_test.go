package chain_test

import (
	"crypto/ecdsa"
	"encoding/hex"
	"testing"

	"vaultledger/internal/chain"
	"vaultledger/pkg/apperr"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestKeystore(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	ks, err := chain.NewKeystore([]string{"0x" + hex.EncodeToString(crypto.FromECDSA(key))})
	require.NoError(t, err)
	require.True(t, ks.Has(addr))

	got, err := ks.Key(addr)
	require.NoError(t, err)
	require.Equal(t, key.D, got.D)

	_, err = ks.Key(crypto.PubkeyToAddress(mustKey(t).PublicKey))
	require.ErrorIs(t, err, apperr.ErrBlockchain)

	_, err = chain.NewKeystore([]string{"not-hex"})
	require.ErrorIs(t, err, apperr.ErrBlockchain)
}

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}
