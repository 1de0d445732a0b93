package chain

import (
	"crypto/ecdsa"
	"fmt"
	"strings"
	"sync"

	"vaultledger/pkg/apperr"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Keystore 签名地址到私钥的映射
type Keystore struct {
	mu   sync.RWMutex
	keys map[common.Address]*ecdsa.PrivateKey
}

func NewKeystore(hexKeys []string) (*Keystore, error) {
	ks := &Keystore{keys: make(map[common.Address]*ecdsa.PrivateKey)}
	for i, hexKey := range hexKeys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
		if err != nil {
			return nil, fmt.Errorf("%w: 第 %d 个私钥格式错误", apperr.ErrBlockchain, i+1)
		}
		ks.Add(key)
	}
	return ks, nil
}

func (k *Keystore) Add(key *ecdsa.PrivateKey) common.Address {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	k.mu.Lock()
	k.keys[addr] = key
	k.mu.Unlock()
	return addr
}

// Key 未配置私钥属于配置错误，不可重试
func (k *Keystore) Key(addr common.Address) (*ecdsa.PrivateKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[addr]
	if !ok {
		return nil, fmt.Errorf("%w: 地址 %s 未配置签名私钥", apperr.ErrBlockchain, addr.Hex())
	}
	return key, nil
}

func (k *Keystore) Has(addr common.Address) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.keys[addr]
	return ok
}
