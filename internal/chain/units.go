package chain

import (
	"fmt"
	"math/big"

	"vaultledger/pkg/apperr"

	"github.com/shopspring/decimal"
)

// ToMinor 十进制金额转换为合约使用的最小单位整数
//
// 小数位超过 decimals 时返回 PrecisionLoss，不做任何舍入。
func ToMinor(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if decimals < 0 {
		return nil, fmt.Errorf("%w: decimals=%d", apperr.ErrInvalidArgument, decimals)
	}
	if amount.IsNegative() {
		return nil, fmt.Errorf("%w: 金额不能为负: %s", apperr.ErrInvalidArgument, amount)
	}
	scaled := amount.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: %s 超过 %d 位小数", apperr.ErrPrecisionLoss, amount, decimals)
	}
	return scaled.BigInt(), nil
}

// ToMajor ToMinor 的逆运算
func ToMajor(minor *big.Int, decimals int32) decimal.Decimal {
	if minor == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(minor, -decimals)
}
