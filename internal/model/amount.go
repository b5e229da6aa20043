package model

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// IsValidAmount 金额必须是非负整数, 不允许小数
func IsValidAmount(d decimal.Decimal) bool {
	return !d.IsNegative() && d.Equal(d.Truncate(0))
}

// AmountToBig 转换为 big.Int, 用于链上编码
func AmountToBig(d decimal.Decimal) *big.Int {
	return d.BigInt()
}
