package store

import "github.com/shopspring/decimal"

// USDScale 与 DECIMAL(20,6) 列精度一致。
const USDScale = int32(6)

func roundUSD(d decimal.Decimal) decimal.Decimal {
	return d.Round(USDScale)
}
