package sanitize

import "github.com/shopspring/decimal"

func requirePrice(name string, v decimal.NullDecimal) string {
	if !v.Valid {
		return "missing_" + name
	}
	if v.Decimal.Sign() <= 0 {
		return ReasonNonPositivePrice
	}
	return ""
}

func requireSize(name string, v decimal.NullDecimal) string {
	if !v.Valid {
		return "missing_" + name
	}
	if v.Decimal.Sign() < 0 {
		return ReasonNegativeSize
	}
	return ""
}
