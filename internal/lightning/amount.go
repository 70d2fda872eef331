package lightning

import (
	"github.com/shopspring/decimal"
)

// ConvertMsatsToBackendUnits converts a msats-denominated rate (as
// carried by the PaymentRateMsats directive) into the backend's native
// smallest unit, using decimal.Decimal to avoid float drift when the
// backend's unit is coarser than a msat (e.g. a sat-native invoice
// backend, smallestUnitMsats=1000).
func ConvertMsatsToBackendUnits(amountMsats int64, smallestUnitMsats int64) decimal.Decimal {
	if smallestUnitMsats <= 0 {
		smallestUnitMsats = 1
	}
	amount := decimal.NewFromInt(amountMsats)
	unit := decimal.NewFromInt(smallestUnitMsats)
	// Round up: a relay must never be underpaid by a truncated conversion.
	return amount.DivRound(unit, 8).Ceil()
}
