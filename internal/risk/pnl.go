package risk

import (
	"github.com/shopspring/decimal"

	"talon/internal/store"
)

// Reading is one strategy P&L snapshot. An invalid reading suppresses all
// rule evaluation for the tick that produced it.
type Reading struct {
	Valid      bool
	Total      float64
	Realized   float64
	Unrealized float64
	OpenLegs   int
	Invalid    error
}

// legUnrealized computes one open leg's P&L from last vs entry, sign
// adjusted by side. Rounded to 2 decimals so float drift cannot flip a
// threshold comparison.
func legUnrealized(exec store.Execution, lastPrice float64) float64 {
	diff := decimal.NewFromFloat(lastPrice).Sub(decimal.NewFromFloat(exec.EntryPrice))
	if exec.Side == store.SideSell {
		diff = diff.Neg()
	}
	pnl, _ := diff.Mul(decimal.NewFromInt(int64(exec.Quantity))).Round(2).Float64()
	return pnl
}

// netPremium sums entry values across open legs: buys add (debit), sells
// subtract (credit). The absolute value is the capital at risk for the
// combined structure, which is what percentage trailing stops scale off.
func netPremium(open []store.Execution) float64 {
	net := decimal.Zero
	for _, exec := range open {
		legValue := decimal.NewFromFloat(exec.EntryPrice).Mul(decimal.NewFromInt(int64(exec.Quantity)))
		if exec.Side == store.SideSell {
			net = net.Sub(legValue)
		} else {
			net = net.Add(legValue)
		}
	}
	v, _ := net.Abs().Round(2).Float64()
	return v
}

func round2(v float64) float64 {
	out, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return out
}
