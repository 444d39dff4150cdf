package risk

import (
	"fmt"
	"time"
)

// StaleDataError marks a P&L reading built on a price older than the
// freshness threshold with no working fallback. Rules never fire on one.
type StaleDataError struct {
	Symbol   string
	Exchange string
	Age      time.Duration
}

func (e *StaleDataError) Error() string {
	return fmt.Sprintf("stale price for %s:%s, age %s", e.Exchange, e.Symbol, e.Age.Round(time.Second))
}
