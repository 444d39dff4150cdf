package poller

import "fmt"

// InvariantViolation marks an order whose id matches neither the entry nor
// the exit order of its execution. Such fills are logged and skipped, never
// applied to the wrong side.
type InvariantViolation struct {
	ExecutionID uint
	OrderID     string
	Detail      string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("execution %d: order %s: %s", e.ExecutionID, e.OrderID, e.Detail)
}
