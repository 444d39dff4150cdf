package broker

import "time"

// OrderRequest is one order placement against a single account.
type OrderRequest struct {
	Strategy  string
	Symbol    string
	Exchange  string
	Side      string // BUY / SELL
	Quantity  int
	PriceType string // MARKET / LIMIT
	Price     float64
	Product   string // MIS / CNC / NRML
}

// OrderAck is the broker's acknowledgement of a placed order.
type OrderAck struct {
	OrderID string
}

// OrderState is a snapshot of one order's remote status.
type OrderState struct {
	OrderID      string
	Status       string // open / complete / rejected / cancelled
	AveragePrice float64
}

// Quote is a single-symbol price snapshot.
type Quote struct {
	Symbol   string
	Exchange string
	LTP      float64
	At       time.Time
}

// PositionRow is one row of the broker's position book.
type PositionRow struct {
	Symbol   string
	Exchange string
	Product  string
	Quantity int
	LTP      float64
}

// Funds is the account margin/cash snapshot.
type Funds struct {
	AvailableCash  float64
	UtilizedMargin float64
}
