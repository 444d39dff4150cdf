package feed

import "time"

// Subscription modes understood by the streaming server.
const (
	ModeLTP   = 1
	ModeQuote = 2
	ModeDepth = 3
)

type subKey struct {
	Symbol   string
	Exchange string
}

// FailoverEvent records one account switch in the connection pool.
type FailoverEvent struct {
	At     time.Time `json:"at"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason"`
}

// Stats is a health snapshot of the streaming connection. Informational
// only, nothing gates on it.
type Stats struct {
	Connected        bool      `json:"connected"`
	Authenticated    bool      `json:"authenticated"`
	ActiveAccount    string    `json:"active_account"`
	SubscribedCount  int       `json:"subscribed_count"`
	MessagesReceived int64     `json:"messages_received"`
	LastMessageAt    time.Time `json:"last_message_at"`
	ConnectFailures  int64     `json:"connect_failures"`
	AccountSwitches  int64     `json:"account_switches"`
	LastError        string    `json:"last_error,omitempty"`
}
