// Package provider fetches trading-account snapshots from the remote data provider
// and normalizes each response into a success or failure Result.
package provider

import "encoding/json"

// Connection statuses reported by the provider or derived from its response.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusDisqualified = "disqualified"
)

// FailureKind classifies why a fetch did not succeed.
type FailureKind string

// Failure kinds.
const (
	FailureNone      FailureKind = ""
	FailureTransport FailureKind = "transport"
	FailureHTTP      FailureKind = "http_status"
	FailureEmpty     FailureKind = "empty_response"
	FailureMalformed FailureKind = "malformed_response"
	FailureBusiness  FailureKind = "business"
	FailureInternal  FailureKind = "internal"
)

// Credentials identifies an account at the provider.
type Credentials struct {
	AccountID       int64
	Login           string
	Password        string
	Server          string
	Terminal        string
	LastHistoryTime int64
}

// Snapshot holds the normalized account fields returned by the provider.
type Snapshot struct {
	Balance            float64           `json:"balance"`
	Equity             float64           `json:"equity"`
	Margin             float64           `json:"margin"`
	Profit             float64           `json:"profit"`
	Leverage           float64           `json:"leverage"`
	OrdersTotal        int               `json:"orders_total"`
	OrdersHistoryTotal int               `json:"orders_history_total"`
	Currency           string            `json:"currency"`
	Broker             string            `json:"broker"`
	Name               string            `json:"name"`
	AccountType        string            `json:"account_type"`
	ConnectionStatus   string            `json:"connection_status"`
	ErrorDescription   string            `json:"error_description"`
	OpenOrders         []json.RawMessage `json:"open_orders,omitempty"`
	OrderHistory       []json.RawMessage `json:"order_history,omitempty"`
}

// Result is the outcome of fetching one account.
//
// A failed Result with Kind FailureBusiness carries a Snapshot describing the
// disconnected state so the caller can persist it.
type Result struct {
	AccountID  int64       `json:"account_id"`
	Success    bool        `json:"success"`
	Message    string      `json:"message"`
	Kind       FailureKind `json:"kind,omitempty"`
	HTTPStatus int         `json:"http_status,omitempty"`
	Snapshot   *Snapshot   `json:"snapshot,omitempty"`
}

func failed(accountID int64, kind FailureKind, message string) Result {
	return Result{AccountID: accountID, Kind: kind, Message: message}
}
