package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// response mirrors the provider's get_data payload.
type response struct {
	Acc          *accountSection   `json:"acc"`
	Error        flexString        `json:"error"`
	Statistics   statistics        `json:"statistics"`
	OpenOrders   []json.RawMessage `json:"open_orders"`
	OrderHistory []json.RawMessage `json:"order_history"`
}

type accountSection struct {
	Balance          number     `json:"i_bal"`
	Equity           number     `json:"i_equi"`
	Margin           number     `json:"i_marg"`
	Profit           number     `json:"i_prof"`
	Leverage         number     `json:"leverage"`
	OrdersTotal      number     `json:"i_ordtotal"`
	Broker           flexString `json:"i_firma"`
	Name             flexString `json:"i_fio"`
	Currency         flexString `json:"i_cur"`
	AccountType      flexString `json:"i_dr"`
	ConnectionStatus flexString `json:"connection_status"`
	ErrorDescription flexString `json:"error_description"`
}

type statistics struct {
	HistoryTotal number `json:"ACCOUNT_ORDERS_HISTORY_TOTAL"`
}

// missingFinancials lists required financial fields absent from the section.
func (a *accountSection) missingFinancials() []string {
	var missing []string
	fields := []struct {
		name  string
		value number
	}{
		{"i_bal", a.Balance},
		{"i_equi", a.Equity},
		{"i_marg", a.Margin},
		{"i_prof", a.Profit},
		{"leverage", a.Leverage},
	}
	for _, f := range fields {
		if !f.value.Valid {
			missing = append(missing, f.name)
		}
	}
	return missing
}

func (r *response) snapshot() *Snapshot {
	a := r.Acc
	status := strings.ToLower(string(a.ConnectionStatus))
	if status == "" {
		status = StatusConnected
	}
	return &Snapshot{
		Balance:            a.Balance.Value,
		Equity:             a.Equity.Value,
		Margin:             a.Margin.Value,
		Profit:             a.Profit.Value,
		Leverage:           a.Leverage.Value,
		OrdersTotal:        int(a.OrdersTotal.Value),
		OrdersHistoryTotal: int(r.Statistics.HistoryTotal.Value),
		Currency:           string(a.Currency),
		Broker:             string(a.Broker),
		Name:               string(a.Name),
		AccountType:        string(a.AccountType),
		ConnectionStatus:   status,
		ErrorDescription:   string(a.ErrorDescription),
		OpenOrders:         r.OpenOrders,
		OrderHistory:       r.OrderHistory,
	}
}

// number decodes a JSON number that the provider may also send as a string.
// Null and empty strings leave Valid false.
type number struct {
	Value float64
	Valid bool
}

func (n *number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	raw := string(data)
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
		if raw == "" {
			return nil
		}
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("parse number %q: %w", raw, err)
	}
	n.Value = v
	n.Valid = true
	return nil
}

// flexString decodes strings, numbers and booleans into text.
// false and null decode to the empty string.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0, bytes.Equal(data, []byte("null")), bytes.Equal(data, []byte("false")):
		*s = ""
	case data[0] == '"':
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = flexString(strings.TrimSpace(v))
	default:
		*s = flexString(data)
	}
	return nil
}
