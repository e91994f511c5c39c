// Package transaction defines the wire-level transaction payload and its
// projection onto the field-indexed evaluation record.
package transaction

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cardsentry/monitoring/internal/fields"
	"github.com/cardsentry/monitoring/internal/record"
)

// Transaction is the flat request payload. The caller-supplied decision rides
// alongside the transaction fields. Amounts decode as json.Number so decimal
// precision survives the trip.
type Transaction struct {
	TransactionID   string      `json:"transaction_id"`
	Decision        string      `json:"decision,omitempty"`
	CardHash        string      `json:"card_hash,omitempty"`
	Amount          json.Number `json:"amount,omitempty"`
	Currency        string      `json:"currency,omitempty"`
	MerchantID      string      `json:"merchant_id,omitempty"`
	MerchantName    string      `json:"merchant_name,omitempty"`
	MerchantCat     string      `json:"merchant_category,omitempty"`
	MCC             string      `json:"mcc,omitempty"`
	CardPresent     *bool       `json:"card_present,omitempty"`
	EntryMode       string      `json:"entry_mode,omitempty"`
	TransactionType string      `json:"transaction_type,omitempty"`
	CountryCode     string      `json:"country_code,omitempty"`
	IPAddress       string      `json:"ip_address,omitempty"`
	DeviceID        string      `json:"device_id,omitempty"`
	Email           string      `json:"email,omitempty"`
	Phone           string      `json:"phone,omitempty"`
	Timestamp       string      `json:"timestamp,omitempty"`
	BillingStreet   string      `json:"billing_street,omitempty"`
	BillingCity     string      `json:"billing_city,omitempty"`
	BillingCountry  string      `json:"billing_country,omitempty"`
	ShippingStreet  string      `json:"shipping_street,omitempty"`
	ShippingCity    string      `json:"shipping_city,omitempty"`
	ShippingCountry string      `json:"shipping_country,omitempty"`
	CardNetwork     string      `json:"card_network,omitempty"`
	CardBIN         string      `json:"card_bin,omitempty"`
	CardLogo        string      `json:"card_logo,omitempty"`
}

// Decode reads a transaction payload. UseNumber keeps the amount as its
// literal decimal text instead of a lossy float64.
func Decode(r io.Reader) (*Transaction, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var t Transaction
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return &t, nil
}

// DefaultRulesetKey is the key card-shaped transactions resolve to.
const DefaultRulesetKey = "CARD_MONITORING"

// RulesetKey maps the transaction type to the ruleset key it is evaluated
// against. Unrecognized types pass through uppercased, so a transaction
// naming a ruleset that was never installed resolves to nothing and the
// evaluation degrades instead of silently using the wrong rules.
func (t *Transaction) RulesetKey() string {
	tt := strings.ToUpper(strings.TrimSpace(t.TransactionType))
	switch tt {
	case "", "PURCHASE", "REFUND", "AUTH", "CARD":
		return DefaultRulesetKey
	case "ACCOUNT":
		return "ACCOUNT_MONITORING"
	default:
		return tt
	}
}

// ParsedTimestamp parses the raw ISO-8601 timestamp. The text is retained
// as-is on the record; parsing happens only when a caller needs it.
func (t *Transaction) ParsedTimestamp() (time.Time, error) {
	return time.Parse(time.RFC3339, t.Timestamp)
}

// ToRecord projects the payload onto a record sized for the given registry.
// Empty strings are treated as absent; null and missing are equivalent for
// predicate purposes.
func (t *Transaction) ToRecord(reg *fields.Registry) (*record.Record, error) {
	rec := record.New(reg)

	setStr := func(key, val string) {
		if val == "" {
			return
		}
		if def, ok := reg.ByKey(key); ok {
			rec.SetString(def, val)
		}
	}

	setStr("transaction_id", t.TransactionID)
	setStr("card_hash", t.CardHash)
	setStr("currency", t.Currency)
	setStr("merchant_id", t.MerchantID)
	setStr("merchant_name", t.MerchantName)
	setStr("merchant_category", t.MerchantCat)
	setStr("mcc", t.MCC)
	setStr("entry_mode", t.EntryMode)
	setStr("transaction_type", t.TransactionType)
	setStr("country_code", t.CountryCode)
	setStr("ip_address", t.IPAddress)
	setStr("device_id", t.DeviceID)
	setStr("email", t.Email)
	setStr("phone", t.Phone)
	setStr("timestamp", t.Timestamp)
	setStr("billing_street", t.BillingStreet)
	setStr("billing_city", t.BillingCity)
	setStr("billing_country", t.BillingCountry)
	setStr("shipping_street", t.ShippingStreet)
	setStr("shipping_city", t.ShippingCity)
	setStr("shipping_country", t.ShippingCountry)
	setStr("card_network", t.CardNetwork)
	setStr("card_bin", t.CardBIN)
	setStr("card_logo", t.CardLogo)

	if t.Amount != "" {
		d, err := decimal.NewFromString(t.Amount.String())
		if err != nil {
			return nil, fmt.Errorf("invalid amount %q: %w", t.Amount, err)
		}
		if def, ok := reg.ByKey("amount"); ok {
			rec.Set(def.ID, record.Number(d))
		}
	}
	if t.CardPresent != nil {
		if def, ok := reg.ByKey("card_present"); ok {
			rec.Set(def.ID, record.Bool(*t.CardPresent))
		}
	}
	return rec, nil
}

// Snapshot renders the transaction for the decision's optional context
// snapshot. PII-flagged fields are omitted.
func (t *Transaction) Snapshot(reg *fields.Registry) map[string]interface{} {
	rec, err := t.ToRecord(reg)
	if err != nil {
		return nil
	}
	out := make(map[string]interface{})
	for _, d := range reg.Definitions() {
		if d.PII {
			continue
		}
		v := rec.Get(d.ID)
		if v.IsAbsent() {
			continue
		}
		out[d.Key] = v.Display()
	}
	return out
}
