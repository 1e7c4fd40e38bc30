package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultTransactionType is the ruleset category used when a request omits transaction_type.
const DefaultTransactionType = "AUTH"

type Field string

const (
	FieldAmount               Field = "amount"
	FieldCurrency             Field = "currency"
	FieldCountryCode          Field = "country_code"
	FieldMerchantCategoryCode Field = "merchant_category_code"
	FieldTransactionType      Field = "transaction_type"
	FieldCardHash             Field = "card_hash"
)

// Transaction is an inbound AUTH request. It is never mutated after construction.
type Transaction struct {
	TransactionID        string          `json:"transaction_id"`
	CardHash             string          `json:"card_hash"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	CountryCode          string          `json:"country_code,omitempty"`
	MerchantCategoryCode string          `json:"merchant_category_code,omitempty"`
	TransactionType      string          `json:"transaction_type,omitempty"`
	ReceivedAt           time.Time       `json:"received_at"`
}

func NewTransaction(transactionID, cardHash string, amount decimal.Decimal, currency string) *Transaction {
	return &Transaction{
		TransactionID: transactionID,
		CardHash:      cardHash,
		Amount:        amount,
		Currency:      currency,
		ReceivedAt:    time.Now().UTC(),
	}
}

func (tx *Transaction) WithCountry(countryCode string) *Transaction {
	tx.CountryCode = countryCode
	return tx
}

func (tx *Transaction) WithMerchantCategory(mcc string) *Transaction {
	tx.MerchantCategoryCode = mcc
	return tx
}

func (tx *Transaction) WithType(transactionType string) *Transaction {
	tx.TransactionType = transactionType
	return tx
}

// RulesetKey maps the transaction type onto the key its ruleset is registered under.
func (tx *Transaction) RulesetKey() string {
	if tx == nil {
		return DefaultTransactionType
	}
	return NormalizeRulesetKey(tx.TransactionType)
}

func NormalizeRulesetKey(transactionType string) string {
	key := strings.ToUpper(strings.TrimSpace(transactionType))
	if key == "" {
		return DefaultTransactionType
	}
	return key
}

// StringField returns the value of a string-typed field and whether it is set.
func (tx *Transaction) StringField(field Field) (string, bool) {
	var v string
	switch field {
	case FieldCurrency:
		v = tx.Currency
	case FieldCountryCode:
		v = tx.CountryCode
	case FieldMerchantCategoryCode:
		v = tx.MerchantCategoryCode
	case FieldTransactionType:
		v = tx.TransactionType
	case FieldCardHash:
		v = tx.CardHash
	default:
		return "", false
	}
	return v, v != ""
}

// Attributes is the flat view of the transaction exposed to expression predicates.
func (tx *Transaction) Attributes() map[string]any {
	amount, _ := tx.Amount.Float64()
	return map[string]any{
		string(FieldAmount):               amount,
		string(FieldCurrency):             tx.Currency,
		string(FieldCountryCode):          tx.CountryCode,
		string(FieldMerchantCategoryCode): tx.MerchantCategoryCode,
		string(FieldTransactionType):      tx.TransactionType,
		string(FieldCardHash):             tx.CardHash,
	}
}
