package validator

import (
	"errors"
	"fmt"
	"fraud_engine/internal/domain"
	"regexp"
	"strings"
)

var (
	ErrMissingField    = errors.New("missing required field")
	ErrInvalidAmount   = errors.New("invalid transaction amount")
	ErrInvalidCurrency = errors.New("invalid currency")
	ErrInvalidCountry  = errors.New("invalid country code")
)

type TransactionValidator struct {
	currencyRegex *regexp.Regexp
	countryRegex  *regexp.Regexp
}

func NewTransactionValidator() *TransactionValidator {
	return &TransactionValidator{
		currencyRegex: regexp.MustCompile(`^[A-Z]{3}$`),
		countryRegex:  regexp.MustCompile(`^[A-Z]{2}$`),
	}
}

// ValidateTransaction checks an AUTH request after normalization. All
// failures are reported together.
func (v *TransactionValidator) ValidateTransaction(tx *domain.Transaction) error {
	var errs []error

	if strings.TrimSpace(tx.TransactionID) == "" {
		errs = append(errs, fmt.Errorf("%w: transaction_id", ErrMissingField))
	}

	if strings.TrimSpace(tx.CardHash) == "" {
		errs = append(errs, fmt.Errorf("%w: card_hash", ErrMissingField))
	}

	if tx.Amount.IsNegative() {
		errs = append(errs, fmt.Errorf("%w: must be non-negative", ErrInvalidAmount))
	}

	if tx.Currency == "" {
		errs = append(errs, fmt.Errorf("%w: currency", ErrMissingField))
	} else if !v.currencyRegex.MatchString(tx.Currency) {
		errs = append(errs, fmt.Errorf("%w: %q is not an ISO 4217 code", ErrInvalidCurrency, tx.Currency))
	}

	if tx.CountryCode != "" && !v.countryRegex.MatchString(tx.CountryCode) {
		errs = append(errs, fmt.Errorf("%w: %q is not an ISO 3166 alpha-2 code", ErrInvalidCountry, tx.CountryCode))
	}

	return errors.Join(errs...)
}
