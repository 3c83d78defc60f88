// Package invoices records invoice domain events on the event log.
package invoices

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MarcoPoloResearchLab/eventlog/internal/eventlog"
)

// AggregateType names the invoice aggregate in event log keys.
const AggregateType = "invoice"

const (
	KindCreated         = "InvoiceCreated"
	KindLineAdded       = "InvoiceLineAdded"
	KindIssued          = "InvoiceIssued"
	KindPaymentReceived = "InvoicePaymentReceived"
	KindVoided          = "InvoiceVoided"
)

const maxTextLength = 190

var (
	// ErrInvalidEvent indicates an invoice event with missing or out-of-range fields.
	ErrInvalidEvent = errors.New("invoices: invalid event")
	// ErrUnknownKind indicates a kind outside the invoice event family.
	ErrUnknownKind = errors.New("invoices: unknown event kind")

	currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)
)

// Event is the closed family of invoice events.
type Event interface {
	eventlog.Event
	validate() error
}

// Created opens an invoice for a customer.
type Created struct {
	Customer string
	Currency string
}

func (Created) Kind() string { return KindCreated }

func (event Created) validate() error {
	if err := requireText("customer", event.Customer); err != nil {
		return err
	}
	if !currencyPattern.MatchString(event.Currency) {
		return fmt.Errorf("%w: currency %q is not an ISO 4217 code", ErrInvalidEvent, event.Currency)
	}
	return nil
}

// LineAdded adds a billable line.
type LineAdded struct {
	SKU       string
	Quantity  int64
	UnitPrice decimal.Decimal
}

func (LineAdded) Kind() string { return KindLineAdded }

func (event LineAdded) validate() error {
	if err := requireText("sku", event.SKU); err != nil {
		return err
	}
	if event.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive, got %d", ErrInvalidEvent, event.Quantity)
	}
	if event.UnitPrice.IsNegative() {
		return fmt.Errorf("%w: unit price must not be negative, got %s", ErrInvalidEvent, event.UnitPrice)
	}
	return nil
}

// Total returns quantity times unit price.
func (event LineAdded) Total() decimal.Decimal {
	return event.UnitPrice.Mul(decimal.NewFromInt(event.Quantity))
}

// Issued finalizes the invoice with a due date.
type Issued struct {
	DueDate time.Time
}

func (Issued) Kind() string { return KindIssued }

func (event Issued) validate() error {
	if event.DueDate.IsZero() {
		return fmt.Errorf("%w: due date is required", ErrInvalidEvent)
	}
	return nil
}

// PaymentReceived records money received against the invoice.
type PaymentReceived struct {
	Amount    decimal.Decimal
	Reference string
}

func (PaymentReceived) Kind() string { return KindPaymentReceived }

func (event PaymentReceived) validate() error {
	if !event.Amount.IsPositive() {
		return fmt.Errorf("%w: payment amount must be positive, got %s", ErrInvalidEvent, event.Amount)
	}
	return requireText("reference", event.Reference)
}

// Voided cancels the invoice.
type Voided struct {
	Reason string
}

func (Voided) Kind() string { return KindVoided }

func (event Voided) validate() error {
	return requireText("reason", event.Reason)
}

func requireText(field, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidEvent, field)
	}
	if len(trimmed) > maxTextLength {
		return fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidEvent, field, maxTextLength)
	}
	return nil
}
