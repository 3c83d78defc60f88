package invoices

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const dueDateLayout = "2006-01-02"

type createdPayload struct {
	Customer string `json:"customer"`
	Currency string `json:"currency"`
}

type lineAddedPayload struct {
	SKU       string          `json:"sku"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type issuedPayload struct {
	DueDate string `json:"due_date"`
}

type paymentReceivedPayload struct {
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

type voidedPayload struct {
	Reason string `json:"reason"`
}

// Codec encodes and decodes invoice events one variant at a time.
type Codec struct{}

// Encode validates event and returns its JSON payload.
func (Codec) Encode(event Event) ([]byte, error) {
	if event == nil {
		return nil, fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if err := event.validate(); err != nil {
		return nil, err
	}

	switch typed := event.(type) {
	case Created:
		return json.Marshal(createdPayload{Customer: typed.Customer, Currency: typed.Currency})
	case LineAdded:
		return json.Marshal(lineAddedPayload{SKU: typed.SKU, Quantity: typed.Quantity, UnitPrice: typed.UnitPrice})
	case Issued:
		return json.Marshal(issuedPayload{DueDate: typed.DueDate.UTC().Format(dueDateLayout)})
	case PaymentReceived:
		return json.Marshal(paymentReceivedPayload{Amount: typed.Amount, Reference: typed.Reference})
	case Voided:
		return json.Marshal(voidedPayload{Reason: typed.Reason})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, event)
	}
}

// Decode rebuilds the event stored under kind.
func (Codec) Decode(kind string, payload []byte) (Event, error) {
	var event Event
	switch kind {
	case KindCreated:
		var decoded createdPayload
		if err := unmarshalPayload(kind, payload, &decoded); err != nil {
			return nil, err
		}
		event = Created{Customer: decoded.Customer, Currency: decoded.Currency}
	case KindLineAdded:
		var decoded lineAddedPayload
		if err := unmarshalPayload(kind, payload, &decoded); err != nil {
			return nil, err
		}
		event = LineAdded{SKU: decoded.SKU, Quantity: decoded.Quantity, UnitPrice: decoded.UnitPrice}
	case KindIssued:
		var decoded issuedPayload
		if err := unmarshalPayload(kind, payload, &decoded); err != nil {
			return nil, err
		}
		dueDate, err := time.Parse(dueDateLayout, decoded.DueDate)
		if err != nil {
			return nil, fmt.Errorf("%w: due date %q: %w", ErrInvalidEvent, decoded.DueDate, err)
		}
		event = Issued{DueDate: dueDate}
	case KindPaymentReceived:
		var decoded paymentReceivedPayload
		if err := unmarshalPayload(kind, payload, &decoded); err != nil {
			return nil, err
		}
		event = PaymentReceived{Amount: decoded.Amount, Reference: decoded.Reference}
	case KindVoided:
		var decoded voidedPayload
		if err := unmarshalPayload(kind, payload, &decoded); err != nil {
			return nil, err
		}
		event = Voided{Reason: decoded.Reason}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	if err := event.validate(); err != nil {
		return nil, err
	}
	return event, nil
}

func unmarshalPayload(kind string, payload []byte, target any) error {
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("%w: %s payload: %w", ErrInvalidEvent, kind, err)
	}
	return nil
}
