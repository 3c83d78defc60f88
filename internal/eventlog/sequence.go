package eventlog

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var minusOne = decimal.NewFromInt(-1)

// SequenceNumber is an arbitrary-precision per-aggregate sequence value.
// The zero value is sequence 0; NoSequence represents an aggregate without events.
type SequenceNumber struct {
	value decimal.Decimal
}

// NoSequence returns the logical high-water mark of an aggregate with no events.
func NoSequence() SequenceNumber {
	return SequenceNumber{value: minusOne}
}

// NewSequenceNumber validates value and returns a SequenceNumber.
func NewSequenceNumber(value int64) (SequenceNumber, error) {
	if value < 0 {
		return SequenceNumber{}, fmt.Errorf("%w: %d", ErrInvalidSequence, value)
	}
	return SequenceNumber{value: decimal.NewFromInt(value)}, nil
}

// ParseSequenceNumber parses the decimal string form. "-1" parses to NoSequence.
func ParseSequenceNumber(rawInput string) (SequenceNumber, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return SequenceNumber{}, fmt.Errorf("%w: empty", ErrInvalidSequence)
	}
	parsed, err := decimal.NewFromString(trimmed)
	if err != nil {
		return SequenceNumber{}, fmt.Errorf("%w: %q", ErrInvalidSequence, trimmed)
	}
	if !parsed.IsInteger() {
		return SequenceNumber{}, fmt.Errorf("%w: %q is not an integer", ErrInvalidSequence, trimmed)
	}
	if parsed.LessThan(minusOne) {
		return SequenceNumber{}, fmt.Errorf("%w: %q is below -1", ErrInvalidSequence, trimmed)
	}
	return SequenceNumber{value: parsed.Truncate(0)}, nil
}

// Add returns the number offset by delta.
func (n SequenceNumber) Add(delta int64) SequenceNumber {
	return SequenceNumber{value: n.value.Add(decimal.NewFromInt(delta))}
}

// Cmp compares two sequence numbers, returning -1, 0, or +1.
func (n SequenceNumber) Cmp(other SequenceNumber) int {
	return n.value.Cmp(other.value)
}

// Equal reports whether both numbers hold the same value.
func (n SequenceNumber) Equal(other SequenceNumber) bool {
	return n.value.Equal(other.value)
}

// IsInitialized reports whether at least one event has been assigned.
func (n SequenceNumber) IsInitialized() bool {
	return !n.value.IsNegative()
}

// Decimal exposes the underlying value.
func (n SequenceNumber) Decimal() decimal.Decimal {
	return n.value
}

// String returns the decimal string encoding used in storage.
func (n SequenceNumber) String() string {
	return n.value.String()
}
