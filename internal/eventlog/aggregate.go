package eventlog

import (
	"fmt"
	"strings"
)

const (
	keySeparator           = "-"
	maxAggregateTypeLength = 64
	maxRootIDLength        = 190
)

// AggregateRoot identifies one aggregate instance whose events share a sequence.
type AggregateRoot struct {
	aggregateType string
	rootID        string
}

// NewAggregateRoot validates raw input and returns an AggregateRoot.
// The aggregate type may not contain the key separator, which keeps Key unambiguous:
// the first separator in a key always terminates the type.
func NewAggregateRoot(aggregateType, rootID string) (AggregateRoot, error) {
	trimmedType := strings.TrimSpace(aggregateType)
	trimmedRoot := strings.TrimSpace(rootID)
	if trimmedType == "" {
		return AggregateRoot{}, fmt.Errorf("%w: empty aggregate type", ErrInvalidAggregateRoot)
	}
	if strings.Contains(trimmedType, keySeparator) {
		return AggregateRoot{}, fmt.Errorf("%w: aggregate type %q contains %q", ErrInvalidAggregateRoot, trimmedType, keySeparator)
	}
	if len(trimmedType) > maxAggregateTypeLength {
		return AggregateRoot{}, fmt.Errorf("%w: aggregate type exceeds %d characters", ErrInvalidAggregateRoot, maxAggregateTypeLength)
	}
	if trimmedRoot == "" {
		return AggregateRoot{}, fmt.Errorf("%w: empty root id", ErrInvalidAggregateRoot)
	}
	if len(trimmedRoot) > maxRootIDLength {
		return AggregateRoot{}, fmt.Errorf("%w: root id exceeds %d characters", ErrInvalidAggregateRoot, maxRootIDLength)
	}
	return AggregateRoot{aggregateType: trimmedType, rootID: trimmedRoot}, nil
}

// ParseAggregateKey reverses Key.
func ParseAggregateKey(key string) (AggregateRoot, error) {
	aggregateType, rootID, found := strings.Cut(key, keySeparator)
	if !found {
		return AggregateRoot{}, fmt.Errorf("%w: key %q has no separator", ErrInvalidAggregateRoot, key)
	}
	return NewAggregateRoot(aggregateType, rootID)
}

// AggregateType returns the aggregate category name.
func (root AggregateRoot) AggregateType() string {
	return root.aggregateType
}

// RootID returns the instance identifier.
func (root AggregateRoot) RootID() string {
	return root.rootID
}

// Key returns the identity used for locking and sequence lookup.
func (root AggregateRoot) Key() string {
	return root.aggregateType + keySeparator + root.rootID
}

// IsZero reports whether the root was never initialized.
func (root AggregateRoot) IsZero() bool {
	return root.aggregateType == "" && root.rootID == ""
}

func (root AggregateRoot) String() string {
	return root.Key()
}
