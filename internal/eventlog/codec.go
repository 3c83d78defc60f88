package eventlog

// Event is a domain event that can be appended to an aggregate stream.
// Kind returns the discriminant stored alongside the encoded payload.
type Event interface {
	Kind() string
}

// Codec serializes one closed family of domain events.
type Codec[E Event] interface {
	Encode(event E) ([]byte, error)
}
