// Package coreerr defines the fixed set of error kinds surfaced by the
// dial and upgrade pipelines, and the aggregation helper used when a dial
// races more than one candidate address.
package coreerr

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// Kind identifies one of the stable, implementation-neutral error
// categories a caller can switch on.
type Kind string

const (
	ConnectionDenied               Kind = "CONNECTION_DENIED"
	ConnectionIntercepted          Kind = "CONNECTION_INTERCEPTED"
	DialedSelf                     Kind = "DIALED_SELF"
	PeerDialIntercepted            Kind = "PEER_DIAL_INTERCEPTED"
	NoValidAddresses               Kind = "NO_VALID_ADDRESSES"
	TooManyAddresses               Kind = "TOO_MANY_ADDRESSES"
	InvalidMultiaddr               Kind = "INVALID_MULTIADDR"
	InvalidPeer                    Kind = "INVALID_PEER"
	InvalidParameters              Kind = "INVALID_PARAMETERS"
	EncryptionFailed               Kind = "ENCRYPTION_FAILED"
	MuxerUnavailable               Kind = "MUXER_UNAVAILABLE"
	ConnectionNotMultiplexed       Kind = "CONNECTION_NOT_MULTIPLEXED"
	TransientConnection            Kind = "TRANSIENT_CONNECTION"
	TooManyInboundProtocolStreams  Kind = "TOO_MANY_INBOUND_PROTOCOL_STREAMS"
	TooManyOutboundProtocolStreams Kind = "TOO_MANY_OUTBOUND_PROTOCOL_STREAMS"
	UnsupportedProtocol            Kind = "UNSUPPORTED_PROTOCOL"
	Timeout                        Kind = "TIMEOUT"
	NoHandlerForProtocol           Kind = "NO_HANDLER_FOR_PROTOCOL"
	TransportDialFailed            Kind = "TRANSPORT_DIAL_FAILED"
	Abort                          Kind = "ABORT"
)

// Error is a Kind-tagged error. Cause may be nil when the kind itself is
// the whole story (e.g. DialedSelf).
type Error struct {
	Kind  Kind
	Cause error
}

// New builds an Error of the given kind wrapping cause (which may be nil).
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target shares this error's Kind, so callers can use
// errors.Is(err, coreerr.New(coreerr.Timeout, nil)) or compare via KindOf.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// KindOf extracts the Kind from err, walking the chain, returning "" if
// no *Error is present.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Aggregate combines one error per failed candidate into a single error,
// per spec: a single candidate's failure is surfaced unwrapped, more than
// one is surfaced as a combined error enumerating each failure.
func Aggregate(errs []error) error {
	var nonNil []error
	for _, e := range errs {
		if e != nil {
			nonNil = append(nonNil, e)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		return multierr.Combine(nonNil...)
	}
}
