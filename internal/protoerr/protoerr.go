// Package protoerr defines the typed error kinds surfaced by the channel
// protocol's public operations, following the sentinel-plus-wrapping idiom
// used throughout this module: a small exported value or constructor, wrapped
// with fmt.Errorf("%w: ...") at the call site so callers can still
// errors.Is/As against the sentinel.
package protoerr

import (
	"errors"
	"fmt"
)

// Sentinel kinds that carry no extra context beyond the message itself.
var (
	ErrBadMac         = errors.New("sponge mac mismatch during unwrap")
	ErrNoIdentity     = errors.New("operation requires a bound identity")
	ErrNoStream       = errors.New("operation requires a bound channel")
	ErrUnexpectedType = errors.New("message header type outside enumerated set")
)

// AddressTakenError reports that a send target is already occupied by a
// different message than the one the caller intended to publish.
type AddressTakenError struct {
	Address string
}

func (e *AddressTakenError) Error() string {
	return fmt.Sprintf("address %s already taken", e.Address)
}

// NewAddressTaken constructs an AddressTakenError.
func NewAddressTaken(addr string) error { return &AddressTakenError{Address: addr} }

// TopicAlreadyUsedError reports that an announcement already exists with
// identical bytes; callers may treat this as an idempotent create.
type TopicAlreadyUsedError struct {
	Topic   string
	Address string
}

func (e *TopicAlreadyUsedError) Error() string {
	return fmt.Sprintf("topic %q already announced at %s", e.Topic, e.Address)
}

// NewTopicAlreadyUsed constructs a TopicAlreadyUsedError.
func NewTopicAlreadyUsed(topic, addr string) error {
	return &TopicAlreadyUsedError{Topic: topic, Address: addr}
}

// TransportError wraps a failure from the underlying transport collaborator.
type TransportError struct {
	Op      string
	Address string
	Cause   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Address, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// NewTransportError constructs a TransportError.
func NewTransportError(op, addr string, cause error) error {
	return &TransportError{Op: op, Address: addr, Cause: cause}
}

// UnwrapError reports a structural decode failure while parsing a message.
type UnwrapError struct {
	Which   string
	Address string
	Cause   error
}

func (e *UnwrapError) Error() string {
	return fmt.Sprintf("unwrap %s at %s: %v", e.Which, e.Address, e.Cause)
}

func (e *UnwrapError) Unwrap() error { return e.Cause }

// NewUnwrapError constructs an UnwrapError.
func NewUnwrapError(which, addr string, cause error) error {
	return &UnwrapError{Which: which, Address: addr, Cause: cause}
}

// NoCursorError reports that the caller is not a known writer in a branch.
type NoCursorError struct {
	Topic string
}

func (e *NoCursorError) Error() string {
	return fmt.Sprintf("no cursor held in topic %q", e.Topic)
}

// NewNoCursor constructs a NoCursorError.
func NewNoCursor(topic string) error { return &NoCursorError{Topic: topic} }

// LinkedNotInStoreError reports that the predecessor sponge referenced by a
// message's header is not present locally. The Messages iterator queues
// such a message as an orphan rather than treating this as fatal.
type LinkedNotInStoreError struct {
	Address string
}

func (e *LinkedNotInStoreError) Error() string {
	return fmt.Sprintf("linked message %s not in local store", e.Address)
}

// NewLinkedNotInStore constructs a LinkedNotInStoreError.
func NewLinkedNotInStore(addr string) error { return &LinkedNotInStoreError{Address: addr} }

// UnknownPskError reports a keyload referencing a pre-shared-key id the
// local user does not hold.
type UnknownPskError struct {
	Address string
	PskID   string
}

func (e *UnknownPskError) Error() string {
	return fmt.Sprintf("keyload at %s references unknown psk %s", e.Address, e.PskID)
}

// NewUnknownPsk constructs an UnknownPskError.
func NewUnknownPsk(addr, pskID string) error { return &UnknownPskError{Address: addr, PskID: pskID} }

// IsOrphan reports whether err (or any error it wraps) signals a message
// whose predecessor has not yet arrived locally.
func IsOrphan(err error) bool {
	var target *LinkedNotInStoreError
	return errors.As(err, &target)
}
