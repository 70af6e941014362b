// Package kverrors defines the client's error taxonomy (spec.md §7) in a
// leaf package so every internal component can produce and classify these
// errors without importing the root client package. The root package
// re-exports these as the public meshkv.* error types.
package kverrors

import (
	"errors"
	"fmt"
)

// TargetDisconnectedError reports that the connection an invocation was
// bound to (or routed to) closed before a response arrived.
type TargetDisconnectedError struct {
	Cause error
}

func (e *TargetDisconnectedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("meshkv: target disconnected: %v", e.Cause)
	}
	return "meshkv: target disconnected"
}

func (e *TargetDisconnectedError) Unwrap() error { return e.Cause }

// OperationTimeoutError reports that an invocation's deadline elapsed
// before a response was correlated.
type OperationTimeoutError struct {
	CorrelationID int64
}

func (e *OperationTimeoutError) Error() string {
	return fmt.Sprintf("meshkv: operation timed out (correlation id %d)", e.CorrelationID)
}

// ClientOfflineError reports that the client cannot route an operation:
// the partition table has no partition count yet, no live connection is
// available, or the client is shutting down.
type ClientOfflineError struct{}

func (e *ClientOfflineError) Error() string { return "meshkv: client offline" }

// IllegalStateError reports an operation attempted outside the lifecycle
// states that admit it (e.g. before STARTED, or after SHUTDOWN).
type IllegalStateError struct {
	State string
}

func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("meshkv: illegal state: %s", e.State)
}

// InstanceNotActiveError is the HazelcastInstanceNotActiveError-equivalent:
// surfaced by the server when the target member is shutting down.
// Retryable per spec.
type InstanceNotActiveError struct{}

func (e *InstanceNotActiveError) Error() string { return "meshkv: target member not active" }

// AuthenticationError reports a rejected authentication handshake.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("meshkv: authentication failed: %s", e.Reason)
}

// ProtocolError reports a frame parse failure or unexpected correlation id;
// fatal for the connection it occurred on.
type ProtocolError struct {
	Cause error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("meshkv: protocol error: %v", e.Cause)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// ErrClusterChanged names the condition where an authentication response
// carries a cluster id that differs from the one the client last saw. No
// client code returns it: the connection manager handles that condition by
// resetting the member list version, and the partition table is not reset.
var ErrClusterChanged = errors.New("meshkv: cluster id changed, resetting client state")

// IsRetryable classifies an error per spec.md §4.4 / §7.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var disconnected *TargetDisconnectedError
	var notActive *InstanceNotActiveError
	if errors.As(err, &disconnected) || errors.As(err, &notActive) {
		return true
	}
	return false
}
