package meshkv

import "github.com/meshkv/go-client/internal/kverrors"

// The client's public error taxonomy (spec.md §7) is defined once in
// internal/kverrors, so internal components can produce and classify these
// errors without importing this package; these are plain aliases of the
// same types, not wrappers.
type (
	TargetDisconnectedError = kverrors.TargetDisconnectedError
	OperationTimeoutError   = kverrors.OperationTimeoutError
	ClientOfflineError      = kverrors.ClientOfflineError
	IllegalStateError       = kverrors.IllegalStateError
	InstanceNotActiveError  = kverrors.InstanceNotActiveError
	AuthenticationError     = kverrors.AuthenticationError
	ProtocolError           = kverrors.ProtocolError
)

// ErrClusterChanged names the condition where an authentication response
// carries a cluster id that differs from the one the client last saw. No
// client code returns it: the connection manager handles that condition by
// resetting the member list version, and the partition table is not reset.
var ErrClusterChanged = kverrors.ErrClusterChanged

// IsRetryable classifies an error per spec.md §4.4 / §7.
func IsRetryable(err error) bool {
	return kverrors.IsRetryable(err)
}
