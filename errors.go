package natportmap

import (
	"errors"
	"fmt"
	"strconv"
)

// Sentinel errors for the terminal, non-retryable failures named in the
// gateway lifecycle and policy layer.
var (
	// ErrNoGatewayFound names the case where no PCP, NAT-PMP, or UPnP
	// gateway answered discovery/announce. No function in this package
	// returns it: PCPNAT reports a failed announce with ErrPCPNotSupported,
	// and FindGateways reports an empty search as an empty slice.
	ErrNoGatewayFound = errors.New("nat-port-mapper: no gateway found")

	// ErrPCPNotSupported is returned by pcpNat when ANNOUNCE fails on every
	// local address; the caller may fall back to pmpNat itself.
	ErrPCPNotSupported = errors.New("nat-port-mapper: PCP not supported by gateway")

	// ErrNoEligibleAddress names the case where every local interface was
	// excluded (link-local, virtual, or wrong family). MapAll does not
	// return it: that case surfaces as a *MapAllError whose Cause is the
	// gateway runtime's own "no eligible local address" error.
	ErrNoEligibleAddress = errors.New("nat-port-mapper: no eligible local address")

	// ErrGatewayClosed names an operation attempted after Stop. The gateways
	// report that case with their own error ("gateway is closing/closed",
	// or the request queue's closed error), which does not wrap this value.
	ErrGatewayClosed = errors.New("nat-port-mapper: gateway is closed")

	// ErrAlreadyClosed is returned by a second call to stop().
	ErrAlreadyClosed = errors.New("nat-port-mapper: already closed")

	// ErrInvalidProtocol is returned when the protocol option is neither
	// TCP nor UDP, case-insensitively.
	ErrInvalidProtocol = errors.New("nat-port-mapper: protocol must be TCP or UDP")

	// ErrMappingNotFound names an Unmap with no matching row. The PCP and
	// UPnP gateways report that case with their own error, which does not
	// wrap this value; the NAT-PMP gateway sends the unmap request without
	// checking its table.
	ErrMappingNotFound = errors.New("nat-port-mapper: mapping not found")
)

// MapAllError aggregates the per-interface failures of a mapAll call that
// mapped zero interfaces successfully. Individual failures are available
// through errors.Unwrap/multierr helpers on Cause.
type MapAllError struct {
	Port  int
	Cause error
}

func (e *MapAllError) Error() string {
	return fmt.Sprintf("nat-port-mapper: All attempts to map port %d failed: %v", e.Port, e.Cause)
}

func (e *MapAllError) Unwrap() error {
	return e.Cause
}

// ResultError carries a numeric protocol result code reported by a gateway
// (PCP result codes 1-13 or NAT-PMP result codes 1-5) alongside its
// canonical message. UPnP SOAP faults are not converted to a ResultError:
// the UPnP gateway returns them as plain errors whose text carries the
// UPnP error code and description.
type ResultError struct {
	Code    int
	Message string
}

func (e *ResultError) Error() string {
	return "nat-port-mapper: gateway reported error " + strconv.Itoa(e.Code) + ": " + e.Message
}

// TransportError wraps a lower-level socket or HTTP failure encountered
// while talking to a gateway.
type TransportError struct {
	Op    string
	Cause error
}

func (e *TransportError) Error() string {
	return "nat-port-mapper: " + e.Op + ": " + e.Cause.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}
