// Package neterr defines the typed error taxonomy shared by the policy
// engine, flow classifier and mediator: errors that name a mediation
// decision (blocked, rejected, exceeded) rather than a bare I/O failure.
package neterr

// Reason is a mediation-decision error code, returned alongside a synthetic
// HTTP response or a connection reset depending on which layer raised it.
type Reason uint8

const (
	_ Reason = iota
	// ReasonHostNotAllowed means the destination host failed policy.CheckHost.
	ReasonHostNotAllowed
	// ReasonInternalAddress means the destination resolved to a blocked
	// internal/loopback/link-local/multicast range.
	ReasonInternalAddress
	// ReasonPortNotAllowed means the destination port is not in the
	// protocol's allowed port set.
	ReasonPortNotAllowed
	// ReasonClassifyTimeout means the flow classifier's byte/time budget
	// elapsed before a protocol could be determined.
	ReasonClassifyTimeout
	// ReasonClassifyAmbiguous means the sniffed bytes matched neither the
	// TLS record header nor an HTTP/1.x request line.
	ReasonClassifyAmbiguous
	// ReasonConnectRejected means the flow opened with an explicit CONNECT
	// request, which this mediator never tunnels.
	ReasonConnectRejected
	// ReasonRebindMismatch means a DNS answer's address changed after the
	// flow pinned its origin IP at connect time.
	ReasonRebindMismatch
	// ReasonOriginUnreachable means the host-side dial or TLS handshake to
	// the real origin failed.
	ReasonOriginUnreachable
	// ReasonFlowCapExceeded means a new TCP SYN arrived with no listener
	// slot free.
	ReasonFlowCapExceeded
)

func (r Reason) String() string {
	switch r {
	case ReasonHostNotAllowed:
		return "host not allowed"
	case ReasonInternalAddress:
		return "destination is an internal address"
	case ReasonPortNotAllowed:
		return "port not allowed for protocol"
	case ReasonClassifyTimeout:
		return "protocol classification timed out"
	case ReasonClassifyAmbiguous:
		return "could not classify protocol"
	case ReasonConnectRejected:
		return "CONNECT tunneling not supported"
	case ReasonRebindMismatch:
		return "DNS rebind detected"
	case ReasonOriginUnreachable:
		return "origin unreachable"
	case ReasonFlowCapExceeded:
		return "flow capacity exceeded"
	default:
		return "unknown mediation error"
	}
}

// Error pairs a Reason with the hostname or address it concerns. It is the
// error type returned by policy and tlsmitm.
type Error struct {
	Reason Reason
	Detail string
}

func New(reason Reason, detail string) *Error {
	return &Error{Reason: reason, Detail: detail}
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Reason.String()
	}
	return e.Reason.String() + ": " + e.Detail
}

// StatusCode returns the HTTP status a synthetic response should carry for
// errors raised before a TLS/HTTP session exists, or 0 if the error should
// instead be delivered as a TCP RST (no HTTP session ever started).
func (e *Error) StatusCode() int {
	switch e.Reason {
	case ReasonHostNotAllowed, ReasonInternalAddress, ReasonPortNotAllowed, ReasonConnectRejected:
		return 403
	case ReasonOriginUnreachable, ReasonRebindMismatch:
		return 502
	default:
		return 0
	}
}
