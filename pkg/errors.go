package groot

import "errors"

// Drop reasons. Receive returns them so tests and metrics can tell drops apart; none of them is
// fatal and transports only log them.
var (
	ErrProtocolMismatch = errors.New("protocol mismatch")
	ErrMalformedPacket  = errors.New("malformed packet")
	ErrSelfEcho         = errors.New("self echo")
	ErrStaleUpdate      = errors.New("stale update")
	ErrUnknownQuery     = errors.New("unknown query")
	ErrUnsubscribed     = errors.New("query unsubscribed")
	ErrOrphaned         = errors.New("no parent")
	ErrSinkDoesNotRelay = errors.New("sink does not relay")
	ErrUnknownType      = errors.New("unknown message type")

	// Capacity errors.
	ErrRegistryFull  = errors.New("registry full")
	ErrChildListFull = errors.New("child list full")

	// Application surface errors.
	ErrNotSink      = errors.New("node is not a sink")
	ErrQueryExists  = errors.New("query already exists")
	ErrInvalidQuery = errors.New("invalid query")
)

// dropReason maps a drop error to a metric label.
func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrProtocolMismatch):
		return "protocol_mismatch"
	case errors.Is(err, ErrMalformedPacket):
		return "malformed"
	case errors.Is(err, ErrSelfEcho):
		return "self_echo"
	case errors.Is(err, ErrStaleUpdate):
		return "stale_update"
	case errors.Is(err, ErrUnknownQuery):
		return "unknown_query"
	case errors.Is(err, ErrUnsubscribed):
		return "unsubscribed"
	case errors.Is(err, ErrOrphaned):
		return "orphaned"
	case errors.Is(err, ErrSinkDoesNotRelay):
		return "sink_relay"
	case errors.Is(err, ErrRegistryFull):
		return "registry_full"
	case errors.Is(err, ErrChildListFull):
		return "child_list_full"
	case errors.Is(err, ErrUnknownType):
		return "unknown_type"
	}
	return "other"
}
