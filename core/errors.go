package engine

import "errors"

var (
	ErrConfig    = errors.New("invalid configuration")
	ErrTransport = errors.New("transport failure")
	ErrAuth      = errors.New("session authentication failed")
	ErrProtocol  = errors.New("malformed server payload")
	ErrTimeout   = errors.New("response deadline expired")
	ErrQueueFull = errors.New("event queue full")
	ErrClosed    = errors.New("engine closed")
)

// errorClass maps an error onto the taxonomy above for metric labels and
// logs. Unclassified errors are reported as transport failures since they
// originate from a collaborator call.
func errorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrConfig):
		return "config"
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	case errors.Is(err, ErrClosed):
		return "closed"
	}
	return "transport"
}
