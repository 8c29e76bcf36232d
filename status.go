package devicelink

// ConnectionState is the health of the client's channel to the hub.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnectedRetrying
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnectedRetrying:
		return "disconnected-retrying"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StatusReason says why a state was entered.
type StatusReason int

const (
	ReasonConnectionOK StatusReason = iota
	ReasonClientOpen
	ReasonClientClose
	ReasonCommunicationError
	// ReasonRetryExpired accompanies the automatic move to StateClosed: the
	// connection is lost for good.
	ReasonRetryExpired
	ReasonBadCredential
	ReasonDeviceDisabled
)

func (r StatusReason) String() string {
	switch r {
	case ReasonConnectionOK:
		return "connection-ok"
	case ReasonClientOpen:
		return "client-open"
	case ReasonClientClose:
		return "client-close"
	case ReasonCommunicationError:
		return "communication-error"
	case ReasonRetryExpired:
		return "retry-expired"
	case ReasonBadCredential:
		return "bad-credential"
	case ReasonDeviceDisabled:
		return "device-disabled"
	default:
		return "unknown"
	}
}

// Status is delivered to subscribers once per state transition.
type Status struct {
	State  ConnectionState
	Reason StatusReason
	// Err is the classified failure behind the transition, if any.
	Err error
	// Generation counts sessions opened so far.
	Generation uint64
}

// LostForever reports whether the status announces that recovery gave up.
func (s Status) LostForever() bool {
	return s.State == StateClosed && s.Reason == ReasonRetryExpired
}

// StatusHandler receives connection status notifications. Handlers run on
// a single delivery goroutine, one notification at a time.
type StatusHandler func(Status)
