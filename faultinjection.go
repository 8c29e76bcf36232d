package devicelink

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/srishina/devicelink/transport"
)

// Application properties the hub inspects on telemetry to trigger a fault.
const (
	FaultOperationTypeProperty     = "AzIoTHub_FaultOperationType"
	FaultOperationReasonProperty   = "AzIoTHub_FaultOperationCloseReason"
	FaultOperationDelayProperty    = "AzIoTHub_FaultOperationDelayInSecs"
	FaultOperationDurationProperty = "AzIoTHub_FaultOperationDurationInSecs"
)

const (
	DefaultFaultDelay    = 9 * time.Second
	DefaultFaultDuration = 5 * time.Second
	// FaultRecoveryWindow is how long a client may take to recover from an
	// injected fault.
	FaultRecoveryWindow = 5 * time.Minute
)

// NewFault returns a fault with the default delay and duration
func NewFault(kind transport.FaultKind, reason string) Fault {
	return Fault{Kind: kind, Reason: reason, Delay: DefaultFaultDelay, Duration: DefaultFaultDuration}
}

// FaultInjectionProperties are the application properties requesting f
func FaultInjectionProperties(f Fault) map[string]string {
	return map[string]string{
		FaultOperationTypeProperty:     string(f.Kind),
		FaultOperationReasonProperty:   f.Reason,
		FaultOperationDelayProperty:    strconv.Itoa(int(f.Delay / time.Second)),
		FaultOperationDurationProperty: strconv.Itoa(int(f.Duration / time.Second)),
	}
}

// FaultInjectionOperation builds the telemetry operation asking the hub to
// inject f.
func FaultInjectionOperation(f Fault) *transport.Operation {
	return &transport.Operation{
		Kind:       transport.OpFaultInjection,
		MessageID:  uuid.NewString(),
		Payload:    []byte{},
		Properties: FaultInjectionProperties(f),
	}
}
