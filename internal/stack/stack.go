package stack

import (
	"github.com/lorawan-node/lwn/internal/eventqueue"
)

// Class represents a LoRaWAN device operating class.
//
// Class A opens two short receive windows after each uplink; class C keeps
// the receiver open continuously, trading power for downlink latency.
type Class int

const (
	ClassA Class = iota
	ClassC
)

// String returns the single-letter class name.
func (c Class) String() string {
	switch c {
	case ClassA:
		return "A"
	case ClassC:
		return "C"
	default:
		return "?"
	}
}

// EventKind identifies an asynchronous notification from the stack.
type EventKind int

const (
	// EventConnected signals that the network join completed.
	EventConnected EventKind = iota

	// EventDisconnected signals that the session ended.
	EventDisconnected

	// EventTxDone signals that the previous uplink finished.
	EventTxDone

	// EventTxTimeout, EventTxError, EventTxCryptoError and
	// EventTxSchedulingError are the transmission failure variants.
	EventTxTimeout
	EventTxError
	EventTxCryptoError
	EventTxSchedulingError

	// EventRxDone signals that a downlink is ready to be read.
	EventRxDone

	// EventRxTimeout and EventRxError are the reception failure variants.
	EventRxTimeout
	EventRxError

	// EventJoinFailure signals that an OTAA join attempt was rejected.
	EventJoinFailure

	// EventUplinkRequired signals that the network server requests an
	// uplink (for example to flush pending MAC commands).
	EventUplinkRequired

	// EventClassChanged signals that the network confirmed a device class
	// change.
	EventClassChanged
)

// String returns the event name used in logs and telemetry.
func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "CONNECTED"
	case EventDisconnected:
		return "DISCONNECTED"
	case EventTxDone:
		return "TX_DONE"
	case EventTxTimeout:
		return "TX_TIMEOUT"
	case EventTxError:
		return "TX_ERROR"
	case EventTxCryptoError:
		return "TX_CRYPTO_ERROR"
	case EventTxSchedulingError:
		return "TX_SCHEDULING_ERROR"
	case EventRxDone:
		return "RX_DONE"
	case EventRxTimeout:
		return "RX_TIMEOUT"
	case EventRxError:
		return "RX_ERROR"
	case EventJoinFailure:
		return "JOIN_FAILURE"
	case EventUplinkRequired:
		return "UPLINK_REQUIRED"
	case EventClassChanged:
		return "CLASS_CHANGED"
	default:
		return "UNKNOWN"
	}
}

// SendFlag selects the uplink message type.
type SendFlag int

const (
	// FlagUnconfirmed requests an uplink without a network acknowledgement.
	FlagUnconfirmed SendFlag = 1 << iota

	// FlagConfirmed requests an acknowledged uplink.
	FlagConfirmed
)

// EventListener receives asynchronous stack notifications. Implementations
// of Interface must invoke the listener only through the event queue handed
// to Initialize, so listener bodies run strictly one at a time.
type EventListener func(EventKind)

// Interface is the stable northbound contract of the LoRaWAN stack.
//
// All methods are non-blocking: long-running work completes asynchronously
// and is reported through the registered EventListener.
type Interface interface {
	// Initialize binds the stack to the application event queue. Must be
	// called before any other method.
	Initialize(queue *eventqueue.Queue) error

	// SetEventListener registers the application event handler.
	SetEventListener(listener EventListener)

	// Connect requests a network join. A nil error or ErrConnectInProgress
	// means the join is underway; completion is reported via
	// EventConnected or EventJoinFailure.
	Connect() error

	// Disconnect ends the session. Completion is reported via
	// EventDisconnected.
	Disconnect() error

	// SetConfirmedRetries sets the retry budget for confirmed uplinks.
	SetConfirmedRetries(count int) error

	// EnableAdaptiveDataRate turns on network-driven data rate control.
	EnableAdaptiveDataRate() error

	// SetDeviceClass requests an operating class change.
	SetDeviceClass(class Class) error

	// Send schedules an uplink on the given application port and returns
	// the number of bytes accepted. ErrWouldBlock means airtime is not
	// available yet and the caller may retry later.
	Send(port uint8, payload []byte, flags SendFlag) (int, error)

	// Receive drains one pending downlink into buf and returns the number
	// of bytes read and the application port. ErrNothingToRead means the
	// frame carried no application payload (typically an ACK).
	Receive(buf []byte) (n int, port uint8, err error)
}
