// Package sim implements stack.Interface as a deterministic in-process
// simulation so the demo and its tests run without radio hardware.
//
// The simulation models only the scheduling behavior the application can
// observe: join latency, duty-cycle pacing surfaced as WOULD_BLOCK, the
// class-A receive window after an uplink, and continuous reception in
// class C. It is not a protocol model; frames are never encoded.
package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/lorawan-node/lwn/internal/eventqueue"
	"github.com/lorawan-node/lwn/internal/stack"
)

// maxPayload is the largest accepted application payload, matching the
// EU868 DR0 limit.
const maxPayload = 51

// Options configures the simulated network behavior.
type Options struct {
	// JoinDelay is the time between Connect and the join outcome event.
	JoinDelay time.Duration

	// FailJoin makes every join attempt end in EventJoinFailure.
	FailJoin bool

	// TxAirtime is the delay between an accepted Send and EventTxDone.
	TxAirtime time.Duration

	// DutyCycleInterval is the cooldown after an accepted Send during
	// which further sends return ErrWouldBlock.
	DutyCycleInterval time.Duration
}

// DefaultOptions returns timings that keep the demo visibly alive without
// flooding the log.
func DefaultOptions() Options {
	return Options{
		JoinDelay:         2 * time.Second,
		TxAirtime:         150 * time.Millisecond,
		DutyCycleInterval: 10 * time.Second,
	}
}

// Uplink records one accepted Send for inspection.
type Uplink struct {
	Port    uint8
	Payload []byte
	Flags   stack.SendFlag
	At      time.Time
}

type downlink struct {
	port    uint8
	payload []byte
}

// Stack is a simulated LoRaWAN stack.
type Stack struct {
	mu sync.Mutex

	opts     Options
	queue    *eventqueue.Queue
	listener stack.EventListener

	initialized bool
	joining     bool
	joined      bool
	class       stack.Class
	adrEnabled  bool
	retries     int

	nextTxAt time.Time

	// pending holds downlinks waiting for a class-A receive window;
	// inbox holds downlinks already announced via EventRxDone.
	pending []downlink
	inbox   []downlink

	uplinks []Uplink

	injectedError string
}

// New creates a simulated stack with the given options.
func New(opts Options) *Stack {
	if opts.TxAirtime <= 0 {
		opts.TxAirtime = DefaultOptions().TxAirtime
	}
	return &Stack{opts: opts, class: stack.ClassA}
}

var _ stack.Interface = (*Stack)(nil)

// Initialize binds the stack to the application event queue.
func (s *Stack) Initialize(queue *eventqueue.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if queue == nil {
		return stack.NormalizeStatus(fmt.Errorf("PARAMETER_INVALID: nil event queue"))
	}
	s.queue = queue
	s.initialized = true
	return nil
}

// SetEventListener registers the application event handler.
func (s *Stack) SetEventListener(listener stack.EventListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = listener
}

// Connect requests a network join. The outcome is reported via
// EventConnected or EventJoinFailure after the configured join delay.
func (s *Stack) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return stack.NormalizeStatus(fmt.Errorf("SERVICE_UNKNOWN: stack not initialized"))
	}
	if err := s.injected(); err != nil {
		return err
	}
	if s.joining || s.joined {
		return stack.NormalizeStatus(fmt.Errorf("CONNECT_IN_PROGRESS: join already requested"))
	}

	s.joining = true
	s.queue.CallIn(s.opts.JoinDelay, func() {
		s.mu.Lock()
		s.joining = false
		failed := s.opts.FailJoin
		if !failed {
			s.joined = true
		}
		s.mu.Unlock()

		if failed {
			s.emit(stack.EventJoinFailure)
		} else {
			s.emit(stack.EventConnected)
		}
	})
	return nil
}

// Disconnect ends the session and reports EventDisconnected.
func (s *Stack) Disconnect() error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return stack.NormalizeStatus(fmt.Errorf("SERVICE_UNKNOWN: stack not initialized"))
	}
	s.joined = false
	s.joining = false
	s.mu.Unlock()

	s.queue.Call(func() {
		s.emit(stack.EventDisconnected)
	})
	return nil
}

// SetConfirmedRetries sets the retry budget for confirmed uplinks.
func (s *Stack) SetConfirmedRetries(count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(); err != nil {
		return err
	}
	if count < 0 || count > 8 {
		return stack.NormalizeStatus(fmt.Errorf("PARAMETER_INVALID: retry count %d", count))
	}
	s.retries = count
	return nil
}

// EnableAdaptiveDataRate turns on simulated ADR. State-only.
func (s *Stack) EnableAdaptiveDataRate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(); err != nil {
		return err
	}
	s.adrEnabled = true
	return nil
}

// SetDeviceClass requests an operating class change. Switching to class C
// delivers any downlinks that were waiting for a receive window.
func (s *Stack) SetDeviceClass(class stack.Class) error {
	s.mu.Lock()

	if err := s.injected(); err != nil {
		s.mu.Unlock()
		return err
	}
	if class != stack.ClassA && class != stack.ClassC {
		s.mu.Unlock()
		return stack.NormalizeStatus(fmt.Errorf("PARAMETER_INVALID: class %d", class))
	}

	s.class = class
	released := 0
	if class == stack.ClassC {
		released = len(s.pending)
		s.inbox = append(s.inbox, s.pending...)
		s.pending = nil
	}
	s.mu.Unlock()

	s.queue.Call(func() {
		s.emit(stack.EventClassChanged)
	})
	for i := 0; i < released; i++ {
		s.queue.Call(func() {
			s.emit(stack.EventRxDone)
		})
	}
	return nil
}

// Send schedules an uplink. A successful call starts the duty-cycle
// cooldown; until it expires further sends return ErrWouldBlock.
func (s *Stack) Send(port uint8, payload []byte, flags stack.SendFlag) (int, error) {
	s.mu.Lock()

	if !s.initialized {
		s.mu.Unlock()
		return 0, stack.NormalizeStatus(fmt.Errorf("SERVICE_UNKNOWN: stack not initialized"))
	}
	if err := s.injected(); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	if !s.joined {
		s.mu.Unlock()
		return 0, stack.NormalizeStatus(fmt.Errorf("NO_ACTIVE_SESSION: device has not joined"))
	}
	if len(payload) == 0 || len(payload) > maxPayload {
		s.mu.Unlock()
		return 0, stack.NormalizeStatus(fmt.Errorf("PARAMETER_INVALID: payload length %d", len(payload)))
	}

	now := time.Now()
	if s.opts.DutyCycleInterval > 0 && now.Before(s.nextTxAt) {
		s.mu.Unlock()
		return 0, stack.NormalizeStatus(fmt.Errorf("WOULD_BLOCK: duty cycle restricted"))
	}
	s.nextTxAt = now.Add(s.opts.DutyCycleInterval)

	s.uplinks = append(s.uplinks, Uplink{
		Port:    port,
		Payload: append([]byte(nil), payload...),
		Flags:   flags,
		At:      now,
	})

	// In class A a downlink rides the receive window that follows the
	// uplink: announce at most one per window.
	deliver := s.class == stack.ClassA && len(s.pending) > 0
	if deliver {
		s.inbox = append(s.inbox, s.pending[0])
		s.pending = s.pending[1:]
	}
	s.mu.Unlock()

	s.queue.CallIn(s.opts.TxAirtime, func() {
		s.emit(stack.EventTxDone)
		if deliver {
			s.emit(stack.EventRxDone)
		}
	})
	return len(payload), nil
}

// Receive drains one announced downlink into buf.
func (s *Stack) Receive(buf []byte) (int, uint8, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(); err != nil {
		return 0, 0, err
	}
	if len(s.inbox) == 0 {
		return 0, 0, stack.NormalizeStatus(fmt.Errorf("NOTHING_TO_READ: frame carried no payload"))
	}

	dl := s.inbox[0]
	s.inbox = s.inbox[1:]
	n := copy(buf, dl.payload)
	return n, dl.port, nil
}

// QueueDownlink injects a downlink from the simulated network server. In
// class C it is announced immediately; in class A it waits for the receive
// window after the next uplink.
func (s *Stack) QueueDownlink(port uint8, payload []byte) {
	s.mu.Lock()
	dl := downlink{port: port, payload: append([]byte(nil), payload...)}
	immediate := s.class == stack.ClassC && s.joined
	if immediate {
		s.inbox = append(s.inbox, dl)
	} else {
		s.pending = append(s.pending, dl)
	}
	s.mu.Unlock()

	if immediate {
		s.queue.Call(func() {
			s.emit(stack.EventRxDone)
		})
	}
}

// InjectError makes subsequent calls fail with the given status token
// until ClearError. Used by tests and fault-injection scenarios.
func (s *Stack) InjectError(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injectedError = token
}

// ClearError disables error injection.
func (s *Stack) ClearError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injectedError = ""
}

// Uplinks returns a copy of every accepted uplink, oldest first.
func (s *Stack) Uplinks() []Uplink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Uplink(nil), s.uplinks...)
}

// Joined reports whether the simulated join has completed.
func (s *Stack) Joined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined
}

// Class returns the current simulated device class.
func (s *Stack) Class() stack.Class {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.class
}

// ConfirmedRetries returns the configured retry budget.
func (s *Stack) ConfirmedRetries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

// ADREnabled reports whether adaptive data rate was enabled.
func (s *Stack) ADREnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adrEnabled
}

// injected returns the injected error, if any. Caller holds s.mu.
func (s *Stack) injected() error {
	if s.injectedError == "" {
		return nil
	}
	return stack.NormalizeStatus(fmt.Errorf("%s: injected fault", s.injectedError))
}

// emit delivers an event to the listener on the queue goroutine. Events
// raised from queue callbacks run inline to preserve delivery order;
// cross-goroutine emitters go through the queue via the callers above.
func (s *Stack) emit(kind stack.EventKind) {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		listener(kind)
	}
}
