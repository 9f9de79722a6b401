// Package device implements the application controller of the end-device
// demo.
//
// The controller owns the class A/C mode flag, the fixed transmit and
// receive buffers and the receive counter, drives the join → announce →
// periodic-send lifecycle and translates downlink commands into class
// switches. Every entry point runs on the event-queue goroutine, one
// callback at a time; the internal mutex exists only so the HTTP status
// endpoint can read a consistent snapshot from its own goroutine.
package device

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lorawan-node/lwn/internal/audit"
	"github.com/lorawan-node/lwn/internal/eventqueue"
	"github.com/lorawan-node/lwn/internal/stack"
	"github.com/lorawan-node/lwn/internal/telemetry"
)

const (
	// periodicMessage is the diagnostic uplink sent on each duty cycle.
	periodicMessage = "DataFromEndDevice"

	// Downlink command strings recognized by the controller. Anything
	// else is ignored.
	classCSwitchCmd = "ClassCSwitch"
	classASwitchCmd = "ClassASwitch"

	// Mode announcements. The A-side switch reuses the init tag, matching
	// the deployed network-server tooling.
	classAInitTag = "ClassAInit"
	classCInitTag = "ClassCInit"

	// bufferSize bounds uplink and downlink payloads. Messages here are
	// well under the smallest regional MAC payload limit.
	bufferSize = 30
)

// AuditSink receives activity records. A nil sink is skipped.
type AuditSink interface {
	LogUplink(class string, port uint8, payload string, outcome string, detail string)
	LogDownlink(class string, port uint8, payload string)
	LogClassSwitch(target string, outcome string, detail string)
	LogEvent(event string, class string, outcome string)
}

// TelemetrySink receives operator-visible events. A nil sink is skipped.
type TelemetrySink interface {
	Publish(eventType string, data map[string]interface{})
}

// Compile-time assertions that the concrete sinks satisfy the contracts.
var _ AuditSink = (*audit.Logger)(nil)
var _ TelemetrySink = (*telemetry.Hub)(nil)

// Options configures a Controller.
type Options struct {
	// AppPort is the application port for all uplinks.
	AppPort uint8

	// DutyCycleOn enables the periodic-send loop and the would-block
	// retry path.
	DutyCycleOn bool

	// ConfirmedRetries is passed to the stack during Start.
	ConfirmedRetries int

	// InitialClass is the operating class at boot.
	InitialClass stack.Class

	// RetryDelay is the fixed delay before a would-block re-send.
	RetryDelay time.Duration

	// Green and Blue are the class indicators: green lit in class A,
	// blue lit in class C. Nil indicators are allowed.
	Green Indicator
	Blue  Indicator

	Audit     AuditSink
	Telemetry TelemetrySink
}

// Status is a point-in-time controller snapshot for the operator API.
type Status struct {
	Class        string `json:"class"`
	Connected    bool   `json:"connected"`
	DutyCycleOn  bool   `json:"dutyCycleOn"`
	AppPort      uint8  `json:"appPort"`
	ReceiveCount uint32 `json:"receiveCount"`
	UplinkCount  uint64 `json:"uplinkCount"`
	LastUplink   string `json:"lastUplink,omitempty"`
	LastDownlink string `json:"lastDownlink,omitempty"`
}

// Controller drives the connect → send/receive → class-switch lifecycle.
type Controller struct {
	stack stack.Interface
	queue *eventqueue.Queue
	opts  Options

	// txBuf and rxBuf are reused across calls and cleared after use.
	// Exclusive access is guaranteed by the event-queue threading model.
	txBuf [bufferSize]byte
	rxBuf [bufferSize]byte

	// mu guards the snapshot fields below against reads from the API
	// goroutine. All writes still happen on the queue goroutine.
	mu           sync.RWMutex
	class        stack.Class
	connected    bool
	receiveCount uint32
	uplinkCount  uint64
	lastUplink   string
	lastDownlink string
}

// NewController creates a controller bound to a stack and event queue.
func NewController(s stack.Interface, queue *eventqueue.Queue, opts Options) *Controller {
	if opts.Green == nil {
		opts.Green = nullIndicator{}
	}
	if opts.Blue == nil {
		opts.Blue = nullIndicator{}
	}

	c := &Controller{
		stack: s,
		queue: queue,
		opts:  opts,
		class: opts.InitialClass,
	}
	opts.Green.Set(opts.InitialClass == stack.ClassA)
	opts.Blue.Set(opts.InitialClass == stack.ClassC)
	return c
}

// Start initializes the stack, applies the build-time configuration and
// requests the network join. Any error is unrecoverable: the caller is
// expected to terminate without entering the dispatch loop.
func (c *Controller) Start() error {
	if err := c.stack.Initialize(c.queue); err != nil {
		return fmt.Errorf("stack initialization failed: %w", err)
	}
	log.Println("LoRaWAN stack initialized")

	c.stack.SetEventListener(c.HandleEvent)

	if err := c.stack.SetConfirmedRetries(c.opts.ConfirmedRetries); err != nil {
		return fmt.Errorf("failed to set confirmed message retries: %w", err)
	}
	log.Printf("confirmed message retries: %d", c.opts.ConfirmedRetries)

	if err := c.stack.EnableAdaptiveDataRate(); err != nil {
		return fmt.Errorf("failed to enable adaptive data rate: %w", err)
	}
	log.Println("adaptive data rate (ADR) enabled")

	if c.opts.InitialClass != stack.ClassA {
		if err := c.stack.SetDeviceClass(c.opts.InitialClass); err != nil {
			return fmt.Errorf("failed to set initial device class: %w", err)
		}
	}

	if err := c.stack.Connect(); err != nil && !errors.Is(err, stack.ErrConnectInProgress) {
		return fmt.Errorf("connection request failed: %w", err)
	}
	log.Println("connection in progress...")
	return nil
}

// HandleEvent is the single dispatch point for stack notifications. It
// always runs on the event-queue goroutine.
func (c *Controller) HandleEvent(kind stack.EventKind) {
	switch kind {
	case stack.EventConnected:
		log.Println("connection successful")
		c.setConnected(true)
		c.publish("joined", map[string]interface{}{"class": c.currentClass().String()})
		if c.opts.DutyCycleOn {
			if c.currentClass() == stack.ClassC {
				c.announce(classCInitTag)
			} else {
				c.announce(classAInitTag)
			}
		}
		// With duty cycling off the periodic timer stays disabled in
		// this build.

	case stack.EventDisconnected:
		log.Println("disconnected successfully")
		c.setConnected(false)
		c.publish("disconnected", nil)
		c.auditEvent(kind, audit.OutcomeSuccess)
		c.queue.Break()

	case stack.EventTxDone:
		log.Println("TX_DONE: message delivered to network server")
		if c.opts.DutyCycleOn && c.currentClass() == stack.ClassC {
			// Class C listens continuously; the explicit receive
			// check stays disabled in this build.
		} else if c.opts.DutyCycleOn {
			c.sendPeriodic()
		}

	case stack.EventTxTimeout, stack.EventTxError, stack.EventTxCryptoError, stack.EventTxSchedulingError:
		log.Printf("transmission error: %s", kind)
		c.auditEvent(kind, audit.OutcomeError)
		c.publishFault(kind.String(), "transmission error")

	case stack.EventRxDone:
		log.Println("RX_DONE: downlink from network server")
		c.receiveMessage()

	case stack.EventRxTimeout, stack.EventRxError:
		log.Printf("reception error: %s", kind)
		c.auditEvent(kind, audit.OutcomeError)
		c.publishFault(kind.String(), "reception error")

	case stack.EventJoinFailure:
		log.Println("OTAA join failed - check keys")
		c.auditEvent(kind, audit.OutcomeError)
		c.publishFault(kind.String(), "join failure")

	case stack.EventUplinkRequired:
		log.Println("uplink required by network server")
		// Send suppressed in this build.

	case stack.EventClassChanged:
		log.Println("device class changed")

	default:
		panic(fmt.Sprintf("unknown stack event: %d", kind))
	}
}

// RequestClassSwitch enqueues an operator-initiated class switch so it
// serializes with stack events. It reports whether the request was
// accepted by the queue.
func (c *Controller) RequestClassSwitch(target stack.Class) bool {
	return c.queue.Call(func() {
		c.switchClass(target)
	})
}

// RequestUplink enqueues an operator-initiated tagged uplink. Like every
// send it is subject to the class-C suppression guard.
func (c *Controller) RequestUplink(text string) bool {
	return c.queue.Call(func() {
		c.sendTagged(text)
	})
}

// Status returns a consistent snapshot for the operator API.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		Class:        c.class.String(),
		Connected:    c.connected,
		DutyCycleOn:  c.opts.DutyCycleOn,
		AppPort:      c.opts.AppPort,
		ReceiveCount: c.receiveCount,
		UplinkCount:  c.uplinkCount,
		LastUplink:   c.lastUplink,
		LastDownlink: c.lastDownlink,
	}
}

// sendPeriodic composes and transmits the periodic diagnostic message.
// Suppressed entirely while in class C.
func (c *Controller) sendPeriodic() {
	if c.currentClass() == stack.ClassC {
		return
	}
	c.transmit(periodicMessage)
}

// sendTagged transmits a caller-supplied payload. Suppressed while in
// class C; mode announcements go through announce instead.
func (c *Controller) sendTagged(text string) {
	if c.currentClass() == stack.ClassC {
		log.Printf("send suppressed in class C: %q", text)
		c.auditUplink(text, audit.OutcomeSuppressed, "suppressed in class C")
		return
	}
	c.transmit(text)
}

// announce transmits a mode announcement. Announcements bypass the class-C
// suppression guard; the guard exists to keep periodic traffic off the air
// in class C, not to silence mode changes.
func (c *Controller) announce(text string) {
	c.transmit(text)
}

// transmit sends one unconfirmed uplink on the application port. On a
// would-block result, and only while duty cycling is enabled and the
// device is in class A, exactly one periodic re-send is scheduled after
// the fixed retry delay. Other errors are logged and audited only.
func (c *Controller) transmit(text string) {
	n := copy(c.txBuf[:], text)

	sent, err := c.stack.Send(c.opts.AppPort, c.txBuf[:n], stack.FlagUnconfirmed)
	if err != nil {
		if errors.Is(err, stack.ErrWouldBlock) {
			log.Println("send would block")
			c.auditUplink(text, audit.OutcomeWouldBlock, "")
			if c.opts.DutyCycleOn && c.currentClass() == stack.ClassA {
				c.queue.CallIn(c.opts.RetryDelay, c.sendPeriodic)
			}
		} else {
			log.Printf("send error: %v", err)
			c.auditUplink(text, audit.OutcomeError, err.Error())
			c.publishFault("SEND_ERROR", err.Error())
		}
		return
	}

	log.Printf("%d bytes scheduled for transmission: %q", sent, text)
	c.noteUplink(text)
	c.auditUplink(text, audit.OutcomeSuccess, "")
	c.publish("uplink", map[string]interface{}{
		"port":    c.opts.AppPort,
		"payload": text,
	})

	for i := range c.txBuf {
		c.txBuf[i] = 0
	}
}

// receiveMessage drains one downlink, logs it and interprets the payload
// as a command string.
func (c *Controller) receiveMessage() {
	count := c.bumpReceiveCount()
	log.Printf("packets received count: %d", count)

	n, port, err := c.stack.Receive(c.rxBuf[:])
	if err != nil {
		if errors.Is(err, stack.ErrNothingToRead) {
			log.Println("nothing to read, probably just an ACK")
		} else {
			log.Printf("receive error: %v", err)
			c.auditEvent(stack.EventRxError, audit.OutcomeError)
		}
		return
	}

	log.Printf("RX data on port %d (%d bytes): %s", port, n, hex.EncodeToString(c.rxBuf[:n]))

	msg := commandText(c.rxBuf[:n])
	log.Printf("with message: %q", msg)

	c.noteDownlink(msg)
	if c.opts.Audit != nil {
		c.opts.Audit.LogDownlink(c.currentClass().String(), port, msg)
	}
	c.publish("downlink", map[string]interface{}{
		"port":    port,
		"payload": msg,
	})

	switch msg {
	case classCSwitchCmd:
		log.Println("switching to class C if not already")
		c.switchClass(stack.ClassC)
	case classASwitchCmd:
		log.Println("switching to class A if not already")
		c.switchClass(stack.ClassA)
	}

	for i := range c.rxBuf {
		c.rxBuf[i] = 0
	}
}

// switchClass requests the class change from the stack. The mode flag,
// indicators and announcement are all gated on the stack accepting the
// change; a rejected switch leaves the device in its previous mode.
func (c *Controller) switchClass(target stack.Class) {
	log.Printf("switching to class %s...", target)

	if err := c.stack.SetDeviceClass(target); err != nil {
		log.Printf("class switch rejected: %v", err)
		if c.opts.Audit != nil {
			c.opts.Audit.LogClassSwitch(target.String(), audit.OutcomeError, err.Error())
		}
		c.publishFault("CLASS_SWITCH_REJECTED", err.Error())
		return
	}
	log.Printf("switched to class %s - successful", target)

	c.mu.Lock()
	c.class = target
	c.mu.Unlock()
	c.opts.Green.Set(target == stack.ClassA)
	c.opts.Blue.Set(target == stack.ClassC)

	if c.opts.Audit != nil {
		c.opts.Audit.LogClassSwitch(target.String(), audit.OutcomeSuccess, "")
	}
	c.publish("classChanged", map[string]interface{}{"class": target.String()})

	if target == stack.ClassC {
		c.announce(classCSwitchCmd)
	} else {
		c.announce(classAInitTag)
	}
}

// commandText interprets a downlink payload as NUL-terminated text.
func commandText(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

func (c *Controller) currentClass() stack.Class {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.class
}

func (c *Controller) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
}

func (c *Controller) bumpReceiveCount() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receiveCount++
	return c.receiveCount
}

func (c *Controller) noteUplink(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uplinkCount++
	c.lastUplink = text
}

func (c *Controller) noteDownlink(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastDownlink = text
}

func (c *Controller) auditUplink(payload string, outcome string, detail string) {
	if c.opts.Audit != nil {
		c.opts.Audit.LogUplink(c.currentClass().String(), c.opts.AppPort, payload, outcome, detail)
	}
}

func (c *Controller) auditEvent(kind stack.EventKind, outcome string) {
	if c.opts.Audit != nil {
		c.opts.Audit.LogEvent(kind.String(), c.currentClass().String(), outcome)
	}
}

func (c *Controller) publish(eventType string, data map[string]interface{}) {
	if c.opts.Telemetry != nil {
		c.opts.Telemetry.Publish(eventType, data)
	}
}

func (c *Controller) publishFault(code string, message string) {
	c.publish("fault", map[string]interface{}{
		"code":    code,
		"message": message,
	})
}
