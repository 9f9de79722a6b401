package device

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/lorawan-node/lwn/internal/eventqueue"
	"github.com/lorawan-node/lwn/internal/stack"
)

// mockStack records calls and lets tests override individual behaviors.
type mockStack struct {
	initialized bool
	listener    stack.EventListener
	connects    int
	retries     int
	adrEnabled  bool

	sends        []sentUplink
	classCalls   []stack.Class
	sendFunc     func(port uint8, payload []byte, flags stack.SendFlag) (int, error)
	classFunc    func(class stack.Class) error
	receiveFunc  func(buf []byte) (int, uint8, error)
	connectErr   error
	retriesErr   error
	adrErr       error
	initErr      error
}

type sentUplink struct {
	port    uint8
	payload string
	flags   stack.SendFlag
}

func (m *mockStack) Initialize(queue *eventqueue.Queue) error {
	if m.initErr != nil {
		return m.initErr
	}
	m.initialized = true
	return nil
}

func (m *mockStack) SetEventListener(listener stack.EventListener) {
	m.listener = listener
}

func (m *mockStack) Connect() error {
	m.connects++
	return m.connectErr
}

func (m *mockStack) Disconnect() error { return nil }

func (m *mockStack) SetConfirmedRetries(count int) error {
	if m.retriesErr != nil {
		return m.retriesErr
	}
	m.retries = count
	return nil
}

func (m *mockStack) EnableAdaptiveDataRate() error {
	if m.adrErr != nil {
		return m.adrErr
	}
	m.adrEnabled = true
	return nil
}

func (m *mockStack) SetDeviceClass(class stack.Class) error {
	if m.classFunc != nil {
		if err := m.classFunc(class); err != nil {
			return err
		}
	}
	m.classCalls = append(m.classCalls, class)
	return nil
}

func (m *mockStack) Send(port uint8, payload []byte, flags stack.SendFlag) (int, error) {
	if m.sendFunc != nil {
		n, err := m.sendFunc(port, payload, flags)
		if err != nil {
			return n, err
		}
	}
	m.sends = append(m.sends, sentUplink{port: port, payload: string(payload), flags: flags})
	return len(payload), nil
}

func (m *mockStack) Receive(buf []byte) (int, uint8, error) {
	if m.receiveFunc != nil {
		return m.receiveFunc(buf)
	}
	return 0, 0, stack.ErrNothingToRead
}

var _ stack.Interface = (*mockStack)(nil)

// recordingAudit captures audit calls as "kind class payload outcome" lines.
type recordingAudit struct {
	records []string
}

func (a *recordingAudit) LogUplink(class string, port uint8, payload string, outcome string, detail string) {
	a.records = append(a.records, fmt.Sprintf("uplink %s %s %s", class, payload, outcome))
}

func (a *recordingAudit) LogDownlink(class string, port uint8, payload string) {
	a.records = append(a.records, fmt.Sprintf("downlink %s %s SUCCESS", class, payload))
}

func (a *recordingAudit) LogClassSwitch(target string, outcome string, detail string) {
	a.records = append(a.records, fmt.Sprintf("classSwitch %s - %s", target, outcome))
}

func (a *recordingAudit) LogEvent(event string, class string, outcome string) {
	a.records = append(a.records, fmt.Sprintf("event %s %s %s", class, event, outcome))
}

func (a *recordingAudit) contains(substr string) bool {
	for _, r := range a.records {
		if strings.Contains(r, substr) {
			return true
		}
	}
	return false
}

// recordingTelemetry captures published event types.
type recordingTelemetry struct {
	events []string
}

func (r *recordingTelemetry) Publish(eventType string, data map[string]interface{}) {
	r.events = append(r.events, eventType)
}

func (r *recordingTelemetry) count(eventType string) int {
	n := 0
	for _, e := range r.events {
		if e == eventType {
			n++
		}
	}
	return n
}

func defaultOptions() Options {
	return Options{
		AppPort:          15,
		DutyCycleOn:      true,
		ConfirmedRetries: 3,
		InitialClass:     stack.ClassA,
		RetryDelay:       10 * time.Millisecond,
	}
}

func newTestController(t *testing.T, opts Options) (*Controller, *mockStack, *eventqueue.Queue) {
	t.Helper()
	m := &mockStack{}
	q := eventqueue.New(0)
	c := NewController(m, q, opts)
	return c, m, q
}

func sentPayloads(m *mockStack) []string {
	out := make([]string, 0, len(m.sends))
	for _, s := range m.sends {
		out = append(out, s.payload)
	}
	return out
}

func TestStartConfiguresStackAndConnects(t *testing.T) {
	c, m, _ := newTestController(t, defaultOptions())

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if !m.initialized {
		t.Error("stack not initialized")
	}
	if m.listener == nil {
		t.Error("event listener not registered")
	}
	if m.retries != 3 {
		t.Errorf("confirmed retries = %d, want 3", m.retries)
	}
	if !m.adrEnabled {
		t.Error("ADR not enabled")
	}
	if m.connects != 1 {
		t.Errorf("Connect called %d times, want 1", m.connects)
	}
	if len(m.classCalls) != 0 {
		t.Errorf("class A boot must not call SetDeviceClass, got %v", m.classCalls)
	}
}

func TestStartAppliesInitialClassC(t *testing.T) {
	opts := defaultOptions()
	opts.InitialClass = stack.ClassC
	c, m, _ := newTestController(t, opts)

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if len(m.classCalls) != 1 || m.classCalls[0] != stack.ClassC {
		t.Fatalf("SetDeviceClass calls = %v, want [C]", m.classCalls)
	}
	if got := c.Status().Class; got != "C" {
		t.Fatalf("Status().Class = %s, want C", got)
	}
}

func TestStartToleratesConnectInProgress(t *testing.T) {
	c, m, _ := newTestController(t, defaultOptions())
	m.connectErr = stack.ErrConnectInProgress

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed on benign connect status: %v", err)
	}
}

func TestStartPropagatesSetupErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*mockStack)
	}{
		{"initialize", func(m *mockStack) { m.initErr = errors.New("no queue") }},
		{"confirmedRetries", func(m *mockStack) { m.retriesErr = errors.New("bad count") }},
		{"adr", func(m *mockStack) { m.adrErr = errors.New("not supported") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, m, _ := newTestController(t, defaultOptions())
			tt.mutate(m)
			if err := c.Start(); err == nil {
				t.Fatal("Start succeeded despite setup error")
			}
		})
	}
}

func TestStartFailsOnConnectError(t *testing.T) {
	c, m, _ := newTestController(t, defaultOptions())
	m.connectErr = errors.New("radio dead")

	if err := c.Start(); err == nil {
		t.Fatal("Start succeeded despite connect error")
	}
}

func TestConnectedAnnouncesClassAInit(t *testing.T) {
	c, m, _ := newTestController(t, defaultOptions())

	c.HandleEvent(stack.EventConnected)

	if got := sentPayloads(m); len(got) != 1 || got[0] != "ClassAInit" {
		t.Fatalf("sends = %v, want [ClassAInit]", got)
	}
	if !c.Status().Connected {
		t.Error("Status().Connected = false after EventConnected")
	}
}

func TestConnectedAnnouncesClassCInit(t *testing.T) {
	opts := defaultOptions()
	opts.InitialClass = stack.ClassC
	c, m, _ := newTestController(t, opts)

	c.HandleEvent(stack.EventConnected)

	if got := sentPayloads(m); len(got) != 1 || got[0] != "ClassCInit" {
		t.Fatalf("sends = %v, want [ClassCInit]", got)
	}
}

func TestConnectedWithoutDutyCycleSendsNothing(t *testing.T) {
	opts := defaultOptions()
	opts.DutyCycleOn = false
	c, m, _ := newTestController(t, opts)

	c.HandleEvent(stack.EventConnected)

	if len(m.sends) != 0 {
		t.Fatalf("sends = %v, want none with duty cycling off", sentPayloads(m))
	}
}

func TestTxDoneSendsPeriodicMessage(t *testing.T) {
	c, m, _ := newTestController(t, defaultOptions())

	c.HandleEvent(stack.EventTxDone)

	if got := sentPayloads(m); len(got) != 1 || got[0] != "DataFromEndDevice" {
		t.Fatalf("sends = %v, want [DataFromEndDevice]", got)
	}
	status := c.Status()
	if status.UplinkCount != 1 || status.LastUplink != "DataFromEndDevice" {
		t.Fatalf("status = %+v", status)
	}
}

func TestTxDoneSuppressedInClassC(t *testing.T) {
	opts := defaultOptions()
	opts.InitialClass = stack.ClassC
	c, m, _ := newTestController(t, opts)

	c.HandleEvent(stack.EventTxDone)

	if len(m.sends) != 0 {
		t.Fatalf("sends = %v, want none in class C", sentPayloads(m))
	}
}

func TestTaggedUplinkSuppressedInClassC(t *testing.T) {
	opts := defaultOptions()
	opts.InitialClass = stack.ClassC
	auditRec := &recordingAudit{}
	opts.Audit = auditRec
	c, m, q := newTestController(t, opts)

	if !c.RequestUplink("Hello") {
		t.Fatal("RequestUplink rejected")
	}
	q.Dispatch()

	if len(m.sends) != 0 {
		t.Fatalf("sends = %v, want none in class C", sentPayloads(m))
	}
	if !auditRec.contains("uplink C Hello SUPPRESSED") {
		t.Fatalf("audit records = %v, want suppressed uplink", auditRec.records)
	}
}

func TestDownlinkSwitchesToClassC(t *testing.T) {
	opts := defaultOptions()
	green := &LogIndicator{Name: "green"}
	blue := &LogIndicator{Name: "blue"}
	opts.Green = green
	opts.Blue = blue
	telemetryRec := &recordingTelemetry{}
	opts.Telemetry = telemetryRec
	c, m, _ := newTestController(t, opts)
	m.receiveFunc = func(buf []byte) (int, uint8, error) {
		return copy(buf, "ClassCSwitch"), 15, nil
	}

	c.HandleEvent(stack.EventRxDone)

	if len(m.classCalls) != 1 || m.classCalls[0] != stack.ClassC {
		t.Fatalf("SetDeviceClass calls = %v, want [C]", m.classCalls)
	}
	status := c.Status()
	if status.Class != "C" {
		t.Fatalf("Status().Class = %s, want C", status.Class)
	}
	if status.ReceiveCount != 1 || status.LastDownlink != "ClassCSwitch" {
		t.Fatalf("status = %+v", status)
	}
	if got := sentPayloads(m); len(got) != 1 || got[0] != "ClassCSwitch" {
		t.Fatalf("sends = %v, want single ClassCSwitch announcement", got)
	}
	if green.On() || !blue.On() {
		t.Fatalf("indicators green=%v blue=%v, want green off, blue on", green.On(), blue.On())
	}
	if telemetryRec.count("classChanged") != 1 {
		t.Fatalf("telemetry events = %v, want one classChanged", telemetryRec.events)
	}
}

func TestDownlinkSwitchesBackToClassA(t *testing.T) {
	opts := defaultOptions()
	opts.InitialClass = stack.ClassC
	green := &LogIndicator{Name: "green"}
	blue := &LogIndicator{Name: "blue"}
	opts.Green = green
	opts.Blue = blue
	c, m, _ := newTestController(t, opts)
	m.receiveFunc = func(buf []byte) (int, uint8, error) {
		return copy(buf, "ClassASwitch"), 15, nil
	}

	c.HandleEvent(stack.EventRxDone)

	if len(m.classCalls) != 1 || m.classCalls[0] != stack.ClassA {
		t.Fatalf("SetDeviceClass calls = %v, want [A]", m.classCalls)
	}
	if got := c.Status().Class; got != "A" {
		t.Fatalf("Status().Class = %s, want A", got)
	}
	// The A-side announcement reuses the init tag.
	if got := sentPayloads(m); len(got) != 1 || got[0] != "ClassAInit" {
		t.Fatalf("sends = %v, want [ClassAInit]", got)
	}
	if !green.On() || blue.On() {
		t.Fatalf("indicators green=%v blue=%v, want green on, blue off", green.On(), blue.On())
	}
}

func TestRepeatedSwitchCommandReannounces(t *testing.T) {
	opts := defaultOptions()
	opts.InitialClass = stack.ClassC
	c, m, _ := newTestController(t, opts)
	m.receiveFunc = func(buf []byte) (int, uint8, error) {
		return copy(buf, "ClassCSwitch"), 15, nil
	}

	c.HandleEvent(stack.EventRxDone)

	if len(m.classCalls) != 1 || m.classCalls[0] != stack.ClassC {
		t.Fatalf("SetDeviceClass calls = %v, want [C]", m.classCalls)
	}
	if got := c.Status().Class; got != "C" {
		t.Fatalf("Status().Class = %s, want C", got)
	}
	if got := sentPayloads(m); len(got) != 1 || got[0] != "ClassCSwitch" {
		t.Fatalf("sends = %v, want re-announcement", got)
	}
}

func TestUnknownDownlinkIsIgnored(t *testing.T) {
	c, m, _ := newTestController(t, defaultOptions())
	m.receiveFunc = func(buf []byte) (int, uint8, error) {
		return copy(buf, "Hello"), 15, nil
	}

	c.HandleEvent(stack.EventRxDone)

	if len(m.classCalls) != 0 {
		t.Fatalf("SetDeviceClass calls = %v, want none", m.classCalls)
	}
	if len(m.sends) != 0 {
		t.Fatalf("sends = %v, want none", sentPayloads(m))
	}
	status := c.Status()
	if status.Class != "A" || status.ReceiveCount != 1 || status.LastDownlink != "Hello" {
		t.Fatalf("status = %+v", status)
	}
}

func TestDownlinkCommandStopsAtNul(t *testing.T) {
	c, m, _ := newTestController(t, defaultOptions())
	m.receiveFunc = func(buf []byte) (int, uint8, error) {
		payload := append([]byte("ClassCSwitch"), 0, 'x', 'y')
		return copy(buf, payload), 15, nil
	}

	c.HandleEvent(stack.EventRxDone)

	if len(m.classCalls) != 1 || m.classCalls[0] != stack.ClassC {
		t.Fatalf("NUL-terminated command not recognized: %v", m.classCalls)
	}
}

func TestEmptyDownlinkIsBenign(t *testing.T) {
	c, m, _ := newTestController(t, defaultOptions())
	// Default Receive returns ErrNothingToRead.

	c.HandleEvent(stack.EventRxDone)

	if len(m.sends) != 0 || len(m.classCalls) != 0 {
		t.Fatal("ACK-only downlink must not trigger sends or class calls")
	}
	if got := c.Status().ReceiveCount; got != 1 {
		t.Fatalf("ReceiveCount = %d, want 1 (counter bumps before the read)", got)
	}
}

func TestWouldBlockSchedulesSingleRetry(t *testing.T) {
	auditRec := &recordingAudit{}
	opts := defaultOptions()
	opts.Audit = auditRec
	c, m, q := newTestController(t, opts)

	attempts := 0
	m.sendFunc = func(port uint8, payload []byte, flags stack.SendFlag) (int, error) {
		attempts++
		if attempts == 1 {
			return 0, stack.ErrWouldBlock
		}
		return len(payload), nil
	}

	c.HandleEvent(stack.EventTxDone)
	if attempts != 1 || len(m.sends) != 0 {
		t.Fatalf("attempts = %d, sends = %v; first send must block", attempts, sentPayloads(m))
	}
	if !auditRec.contains("uplink A DataFromEndDevice WOULD_BLOCK") {
		t.Fatalf("audit records = %v, want would-block uplink", auditRec.records)
	}

	time.Sleep(3 * opts.RetryDelay)
	q.Dispatch()

	if attempts != 2 {
		t.Fatalf("attempts = %d after retry delay, want 2", attempts)
	}
	if got := sentPayloads(m); len(got) != 1 || got[0] != "DataFromEndDevice" {
		t.Fatalf("sends = %v, want the retried periodic message", got)
	}

	// No further retries pending: the one-shot timer fired once.
	time.Sleep(3 * opts.RetryDelay)
	q.Dispatch()
	if attempts != 2 {
		t.Fatalf("attempts = %d, want exactly 2 (single retry)", attempts)
	}
}

func TestWouldBlockNoRetryWhenDutyCycleOff(t *testing.T) {
	opts := defaultOptions()
	opts.DutyCycleOn = false
	c, m, q := newTestController(t, opts)

	attempts := 0
	m.sendFunc = func(port uint8, payload []byte, flags stack.SendFlag) (int, error) {
		attempts++
		return 0, stack.ErrWouldBlock
	}

	if !c.RequestUplink("Hello") {
		t.Fatal("RequestUplink rejected")
	}
	q.Dispatch()

	time.Sleep(3 * opts.RetryDelay)
	q.Dispatch()
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (no retry with duty cycling off)", attempts)
	}
}

func TestWouldBlockNoRetryInClassC(t *testing.T) {
	opts := defaultOptions()
	opts.InitialClass = stack.ClassC
	c, m, q := newTestController(t, opts)

	attempts := 0
	m.sendFunc = func(port uint8, payload []byte, flags stack.SendFlag) (int, error) {
		attempts++
		return 0, stack.ErrWouldBlock
	}

	// The class-C init announcement bypasses suppression but must not
	// schedule a retry when it blocks.
	c.HandleEvent(stack.EventConnected)
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}

	time.Sleep(3 * opts.RetryDelay)
	q.Dispatch()
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (no retry in class C)", attempts)
	}
}

func TestSendErrorDoesNotRetry(t *testing.T) {
	telemetryRec := &recordingTelemetry{}
	opts := defaultOptions()
	opts.Telemetry = telemetryRec
	c, m, q := newTestController(t, opts)

	attempts := 0
	m.sendFunc = func(port uint8, payload []byte, flags stack.SendFlag) (int, error) {
		attempts++
		return 0, stack.NormalizeStatus(errors.New("LENGTH_ERROR: payload rejected"))
	}

	c.HandleEvent(stack.EventTxDone)

	time.Sleep(3 * opts.RetryDelay)
	q.Dispatch()
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (hard errors are not retried)", attempts)
	}
	if telemetryRec.count("fault") != 1 {
		t.Fatalf("telemetry events = %v, want one fault", telemetryRec.events)
	}
}

func TestRejectedSwitchKeepsCurrentClass(t *testing.T) {
	auditRec := &recordingAudit{}
	opts := defaultOptions()
	opts.Audit = auditRec
	green := &LogIndicator{Name: "green"}
	blue := &LogIndicator{Name: "blue"}
	opts.Green = green
	opts.Blue = blue
	c, m, _ := newTestController(t, opts)
	green.Set(true)

	m.classFunc = func(class stack.Class) error {
		return stack.NormalizeStatus(errors.New("BUSY: class change not possible now"))
	}
	m.receiveFunc = func(buf []byte) (int, uint8, error) {
		return copy(buf, "ClassCSwitch"), 15, nil
	}

	c.HandleEvent(stack.EventRxDone)

	if got := c.Status().Class; got != "A" {
		t.Fatalf("Status().Class = %s, want A after rejected switch", got)
	}
	if len(m.sends) != 0 {
		t.Fatalf("sends = %v, want no announcement after rejected switch", sentPayloads(m))
	}
	if !green.On() || blue.On() {
		t.Fatal("indicators changed despite rejected switch")
	}
	if !auditRec.contains("classSwitch C - ERROR") {
		t.Fatalf("audit records = %v, want rejected class switch", auditRec.records)
	}
}

func TestRequestClassSwitchSerializesThroughQueue(t *testing.T) {
	c, m, q := newTestController(t, defaultOptions())

	if !c.RequestClassSwitch(stack.ClassC) {
		t.Fatal("RequestClassSwitch rejected")
	}
	if len(m.classCalls) != 0 {
		t.Fatal("switch ran before dispatch")
	}

	q.Dispatch()
	if len(m.classCalls) != 1 || m.classCalls[0] != stack.ClassC {
		t.Fatalf("SetDeviceClass calls = %v, want [C]", m.classCalls)
	}

	q.Break()
	if c.RequestClassSwitch(stack.ClassA) {
		t.Fatal("RequestClassSwitch accepted on a broken queue")
	}
}

func TestDisconnectedBreaksDispatch(t *testing.T) {
	c, _, q := newTestController(t, defaultOptions())
	c.HandleEvent(stack.EventConnected)

	c.HandleEvent(stack.EventDisconnected)

	if !q.Broken() {
		t.Fatal("queue not broken after EventDisconnected")
	}
	if c.Status().Connected {
		t.Fatal("Status().Connected = true after disconnect")
	}
}

func TestJoinFailureIsAuditedAsFault(t *testing.T) {
	auditRec := &recordingAudit{}
	telemetryRec := &recordingTelemetry{}
	opts := defaultOptions()
	opts.Audit = auditRec
	opts.Telemetry = telemetryRec
	c, m, _ := newTestController(t, opts)

	c.HandleEvent(stack.EventJoinFailure)

	if len(m.sends) != 0 {
		t.Fatal("join failure must not send")
	}
	if !auditRec.contains("JOIN_FAILURE") {
		t.Fatalf("audit records = %v, want JOIN_FAILURE", auditRec.records)
	}
	if telemetryRec.count("fault") != 1 {
		t.Fatalf("telemetry events = %v, want one fault", telemetryRec.events)
	}
}

func TestTxErrorVariantsPublishFaults(t *testing.T) {
	telemetryRec := &recordingTelemetry{}
	opts := defaultOptions()
	opts.Telemetry = telemetryRec
	c, _, _ := newTestController(t, opts)

	for _, kind := range []stack.EventKind{
		stack.EventTxTimeout,
		stack.EventTxError,
		stack.EventTxCryptoError,
		stack.EventTxSchedulingError,
		stack.EventRxTimeout,
		stack.EventRxError,
	} {
		c.HandleEvent(kind)
	}

	if got := telemetryRec.count("fault"); got != 6 {
		t.Fatalf("fault events = %d, want 6", got)
	}
}

func TestUnknownEventPanics(t *testing.T) {
	c, _, _ := newTestController(t, defaultOptions())

	defer func() {
		if recover() == nil {
			t.Fatal("HandleEvent did not panic on an unknown event")
		}
	}()
	c.HandleEvent(stack.EventKind(99))
}
