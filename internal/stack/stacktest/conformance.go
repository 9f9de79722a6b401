// Package stacktest provides implementation-agnostic conformance testing
// for stack.Interface. Any stack wired into the application must pass this
// suite before the controller is pointed at it.
package stacktest

import (
	"errors"
	"testing"
	"time"

	"github.com/lorawan-node/lwn/internal/eventqueue"
	"github.com/lorawan-node/lwn/internal/stack"
)

// Harness builds a fresh stack under test. JoinTimeout bounds how long the
// suite waits for the join outcome event.
type Harness struct {
	NewStack    func() stack.Interface
	JoinTimeout time.Duration
}

// RunConformance runs the conformance suite against the harness.
func RunConformance(t *testing.T, h Harness) {
	if h.JoinTimeout <= 0 {
		h.JoinTimeout = 5 * time.Second
	}

	t.Run("RejectsCallsBeforeInitialize", func(t *testing.T) {
		s := h.NewStack()
		if err := s.Connect(); err == nil {
			t.Fatal("Connect before Initialize should fail")
		}
		if _, err := s.Send(1, []byte("x"), stack.FlagUnconfirmed); err == nil {
			t.Fatal("Send before Initialize should fail")
		}
	})

	t.Run("RejectsNilQueue", func(t *testing.T) {
		s := h.NewStack()
		err := s.Initialize(nil)
		if !errors.Is(err, stack.ErrParameter) {
			t.Fatalf("Initialize(nil) = %v, want ErrParameter", err)
		}
	})

	t.Run("ValidatesRetryCount", func(t *testing.T) {
		s := newInitialized(t, h)
		if err := s.SetConfirmedRetries(3); err != nil {
			t.Fatalf("SetConfirmedRetries(3) failed: %v", err)
		}
		if err := s.SetConfirmedRetries(-1); !errors.Is(err, stack.ErrParameter) {
			t.Fatalf("SetConfirmedRetries(-1) = %v, want ErrParameter", err)
		}
	})

	t.Run("SendRequiresSession", func(t *testing.T) {
		s := newInitialized(t, h)
		_, err := s.Send(1, []byte("x"), stack.FlagUnconfirmed)
		if !errors.Is(err, stack.ErrNoActiveSession) {
			t.Fatalf("Send before join = %v, want ErrNoActiveSession", err)
		}
	})

	t.Run("JoinOutcomeDelivered", func(t *testing.T) {
		s := h.NewStack()
		queue := eventqueue.New(0)
		if err := s.Initialize(queue); err != nil {
			t.Fatalf("Initialize failed: %v", err)
		}

		outcome := make(chan stack.EventKind, 1)
		s.SetEventListener(func(kind stack.EventKind) {
			switch kind {
			case stack.EventConnected, stack.EventJoinFailure:
				select {
				case outcome <- kind:
				default:
				}
				queue.Break()
			}
		})

		if err := s.Connect(); err != nil && !errors.Is(err, stack.ErrConnectInProgress) {
			t.Fatalf("Connect failed: %v", err)
		}

		done := make(chan struct{})
		go func() {
			queue.DispatchForever()
			close(done)
		}()

		select {
		case kind := <-outcome:
			t.Logf("join outcome: %s", kind)
		case <-time.After(h.JoinTimeout):
			queue.Break()
			t.Fatal("no join outcome event before timeout")
		}
		<-done
	})

	t.Run("SecondConnectIsInProgress", func(t *testing.T) {
		s := newInitialized(t, h)
		if err := s.Connect(); err != nil && !errors.Is(err, stack.ErrConnectInProgress) {
			t.Fatalf("first Connect failed: %v", err)
		}
		err := s.Connect()
		if !errors.Is(err, stack.ErrConnectInProgress) {
			t.Fatalf("second Connect = %v, want ErrConnectInProgress", err)
		}
	})

	t.Run("ReceiveWithoutDownlinkIsBenign", func(t *testing.T) {
		s := newInitialized(t, h)
		buf := make([]byte, 30)
		_, _, err := s.Receive(buf)
		if !errors.Is(err, stack.ErrNothingToRead) {
			t.Fatalf("Receive with empty inbox = %v, want ErrNothingToRead", err)
		}
	})
}

// newInitialized returns a stack bound to a queue that is never dispatched;
// suitable for synchronous call validation only.
func newInitialized(t *testing.T, h Harness) stack.Interface {
	t.Helper()
	s := h.NewStack()
	if err := s.Initialize(eventqueue.New(0)); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	return s
}
