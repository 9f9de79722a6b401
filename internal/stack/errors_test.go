package stack

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNormalizeStatusNil(t *testing.T) {
	if err := NormalizeStatus(nil); err != nil {
		t.Fatalf("NormalizeStatus(nil) = %v, want nil", err)
	}
}

func TestNormalizeStatusTokens(t *testing.T) {
	tests := []struct {
		native string
		want   error
	}{
		{"WOULD_BLOCK: duty cycle restricted", ErrWouldBlock},
		{"radio reports BUSY", ErrWouldBlock},
		{"DUTY_CYCLE_RESTRICTED on sub-band 1", ErrWouldBlock},
		{"CONNECT_IN_PROGRESS: join already requested", ErrConnectInProgress},
		{"join_in_progress", ErrConnectInProgress},
		{"NOTHING_TO_READ: frame carried no payload", ErrNothingToRead},
		{"ack_only frame", ErrNothingToRead},
		{"NO_ACTIVE_SESSION: device has not joined", ErrNoActiveSession},
		{"NOT_JOINED", ErrNoActiveSession},
		{"PARAMETER_INVALID: retry count -1", ErrParameter},
		{"LENGTH_ERROR: payload too long", ErrParameter},
		{"RETRY later", ErrWouldBlock},
		{"MAC_STATUS_0x42", ErrServiceUnknown},
		{"something else entirely", ErrServiceUnknown},
	}

	for _, tt := range tests {
		err := NormalizeStatus(fmt.Errorf("%s", tt.native))
		if !errors.Is(err, tt.want) {
			t.Errorf("NormalizeStatus(%q) = %v, want %v", tt.native, err, tt.want)
		}
	}
}

func TestNormalizeStatusMatchesWholeTokensOnly(t *testing.T) {
	// A token embedded in a longer identifier is not a match: a failure
	// mentioning "RETRIES" must not normalize to the retryable status and
	// feed the would-block retry path.
	tests := []struct {
		native string
		want   error
	}{
		{"RETRY_LIMIT_EXCEEDED", ErrServiceUnknown},
		{"SET_CONFIRMED_RETRIES failed", ErrServiceUnknown},
		{"BUSYBOX shell error", ErrServiceUnknown},
		{"RETRY", ErrWouldBlock},
		{"(RETRY)", ErrWouldBlock},
	}
	for _, tt := range tests {
		err := NormalizeStatus(fmt.Errorf("%s", tt.native))
		if !errors.Is(err, tt.want) {
			t.Errorf("NormalizeStatus(%q) = %v, want %v", tt.native, err, tt.want)
		}
	}
}

func TestNormalizeStatusOrderIsDeterministic(t *testing.T) {
	// An explicit status token wins over the trailing retry hint, every time.
	for i := 0; i < 50; i++ {
		err := NormalizeStatus(fmt.Errorf("NO_ACTIVE_SESSION: RETRY after joining"))
		if !errors.Is(err, ErrNoActiveSession) {
			t.Fatalf("NormalizeStatus = %v, want ErrNoActiveSession", err)
		}
	}
}

func TestNormalizeStatusPassesThroughNormalized(t *testing.T) {
	wrapped := NormalizeStatus(fmt.Errorf("WOULD_BLOCK: duty cycle restricted"))
	again := NormalizeStatus(wrapped)
	if again != wrapped {
		t.Fatalf("re-normalizing returned a new error: %v", again)
	}

	// Bare sentinels pass through too.
	if err := NormalizeStatus(ErrWouldBlock); err != ErrWouldBlock {
		t.Fatalf("NormalizeStatus(ErrWouldBlock) = %v", err)
	}
}

func TestStatusErrorKeepsNativeDetail(t *testing.T) {
	native := fmt.Errorf("BUSY: channel occupied for 812ms")
	err := NormalizeStatus(native)

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("NormalizeStatus did not return a *StatusError: %T", err)
	}
	if statusErr.Native != native {
		t.Fatal("native error not preserved")
	}
	if !strings.Contains(err.Error(), "channel occupied") {
		t.Fatalf("error message lost native detail: %q", err.Error())
	}
}
